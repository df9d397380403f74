// Package ubersdr implements the control-channel client for an UberSDR
// receiver: the persistent WebSocket connection used to request tuned
// audio/spectrum data and keep the server informed of client intent.
//
// The primary lifecycle is:
//   - construct a ConnectionManager with NewConnectionManager
//   - subscribe one or more ConnectionEventListener values
//   - Connect with the desired frequency/mode/bandwidth
//   - Send tune and other outbound messages while connected
//   - Disconnect when finished
//
// Connect runs a pre-flight admission check against the server's
// /connection endpoint before opening the transport. On abnormal
// closure the manager re-runs the admission check and reconnects with
// exponential backoff, replaying the last connection parameters. All
// failures are reported through the single ErrorEvent channel with a
// discriminated kind; the manager never renders anything itself.
//
// Listener callbacks execute from receive and timer paths and must be
// written as thread-safe. The manager serializes its own state
// transitions internally.
package ubersdr
