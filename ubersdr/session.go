package ubersdr

import "github.com/google/uuid"

// NewSessionID generates the per-client session identifier carried by
// every admission check and transport open. Version-4 random UUID,
// statistically unique per client, stable for the lifetime of whatever
// holds it.
func NewSessionID() string {
	return uuid.New().String()
}

// ValidSessionID reports whether id parses as a UUID. The server
// rejects admission requests whose user_session_id does not.
func ValidSessionID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
