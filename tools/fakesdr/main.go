// Package main implements fakesdr, a deterministic, stateful UberSDR
// backend for integration testing of client connection managers. It
// models the server behaviors the client lifecycle depends on: the
// /connection admission endpoint with capacity, ban, and termination
// responses, and the /ws stream endpoint with status refreshes,
// per-session rate limiting, and session time limits.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
)

var (
	flagAddr           = flag.String("addr", "127.0.0.1:8073", "listen address")
	flagMaxUsers       = flag.Int("max-users", 5, "maximum unique users admitted at once")
	flagSessionTimeout = flag.Int("session-timeout", 300, "idle session timeout in seconds, echoed in admission responses")
	flagMaxSessionTime = flag.Int("max-session-time", 0, "hard session time limit in seconds (0=unlimited)")
	flagPassword       = flag.String("password", "", "bypass password; admissions carrying it skip the capacity gate")
	flagRateLimit      = flag.Int("rate-limit", 0, "inbound messages per second per session before 429 notices (0=unlimited)")
	flagBanAll         = flag.Bool("ban-all", false, "reject every admission as banned")
	flagKickAfter      = flag.Duration("kick-after", 0, "abnormally close every stream after this duration (0=never)")
	flagLogConn        = flag.Bool("log-conn", true, "log connect/disconnect events")
)

func main() {
	flag.Parse()
	log.SetOutput(os.Stdout)
	log.SetPrefix("[fakesdr] ")

	backend := newBackend(backendConfig{
		maxUsers:       *flagMaxUsers,
		sessionTimeout: *flagSessionTimeout,
		maxSessionTime: *flagMaxSessionTime,
		password:       *flagPassword,
		rateLimit:      *flagRateLimit,
		banAll:         *flagBanAll,
		kickAfter:      *flagKickAfter,
		logConn:        *flagLogConn,
	})

	server := &http.Server{
		Addr:    *flagAddr,
		Handler: backend.routes(),
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-shutdown
		log.Printf("received %v, shutting down", sig)
		backend.closeAll()
		server.Close()
	}()

	log.Printf("listening on %s (max-users=%d, rate-limit=%d/s)", *flagAddr, *flagMaxUsers, *flagRateLimit)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("listen failed: %v", err)
	}
}
