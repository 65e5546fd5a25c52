// Package synclan is an embeddable LAN synchronization server. It relays
// messages between paired devices over a single HTTP(S) listener carrying a
// REST API and a websocket channel, persists everything in sqlite for
// offline catch-up, and stores its configuration in one YAML document whose
// sensitive fields are encrypted at rest with a locally generated key.
//
// The listener serves TLS by default using a self-signed certificate the
// server generates on first use; peers install the exported certificate to
// talk to it. Settings changes go through a draft/commit cycle so side
// effects like a listener rebind either fully apply or leave the previous
// configuration in place.
//
// Typical embedding:
//
//	srv, err := synclan.NewServer(synclan.Config{DataDir: dir},
//		synclan.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer srv.Close(context.Background())
//	if err := srv.Start(); err != nil {
//		return err
//	}
package synclan
