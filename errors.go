package synclan

import "errors"

var (
	// ErrStoreNotReady reports an operation against a closed server.
	ErrStoreNotReady = errors.New("synclan: store not ready")
	// ErrNoCertificate reports an export before any TLS identity exists.
	ErrNoCertificate = errors.New("synclan: no certificate available")
)
