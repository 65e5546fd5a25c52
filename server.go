package synclan

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/1111mp/synclan/internal/httpapi"
	"github.com/1111mp/synclan/internal/realtime"
	"github.com/1111mp/synclan/internal/secret"
	"github.com/1111mp/synclan/internal/store"
	"github.com/1111mp/synclan/internal/uploads"
)

const sweepInterval = time.Hour

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger installs the structured logger the server and its components
// log through. The default is a no-op logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server is the embeddable synchronization server: one HTTP(S) listener
// carrying the REST API and the websocket relay, a sqlite store, and the
// settings document with its draft/commit lifecycle. A Server survives
// restarts of its listener; Start on a running server rebinds according to
// the latest settings.
type Server struct {
	cfg    Config
	logger pslog.Logger

	codec    *secret.Codec
	settings *Draft[Settings]
	certs    *certManager
	hub      *realtime.Hub
	handler  http.Handler

	mu       sync.Mutex
	st       *store.Store
	httpSrv  *http.Server
	listener net.Listener
	tlsOn    bool
	readyCh  chan struct{}

	sweepCancel context.CancelFunc
	wg          sync.WaitGroup
}

// NewServer opens the data directory, key file, settings document, and
// database, and wires the request surface. It does not bind a listener;
// call Start for that.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, logger: pslog.NoopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	codec, err := secret.Open(cfg.KeyFilePath())
	if err != nil {
		return nil, fmt.Errorf("open key file: %w", err)
	}
	s.codec = codec
	firstRun := false
	if _, err := os.Stat(cfg.SettingsPath()); errors.Is(err, os.ErrNotExist) {
		firstRun = true
	}
	settings, err := LoadSettings(cfg.SettingsPath(), codec)
	if err != nil {
		return nil, err
	}
	s.settings = NewDraft(settings, cloneSettings)
	if firstRun {
		if err := SaveSettings(cfg.SettingsPath(), settings, codec); err != nil {
			return nil, err
		}
		s.logger.Info("wrote initial settings", "path", cfg.SettingsPath())
	}
	st, err := store.Open(context.Background(), cfg.DatabasePath(), s.logger)
	if err != nil {
		return nil, err
	}
	s.st = st
	s.certs = &certManager{
		settings:     s.settings,
		codec:        codec,
		settingsPath: cfg.SettingsPath(),
		logger:       s.logger,
	}
	s.hub = realtime.NewHub(st, cfg.AckTimeout, s.logger)
	api := httpapi.New(httpapi.Config{
		Store:          st,
		Hub:            s.hub,
		Logger:         s.logger,
		AccessCode:     s.accessCode,
		UploadDir:      s.uploadDir,
		UploadMaxBytes: cfg.UploadMaxBytes,
	})
	mux := http.NewServeMux()
	api.Register(mux)
	mux.Handle("/socket", s.hub)
	s.handler = mux
	return s, nil
}

// Settings returns the committed settings document.
func (s *Server) Settings() Settings {
	return s.settings.Committed()
}

// Store exposes the persistence layer to embedding processes.
func (s *Server) Store() *store.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *Server) accessCode() string {
	st := s.settings.Committed()
	if st.AccessCode != nil {
		return *st.AccessCode
	}
	return ""
}

func (s *Server) uploadDir() string {
	st := s.settings.Committed()
	if st.FileUploadDir != nil && *st.FileUploadDir != "" {
		return *st.FileUploadDir
	}
	return s.cfg.DefaultUploadDir()
}

// Start binds the listener described by the latest settings, TLS or plain.
// On a running server the previous listener generation is drained first, so
// a settings change needs exactly one Start to take effect.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st == nil {
		return ErrStoreNotReady
	}
	if err := s.stopListenerLocked(); err != nil {
		s.logger.Warn("previous listener did not drain cleanly", "error", err)
	}
	st := s.settings.Latest()
	addr := net.JoinHostPort(s.cfg.BindHost, strconv.Itoa(st.ListenPort()))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	useTLS := st.EncryptionEnabled()
	if useTLS {
		tlsCfg, err := s.certs.TLSConfig(localIPs(), []string{"localhost"})
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpSrv = srv
	s.listener = ln
	s.tlsOn = useTLS
	ready := make(chan struct{})
	s.readyCh = ready
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		close(ready)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("listener stopped", "error", err)
		}
	}()
	if s.sweepCancel == nil {
		sweepCtx, cancel := context.WithCancel(context.Background())
		s.sweepCancel = cancel
		s.wg.Add(1)
		go s.sweepLoop(sweepCtx)
	}
	s.logger.Info("listening", "addr", ln.Addr().String(), "tls", useTLS)
	return nil
}

// stopListenerLocked drains the current listener generation, if any. Live
// websocket connections are dropped; clients reconnect and replay.
func (s *Server) stopListenerLocked() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.hub.CloseAll()
	err := s.httpSrv.Shutdown(ctx)
	s.httpSrv = nil
	s.listener = nil
	s.tlsOn = false
	s.readyCh = nil
	return err
}

// Restart rebinds the listener according to the latest settings.
func (s *Server) Restart() error {
	return s.Start()
}

// Running reports whether a listener generation is active.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpSrv != nil
}

// TLSActive reports whether the current listener terminates TLS.
func (s *Server) TLSActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpSrv != nil && s.tlsOn
}

// ListenerAddr returns the bound address of the active listener, or empty
// when the server is stopped.
func (s *Server) ListenerAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// WaitUntilReady blocks until the current listener accepts connections or
// ctx expires.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	s.mu.Lock()
	ready := s.readyCh
	s.mu.Unlock()
	if ready == nil {
		return errors.New("synclan: server not started")
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drains the listener and stops background sweeping. The store
// stays open so the server can Start again.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.sweepCancel != nil {
		s.sweepCancel()
		s.sweepCancel = nil
	}
	var err error
	if s.httpSrv != nil {
		s.hub.CloseAll()
		err = s.httpSrv.Shutdown(ctx)
		s.httpSrv = nil
		s.listener = nil
		s.tlsOn = false
		s.readyCh = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// Close shuts the server down and releases the store. A closed server
// cannot Start again.
func (s *Server) Close(ctx context.Context) error {
	err := s.Shutdown(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st != nil {
		if cerr := s.st.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.st = nil
	}
	return err
}

// ExportCertificate writes the public TLS certificate into dir and returns
// the written path.
func (s *Server) ExportCertificate(dir string) (string, error) {
	return s.certs.exportCertificate(dir)
}

// SweepNow runs one retention pass over stored messages and uploaded files.
func (s *Server) SweepNow(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	st := s.st
	s.mu.Unlock()
	if st == nil {
		return ErrStoreNotReady
	}
	if _, err := st.PruneExpired(ctx, now); err != nil {
		return err
	}
	policy := 0
	if doc := s.settings.Committed(); doc.AutoFileClean != nil {
		policy = *doc.AutoFileClean
	}
	_, err := uploads.Sweep(s.uploadDir(), policy, now, s.logger)
	return err
}

// ClearUploads removes every day directory under the upload root,
// regardless of the retention policy.
func (s *Server) ClearUploads() (int, error) {
	return uploads.Clear(s.uploadDir())
}

func (s *Server) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.SweepNow(ctx, now); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("retention sweep failed", "error", err)
			}
		}
	}
}
