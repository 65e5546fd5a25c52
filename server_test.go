package synclan

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(Config{
		DataDir:  t.TempDir(),
		BindHost: "127.0.0.1",
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Close(ctx)
	})
	if _, err := srv.ApplyPatch(Settings{Port: intPtr(freePort(t))}); err != nil {
		t.Fatalf("assign test port: %v", err)
	}
	return srv
}

func insecureClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

func TestServerServesPlainHTTPWhenEncryptionDisabled(t *testing.T) {
	srv := newTestServer(t)
	if _, err := srv.ApplyPatch(Settings{EnableEncryption: boolPtr(false)}); err != nil {
		t.Fatalf("disable encryption: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}
	if srv.TLSActive() {
		t.Fatal("listener should be plain HTTP")
	}
	resp, err := http.Get("http://" + srv.ListenerAddr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "ok") {
		t.Fatalf("healthz body = %s", body)
	}
}

func TestServerServesTLSByDefault(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !srv.TLSActive() {
		t.Fatal("encryption is the default posture")
	}
	conn, err := tls.Dial("tcp", srv.ListenerAddr(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	defer conn.Close()
	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		t.Fatal("no peer certificate presented")
	}
	if cn := certs[0].Subject.CommonName; cn != CertificateCommonName {
		t.Fatalf("certificate CN = %q, want %q", cn, CertificateCommonName)
	}

	resp, err := insecureClient().Get("https://" + srv.ListenerAddr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz over tls: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestGeneratedIdentityStoredEncrypted(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := srv.Settings()
	if st.CertPEM == nil || st.SigningKeyPEM == nil {
		t.Fatal("identity should be committed after TLS start")
	}
	if !strings.Contains(*st.CertPEM, "BEGIN CERTIFICATE") {
		t.Fatal("in-memory settings should hold clear PEM")
	}
	raw, err := os.ReadFile(srv.cfg.SettingsPath())
	if err != nil {
		t.Fatalf("read settings document: %v", err)
	}
	doc := string(raw)
	if strings.Contains(doc, "BEGIN CERTIFICATE") || strings.Contains(doc, "PRIVATE KEY") {
		t.Fatal("settings document leaked a PEM block in clear text")
	}
	if !strings.Contains(doc, "cert_pem:") || !strings.Contains(doc, "signing_key_pem:") {
		t.Fatal("identity fields missing from the document")
	}

	// A rebind reuses the stored identity instead of generating a new one.
	if err := srv.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if again := srv.Settings(); *again.CertPEM != *st.CertPEM {
		t.Fatal("restart should reuse the stored identity")
	}
}

func TestApplyPatchRebindsOnceForEncryptionToggle(t *testing.T) {
	srv := newTestServer(t)
	if _, err := srv.ApplyPatch(Settings{EnableEncryption: boolPtr(false)}); err != nil {
		t.Fatalf("disable encryption: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := srv.ListenerAddr()

	applied, err := srv.ApplyPatch(Settings{EnableEncryption: boolPtr(true)})
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if !applied.EncryptionEnabled() {
		t.Fatal("patch should commit the encryption flag")
	}
	if !srv.TLSActive() {
		t.Fatal("listener should terminate TLS after the patch")
	}
	if srv.ListenerAddr() != addr {
		t.Fatalf("port changed across rebind: %s -> %s", addr, srv.ListenerAddr())
	}
	resp, err := insecureClient().Get("https://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz over tls: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestApplyPatchFailedRebindKeepsCommittedSettings(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := srv.Settings()

	// Occupy a port so the rebind must fail.
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer blocker.Close()
	busy := blocker.Addr().(*net.TCPAddr).Port

	_, err = srv.ApplyPatch(Settings{Port: intPtr(busy), EnableEncryption: boolPtr(false)})
	if err == nil {
		t.Fatal("expected rebind to a busy port to fail")
	}
	after := srv.Settings()
	if !after.EncryptionEnabled() {
		t.Fatal("failed patch must not commit the encryption flag")
	}
	if after.ListenPort() != before.ListenPort() {
		t.Fatalf("failed patch changed port: %d -> %d", before.ListenPort(), after.ListenPort())
	}
	// The rollback rebind left the server reachable on the old settings.
	if !srv.Running() || !srv.TLSActive() {
		t.Fatal("server should still run with its previous settings")
	}
	if port := srv.ListenerAddr(); !strings.HasSuffix(port, ":"+strconv.Itoa(before.ListenPort())) {
		t.Fatalf("listener at %s, want port %d", port, before.ListenPort())
	}
}

func TestExportCertificate(t *testing.T) {
	srv := newTestServer(t)
	if _, err := srv.ExportCertificate(t.TempDir()); err != ErrNoCertificate {
		t.Fatalf("export before generation: err = %v, want ErrNoCertificate", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dir := t.TempDir()
	path, err := srv.ExportCertificate(dir)
	if err != nil {
		t.Fatalf("ExportCertificate: %v", err)
	}
	if filepath.Base(path) != ExportedCertName {
		t.Fatalf("exported as %s, want %s", filepath.Base(path), ExportedCertName)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read exported cert: %v", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatal("exported file is not a certificate PEM")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		t.Fatalf("exported certificate does not parse: %v", err)
	}
	if strings.Contains(string(raw), "PRIVATE KEY") {
		t.Fatal("export must never include the private key")
	}
}

func TestClosedServerRefusesStart(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := srv.Start(); err != ErrStoreNotReady {
		t.Fatalf("Start after Close: err = %v, want ErrStoreNotReady", err)
	}
}

func TestSweepNow(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.SweepNow(context.Background(), time.Now()); err != nil {
		t.Fatalf("SweepNow: %v", err)
	}
}
