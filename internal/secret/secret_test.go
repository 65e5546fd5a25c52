package secret

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "secret.key")
	if _, err := Open(path); err != nil {
		t.Fatalf("open: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Size() != KeySize {
		t.Fatalf("key file size %d, want %d", info.Size(), KeySize)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("key file mode %v, want 0600", perm)
	}
}

func TestOpenReusesExistingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	token, err := first.EncryptString("pairing-code")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := second.DecryptString(token)
	if err != nil {
		t.Fatalf("decrypt with reopened codec: %v", err)
	}
	if got != "pairing-code" {
		t.Fatalf("round trip got %q", got)
	}
}

func TestOpenRejectsShortKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatalf("seed key file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for truncated key file")
	}
}

func TestRoundTrip(t *testing.T) {
	codec := testCodec(t)
	for _, plaintext := range []string{"", "hello", "åäö 你好 🚀", "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----"} {
		token, err := codec.EncryptString(plaintext)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext, err)
		}
		got, err := codec.DecryptString(token)
		if err != nil {
			t.Fatalf("decrypt %q: %v", plaintext, err)
		}
		if got != plaintext {
			t.Fatalf("round trip got %q, want %q", got, plaintext)
		}
	}
}

func TestEncryptNonceUnique(t *testing.T) {
	codec := testCodec(t)
	a, err := codec.EncryptString("same input")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := codec.EncryptString("same input")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct tokens for repeated plaintext")
	}
}

func TestDecryptOrEmptyDegrades(t *testing.T) {
	codec := testCodec(t)
	token, err := codec.EncryptString("secret value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(token)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	cases := map[string]string{
		"empty":       "",
		"not base64":  "%%%not-a-token%%%",
		"too short":   base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
		"tampered":    tampered,
		"wrong key":   wrongKeyToken(t, "secret value"),
		"truncated":   token[:len(token)/2],
		"plain text":  "never encrypted",
	}
	for name, tok := range cases {
		if got := codec.DecryptOrEmpty(tok); got != "" {
			t.Fatalf("%s: expected empty fallback, got %q", name, got)
		}
	}
	if got := codec.DecryptOrEmpty(token); got != "secret value" {
		t.Fatalf("valid token degraded to %q", got)
	}
}

func testCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := New(bytes.Repeat([]byte{0x42}, KeySize))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return codec
}

func wrongKeyToken(t *testing.T, plaintext string) string {
	t.Helper()
	other, err := New(bytes.Repeat([]byte{0x24}, KeySize))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	token, err := other.EncryptString(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return token
}
