package synclan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"github.com/1111mp/synclan/internal/secret"
)

const (
	// DefaultPort is the LAN port the server binds when settings carry none.
	DefaultPort = 53317
	// DefaultAckTimeout bounds how long a delivery waits for the receiver's
	// acknowledgment before falling back to backlog replay.
	DefaultAckTimeout = 6 * time.Second
	// DefaultShutdownTimeout caps graceful shutdown of a listener generation.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultUploadMaxBytes bounds a single multipart upload.
	DefaultUploadMaxBytes = 1 << 30

	// SettingsFileName is the configuration document under the data dir.
	SettingsFileName = "synclan.yaml"
	// KeyFileName is the raw 32-byte secret protecting sensitive fields.
	KeyFileName = "secret.key"
	// DatabaseFileName is the sqlite database under <datadir>/db.
	DatabaseFileName = "synclan.db"
)

// settingsHeader prefixes the saved document so people poking around the data
// directory know what they are looking at.
const settingsHeader = "## synclan configuration\n## sensitive fields are stored encrypted; edit through the application\n"

// Config carries process-level server configuration. User-facing tunables
// live in Settings; Config is what the embedding process decides once at
// startup.
type Config struct {
	// DataDir is the application's private directory holding the settings
	// document, key file, database, and default upload root.
	DataDir string
	// BindHost is the address the listener binds to (default 0.0.0.0).
	BindHost string
	// UploadMaxBytes bounds a single upload request body.
	UploadMaxBytes int64
	// AckTimeout overrides the delivery acknowledgment deadline.
	AckTimeout time.Duration
	// ShutdownTimeout caps how long a superseded listener may drain.
	ShutdownTimeout time.Duration
}

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return fmt.Errorf("config: resolve data dir: %w", err)
		}
		c.DataDir = dir
	}
	abs, err := filepath.Abs(c.DataDir)
	if err != nil {
		return fmt.Errorf("config: resolve data dir %q: %w", c.DataDir, err)
	}
	c.DataDir = abs
	if c.BindHost == "" {
		c.BindHost = "0.0.0.0"
	}
	if c.UploadMaxBytes <= 0 {
		c.UploadMaxBytes = DefaultUploadMaxBytes
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// SettingsPath returns the configuration document path under the data dir.
func (c Config) SettingsPath() string { return filepath.Join(c.DataDir, SettingsFileName) }

// KeyFilePath returns the secret key file path under the data dir.
func (c Config) KeyFilePath() string { return filepath.Join(c.DataDir, KeyFileName) }

// DatabasePath returns the sqlite database path under the data dir.
func (c Config) DatabasePath() string { return filepath.Join(c.DataDir, "db", DatabaseFileName) }

// DefaultUploadDir returns the upload root used when settings carry none.
func (c Config) DefaultUploadDir() string { return filepath.Join(c.DataDir, "uploads") }

// DefaultDataDir resolves the platform's per-user config location.
func DefaultDataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "synclan"), nil
}

// Settings is the single versioned configuration document. Every field is a
// pointer so nil means "unset" and partial patches can distinguish absent
// from zero. AccessCode, CertPEM, and SigningKeyPEM are sensitive: they are
// stored as codec tokens on disk and never serialized in clear text.
type Settings struct {
	// LogLevel is one of silent|error|warn|info|debug|trace.
	LogLevel *string `yaml:"log_level,omitempty" json:"logLevel,omitempty"`
	Locale   *string `yaml:"locale,omitempty" json:"locale,omitempty"`
	// Theme is system|light|dark.
	Theme *string `yaml:"theme,omitempty" json:"theme,omitempty"`

	EnableAutoLaunch  *bool `yaml:"enable_auto_launch,omitempty" json:"enableAutoLaunch,omitempty"`
	EnableSilentStart *bool `yaml:"enable_silent_start,omitempty" json:"enableSilentStart,omitempty"`
	AutoCheckUpdate   *bool `yaml:"auto_check_update,omitempty" json:"autoCheckUpdate,omitempty"`

	// AutoLogClean selects the log retention window: 0 keep, 1 one day,
	// 2 seven days, 3 thirty days, 4 ninety days.
	AutoLogClean *int `yaml:"auto_log_clean,omitempty" json:"autoLogClean,omitempty"`

	// Port is the LAN listener port (default 53317).
	Port *int `yaml:"port,omitempty" json:"port,omitempty"`
	// EnableEncryption selects TLS for the listener. Unset means encrypted;
	// plain HTTP is always an explicit choice.
	EnableEncryption *bool `yaml:"enable_encryption,omitempty" json:"enableEncryption,omitempty"`

	// AccessCode, when set, must accompany device registration.
	AccessCode *string `yaml:"access_code,omitempty" json:"-"`

	FileUploadDir *string `yaml:"file_upload_dir,omitempty" json:"fileUploadDir,omitempty"`
	// AutoFileClean selects the upload retention window: 0 disabled,
	// 1 seven days, 2 thirty days, 3 ninety days.
	AutoFileClean *int `yaml:"auto_file_clean,omitempty" json:"autoFileClean,omitempty"`

	// CertPEM and SigningKeyPEM hold the self-signed TLS identity.
	CertPEM       *string `yaml:"cert_pem,omitempty" json:"-"`
	SigningKeyPEM *string `yaml:"signing_key_pem,omitempty" json:"-"`
}

// Template produces the document written on first run. Encryption defaults
// on except on Windows, where self-signed LAN certificates trip endpoint
// protection often enough that plain HTTP is the starting posture there.
func Template() Settings {
	return Settings{
		Locale:            strPtr(systemLocale()),
		Theme:             strPtr("system"),
		EnableAutoLaunch:  boolPtr(false),
		EnableSilentStart: boolPtr(false),
		AutoCheckUpdate:   boolPtr(true),
		AutoLogClean:      intPtr(3),
		Port:              intPtr(DefaultPort),
		EnableEncryption:  boolPtr(runtime.GOOS != "windows"),
	}
}

// PslogLevel maps the document's log level onto a pslog level, defaulting to
// info for unset or unrecognized values.
func (s Settings) PslogLevel() pslog.Level {
	if s.LogLevel == nil {
		return pslog.InfoLevel
	}
	if level, ok := pslog.ParseLevel(strings.ToLower(*s.LogLevel)); ok {
		return level
	}
	return pslog.InfoLevel
}

// ListenPort returns the configured port or the default.
func (s Settings) ListenPort() int {
	if s.Port != nil && *s.Port > 0 && *s.Port < 1<<16 {
		return *s.Port
	}
	return DefaultPort
}

// EncryptionEnabled reports whether the listener should terminate TLS.
// Encryption is the default posture: only an explicit false turns it off.
func (s Settings) EncryptionEnabled() bool {
	return s.EnableEncryption == nil || *s.EnableEncryption
}

// Merge copies every field present in patch over s, leaving absent fields
// untouched.
func (s *Settings) Merge(patch Settings) {
	if patch.LogLevel != nil {
		s.LogLevel = strPtr(*patch.LogLevel)
	}
	if patch.Locale != nil {
		s.Locale = strPtr(*patch.Locale)
	}
	if patch.Theme != nil {
		s.Theme = strPtr(*patch.Theme)
	}
	if patch.EnableAutoLaunch != nil {
		s.EnableAutoLaunch = boolPtr(*patch.EnableAutoLaunch)
	}
	if patch.EnableSilentStart != nil {
		s.EnableSilentStart = boolPtr(*patch.EnableSilentStart)
	}
	if patch.AutoCheckUpdate != nil {
		s.AutoCheckUpdate = boolPtr(*patch.AutoCheckUpdate)
	}
	if patch.AutoLogClean != nil {
		s.AutoLogClean = intPtr(*patch.AutoLogClean)
	}
	if patch.Port != nil {
		s.Port = intPtr(*patch.Port)
	}
	if patch.EnableEncryption != nil {
		s.EnableEncryption = boolPtr(*patch.EnableEncryption)
	}
	if patch.AccessCode != nil {
		s.AccessCode = strPtr(*patch.AccessCode)
	}
	if patch.FileUploadDir != nil {
		s.FileUploadDir = strPtr(*patch.FileUploadDir)
	}
	if patch.AutoFileClean != nil {
		s.AutoFileClean = intPtr(*patch.AutoFileClean)
	}
	if patch.CertPEM != nil {
		s.CertPEM = strPtr(*patch.CertPEM)
	}
	if patch.SigningKeyPEM != nil {
		s.SigningKeyPEM = strPtr(*patch.SigningKeyPEM)
	}
}

func cloneSettings(s Settings) Settings {
	out := s
	out.LogLevel = clonePtr(s.LogLevel)
	out.Locale = clonePtr(s.Locale)
	out.Theme = clonePtr(s.Theme)
	out.EnableAutoLaunch = clonePtr(s.EnableAutoLaunch)
	out.EnableSilentStart = clonePtr(s.EnableSilentStart)
	out.AutoCheckUpdate = clonePtr(s.AutoCheckUpdate)
	out.AutoLogClean = clonePtr(s.AutoLogClean)
	out.Port = clonePtr(s.Port)
	out.EnableEncryption = clonePtr(s.EnableEncryption)
	out.AccessCode = clonePtr(s.AccessCode)
	out.FileUploadDir = clonePtr(s.FileUploadDir)
	out.AutoFileClean = clonePtr(s.AutoFileClean)
	out.CertPEM = clonePtr(s.CertPEM)
	out.SigningKeyPEM = clonePtr(s.SigningKeyPEM)
	return out
}

// sealSettings returns a copy with sensitive fields replaced by codec
// tokens, ready for serialization. Encryption failure aborts the save: a
// document with plaintext secrets must never reach disk.
func sealSettings(s Settings, codec *secret.Codec) (Settings, error) {
	out := cloneSettings(s)
	for _, field := range []struct {
		name string
		ptr  **string
	}{
		{"access_code", &out.AccessCode},
		{"cert_pem", &out.CertPEM},
		{"signing_key_pem", &out.SigningKeyPEM},
	} {
		if *field.ptr == nil {
			continue
		}
		token, err := codec.EncryptString(**field.ptr)
		if err != nil {
			return Settings{}, fmt.Errorf("seal %s: %w", field.name, err)
		}
		*field.ptr = strPtr(token)
	}
	return out, nil
}

// openSettings reverses sealSettings. Decryption failure degrades the field
// to unset so a corrupted secret never blocks loading the rest of the
// document.
func openSettings(s Settings, codec *secret.Codec) Settings {
	out := cloneSettings(s)
	for _, ptr := range []**string{&out.AccessCode, &out.CertPEM, &out.SigningKeyPEM} {
		if *ptr == nil {
			continue
		}
		plain := codec.DecryptOrEmpty(**ptr)
		if plain == "" {
			*ptr = nil
			continue
		}
		*ptr = strPtr(plain)
	}
	return out
}

// LoadSettings reads the document at path, decrypting sensitive fields. A
// missing file yields the template; a malformed file is an error.
func LoadSettings(path string, codec *secret.Codec) (Settings, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Template(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings %s: %w", path, err)
	}
	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return openSettings(s, codec), nil
}

// SaveSettings writes the document atomically (temp file + rename) with
// sensitive fields sealed through the codec.
func SaveSettings(path string, s Settings, codec *secret.Codec) error {
	sealed, err := sealSettings(s, codec)
	if err != nil {
		return err
	}
	body, err := yaml.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".synclan-settings-*")
	if err != nil {
		return fmt.Errorf("stage settings: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(settingsHeader); err != nil {
		tmp.Close()
		return fmt.Errorf("write settings header: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close staged settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace settings %s: %w", path, err)
	}
	return nil
}

func systemLocale() string {
	for _, env := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		val := os.Getenv(env)
		if val == "" {
			continue
		}
		code := val
		if cut, _, ok := strings.Cut(val, "_"); ok {
			code = cut
		} else if cut, _, ok := strings.Cut(val, "-"); ok {
			code = cut
		}
		if cut, _, ok := strings.Cut(code, "."); ok {
			code = cut
		}
		code = strings.TrimSpace(strings.ToLower(code))
		if code != "" && code != "c" && code != "posix" {
			return code
		}
	}
	return "en"
}

func strPtr(v string) *string { return &v }
func boolPtr(v bool) *bool    { return &v }
func intPtr(v int) *int       { return &v }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
