package synclan

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"pkt.systems/pslog"

	"github.com/1111mp/synclan/internal/secret"
	"github.com/1111mp/synclan/tlsutil"
)

// CertificateCommonName is the subject of the generated server identity.
const CertificateCommonName = "SyncLan Local Server"

// ExportedCertName is the file name ExportCertificate writes.
const ExportedCertName = "synclan.crt"

// certManager owns the self-signed TLS identity stored in settings. A valid
// stored pair is reused; otherwise a fresh identity is generated, proven
// usable, and only then committed and saved. A pair that cannot back a TLS
// config never reaches disk.
type certManager struct {
	settings     *Draft[Settings]
	codec        *secret.Codec
	settingsPath string
	logger       pslog.Logger
}

// TLSConfig returns a server TLS config for the current identity,
// generating and persisting one when none is stored or the stored pair is
// unusable.
func (m *certManager) TLSConfig(ips []net.IP, dnsNames []string) (*tls.Config, error) {
	st := m.settings.Latest()
	if st.CertPEM != nil && st.SigningKeyPEM != nil {
		cfg, err := tlsutil.ServerTLSConfig([]byte(*st.CertPEM), []byte(*st.SigningKeyPEM))
		if err == nil {
			return cfg, nil
		}
		m.logger.Warn("stored tls identity unusable, regenerating", "error", err)
	}
	identity, err := tlsutil.GenerateServerIdentity(tlsutil.IdentityRequest{
		CommonName: CertificateCommonName,
		IPs:        ips,
		DNSNames:   dnsNames,
	})
	if err != nil {
		return nil, fmt.Errorf("generate tls identity: %w", err)
	}
	cfg, err := tlsutil.ServerTLSConfig(identity.CertPEM, identity.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("validate tls identity: %w", err)
	}
	m.settings.Mutate(func(s *Settings) {
		s.CertPEM = strPtr(string(identity.CertPEM))
		s.SigningKeyPEM = strPtr(string(identity.KeyPEM))
	})
	if err := SaveSettings(m.settingsPath, m.settings.Latest(), m.codec); err != nil {
		m.settings.Discard()
		return nil, fmt.Errorf("persist tls identity: %w", err)
	}
	m.settings.Apply()
	m.logger.Info("generated self-signed tls identity", "common_name", CertificateCommonName, "sans", len(ips)+len(dnsNames))
	return cfg, nil
}

// exportCertificate writes the public certificate to dir so peers can trust
// it. The private key never leaves the settings document.
func (m *certManager) exportCertificate(dir string) (string, error) {
	st := m.settings.Committed()
	if st.CertPEM == nil {
		return "", ErrNoCertificate
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, ExportedCertName)
	if err := os.WriteFile(path, []byte(*st.CertPEM), 0o644); err != nil {
		return "", fmt.Errorf("write certificate: %w", err)
	}
	return path, nil
}

// localIPs lists loopback plus every global unicast address of the host, the
// set of addresses LAN peers may dial.
func localIPs() []net.IP {
	ips := []net.IP{net.IPv4(127, 0, 0, 1)}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP == nil {
			continue
		}
		if ipNet.IP.IsGlobalUnicast() {
			ips = append(ips, ipNet.IP)
		}
	}
	return ips
}
