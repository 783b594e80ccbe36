// =============================================================================
// TLS CONFIGURATION - TRANSPORT SECURITY FOR THE BUS
// =============================================================================
//
// Two connections can be encrypted:
//
//   ┌──────────────┐   https (http.tls)    ┌──────────────┐
//   │ RPC callers  │ ────────────────────► │ busctl serve │
//   └──────────────┘                       └──────┬───────┘
//                                                 │ kafka protocol
//                                                 │ (backend.tls)
//                                                 ▼
//                                          ┌──────────────┐
//                                          │ Kafka broker │
//                                          └──────────────┘
//
// Both use the same YAML block:
//
//	tls:
//	  enabled: true
//	  cert-file: /etc/bus/tls.crt
//	  key-file: /etc/bus/tls.key
//	  ca-file: /etc/bus/ca.crt        # server: verify clients, client: trust broker
//	  client-auth: require-verify     # server only
//	  min-version: "1.3"
//
// TLS 1.2 is the floor whatever min-version says.
//
// =============================================================================

package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Client auth modes accepted in TLSConfig.ClientAuth.
const (
	ClientAuthNone          = "none"
	ClientAuthRequest       = "request"
	ClientAuthRequire       = "require"
	ClientAuthVerify        = "verify"
	ClientAuthRequireVerify = "require-verify"
)

// TLSConfig describes one TLS endpoint, server or client side.
type TLSConfig struct {
	Enabled bool `yaml:"enabled"`

	// CertFile and KeyFile are the PEM certificate and key. A server
	// requires them; a client sends them for mutual TLS.
	CertFile string `yaml:"cert-file,omitempty"`
	KeyFile  string `yaml:"key-file,omitempty"`

	// CAFile verifies the peer. Empty uses the system roots on the client
	// and no client verification on the server.
	CAFile string `yaml:"ca-file,omitempty"`

	// ClientAuth is the server's client certificate policy.
	ClientAuth string `yaml:"client-auth,omitempty"`

	// MinVersion is "1.2" or "1.3".
	MinVersion string `yaml:"min-version,omitempty"`

	// InsecureSkipVerify disables verification of the server (tests only).
	InsecureSkipVerify bool `yaml:"insecure-skip-verify,omitempty"`

	// ServerName overrides SNI and the verified host name.
	ServerName string `yaml:"server-name,omitempty"`
}

// Validate checks the fields that do not need the files to exist.
func (c TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("cert-file and key-file must be set together")
	}
	if _, err := clientAuthType(c.ClientAuth); err != nil {
		return err
	}
	if _, err := minVersion(c.MinVersion); err != nil {
		return err
	}
	return nil
}

// ServerConfig builds a listener tls.Config. It returns nil when TLS is
// disabled.
func (c TLSConfig) ServerConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, errors.New("tls: server needs cert-file and key-file")
	}
	base, err := c.base()
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load certificate: %w", err)
	}
	base.Certificates = []tls.Certificate{cert}

	if base.ClientAuth, err = clientAuthType(c.ClientAuth); err != nil {
		return nil, err
	}
	if c.CAFile != "" {
		pool, err := loadPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		base.ClientCAs = pool
	}
	return base, nil
}

// ClientConfig builds a dialer tls.Config. It returns nil when TLS is
// disabled.
func (c TLSConfig) ClientConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	base, err := c.base()
	if err != nil {
		return nil, err
	}
	if c.CertFile != "" && c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: load client certificate: %w", err)
		}
		base.Certificates = []tls.Certificate{cert}
	}
	if c.CAFile != "" {
		pool, err := loadPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		base.RootCAs = pool
	}
	base.InsecureSkipVerify = c.InsecureSkipVerify //nolint:gosec // opt-in for tests
	base.ServerName = c.ServerName
	return base, nil
}

func (c TLSConfig) base() (*tls.Config, error) {
	v, err := minVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	return &tls.Config{MinVersion: v}, nil
}

func minVersion(s string) (uint16, error) {
	switch s {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("tls: min-version must be 1.2 or 1.3, got %q", s)
	}
}

func clientAuthType(s string) (tls.ClientAuthType, error) {
	switch s {
	case "", ClientAuthNone:
		return tls.NoClientCert, nil
	case ClientAuthRequest:
		return tls.RequestClientCert, nil
	case ClientAuthRequire:
		return tls.RequireAnyClientCert, nil
	case ClientAuthVerify:
		return tls.VerifyClientCertIfGiven, nil
	case ClientAuthRequireVerify:
		return tls.RequireAndVerifyClientCert, nil
	default:
		return 0, fmt.Errorf("tls: unknown client-auth %q", s)
	}
}

func loadPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tls: read CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("tls: no certificates in %s", path)
	}
	return pool, nil
}

// =============================================================================
// SELF-SIGNED CERTIFICATES
// =============================================================================

// WriteSelfSigned writes a self-signed ECDSA certificate for localhost to
// dir as cert.pem and key.pem. The certificate is its own CA, so cert.pem
// also works as ca-file. For development and tests only.
func WriteSelfSigned(dir string, validFor time.Duration) (certFile, keyFile string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"messagebus development"}, CommonName: "localhost"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return "", "", fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshal key: %w", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return "", "", err
	}
	return certFile, keyFile, nil
}
