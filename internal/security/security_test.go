package security

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TLS
// =============================================================================

func TestTLSConfig_Disabled(t *testing.T) {
	var c TLSConfig
	srv, err := c.ServerConfig()
	require.NoError(t, err)
	assert.Nil(t, srv)
	cli, err := c.ClientConfig()
	require.NoError(t, err)
	assert.Nil(t, cli)
	assert.NoError(t, c.Validate())
}

func TestTLSConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TLSConfig
		wantErr string
	}{
		{"cert without key", TLSConfig{Enabled: true, CertFile: "c.pem"}, "set together"},
		{"bad client auth", TLSConfig{Enabled: true, ClientAuth: "sometimes"}, "client-auth"},
		{"bad version", TLSConfig{Enabled: true, MinVersion: "1.0"}, "min-version"},
		{"client only", TLSConfig{Enabled: true, CAFile: "ca.pem"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTLSConfig_ServerNeedsCertificate(t *testing.T) {
	_, err := TLSConfig{Enabled: true}.ServerConfig()
	assert.Error(t, err)
}

func TestTLSConfig_MinVersionFloor(t *testing.T) {
	cfg, err := TLSConfig{Enabled: true, InsecureSkipVerify: true}.ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	cfg, err = TLSConfig{Enabled: true, MinVersion: "1.3"}.ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
}

func TestTLSConfig_HandshakeWithSelfSigned(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, err := WriteSelfSigned(dir, time.Hour)
	require.NoError(t, err)

	serverTLS, err := TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile}.ServerConfig()
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	ts.TLS = serverTLS
	ts.StartTLS()
	defer ts.Close()

	clientTLS, err := TLSConfig{Enabled: true, CAFile: certFile}.ClientConfig()
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}}

	resp, err := client.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))

	// without the CA the certificate is untrusted
	untrusted := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}}}
	_, err = untrusted.Get(ts.URL)
	assert.Error(t, err)
}

func TestTLSConfig_MutualTLS(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile, err := WriteSelfSigned(dir, time.Hour)
	require.NoError(t, err)

	serverTLS, err := TLSConfig{
		Enabled:    true,
		CertFile:   certFile,
		KeyFile:    keyFile,
		CAFile:     certFile,
		ClientAuth: ClientAuthRequireVerify,
	}.ServerConfig()
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, serverTLS.ClientAuth)

	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	ts.TLS = serverTLS
	ts.StartTLS()
	defer ts.Close()

	noCert, err := TLSConfig{Enabled: true, CAFile: certFile}.ClientConfig()
	require.NoError(t, err)
	_, err = (&http.Client{Transport: &http.Transport{TLSClientConfig: noCert}}).Get(ts.URL)
	assert.Error(t, err)

	withCert, err := TLSConfig{Enabled: true, CAFile: certFile, CertFile: certFile, KeyFile: keyFile}.ClientConfig()
	require.NoError(t, err)
	resp, err := (&http.Client{Transport: &http.Transport{TLSClientConfig: withCert}}).Get(ts.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// =============================================================================
// API KEYS
// =============================================================================

func request(header, value string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/rpc/publish", strings.NewReader(""))
	if header != "" {
		r.Header.Set(header, value)
	}
	return r
}

func TestKeyring_Authenticate(t *testing.T) {
	k, err := NewKeyring([]APIKeyConfig{
		{Name: "ops", Key: "ops-key-0123456789"},
		{Name: "reader", Key: "reader-key-0123456789", Endpoints: []string{"topics"}},
	})
	require.NoError(t, err)
	require.True(t, k.Enabled())

	name, err := k.Authenticate(request("Authorization", "Bearer ops-key-0123456789"), "publish")
	require.NoError(t, err)
	assert.Equal(t, "ops", name)

	name, err = k.Authenticate(request("X-API-Key", "reader-key-0123456789"), "topics")
	require.NoError(t, err)
	assert.Equal(t, "reader", name)

	_, err = k.Authenticate(request("X-API-Key", "reader-key-0123456789"), "publish")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, http.StatusForbidden, StatusFor(err))

	_, err = k.Authenticate(request("", ""), "publish")
	assert.ErrorIs(t, err, ErrNoAPIKey)
	assert.Equal(t, http.StatusUnauthorized, StatusFor(err))

	_, err = k.Authenticate(request("X-API-Key", "nope-nope-nope-nope"), "publish")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestKeyFromValues(t *testing.T) {
	assert.Equal(t, "abc", KeyFromValues("Bearer abc", "xyz"))
	assert.Equal(t, "xyz", KeyFromValues("Basic abc", "xyz"))
	assert.Equal(t, "", KeyFromValues("", ""))

	k, err := NewKeyring([]APIKeyConfig{{Name: "ops", Key: "ops-key-0123456789"}})
	require.NoError(t, err)
	name, err := k.AuthenticateKey("ops-key-0123456789", "publish")
	require.NoError(t, err)
	assert.Equal(t, "ops", name)
	_, err = k.AuthenticateKey("", "publish")
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestKeyring_EmptyAllowsAll(t *testing.T) {
	var nilRing *Keyring
	assert.False(t, nilRing.Enabled())
	_, err := nilRing.Authenticate(request("", ""), "publish")
	assert.NoError(t, err)

	empty, err := NewKeyring(nil)
	require.NoError(t, err)
	assert.False(t, empty.Enabled())
}

func TestNewKeyring_Rejects(t *testing.T) {
	_, err := NewKeyring([]APIKeyConfig{{Key: "0123456789abcdef"}})
	assert.Error(t, err)
	_, err = NewKeyring([]APIKeyConfig{{Name: "a", Key: "short"}})
	assert.Error(t, err)
	_, err = NewKeyring([]APIKeyConfig{
		{Name: "a", Key: "0123456789abcdef"},
		{Name: "a", Key: "fedcba9876543210"},
	})
	assert.Error(t, err)
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "mb_"))

	k, err := NewKeyring([]APIKeyConfig{{Name: "gen", Key: a}})
	require.NoError(t, err)
	_, err = k.Authenticate(request("X-API-Key", a), "anything")
	assert.NoError(t, err)
}
