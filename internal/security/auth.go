// =============================================================================
// API KEY AUTHENTICATION - ACCESS CONTROL FOR RPC ENDPOINTS
// =============================================================================
//
// The RPC listener can require a key on every /rpc call:
//
//   caller ──[Authorization: Bearer <key>]──► /rpc/publish ──► Keyring
//                                                               │
//              401 no key / unknown key  ◄──────────────────────┤
//              403 key not allowed here  ◄──────────────────────┤
//              200 ...                   ◄── processor ◄────────┘
//
// Keys come from config:
//
//	http:
//	  api-keys:
//	    - {name: loader, key: "...", endpoints: [publish]}
//	    - {name: ops,    key: "..."}                # every endpoint
//
// Only SHA-256 hashes are kept in memory after NewKeyring. Health and
// metrics routes are never behind the keyring.
//
// =============================================================================

package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNoAPIKey is returned when the request carries no key.
	ErrNoAPIKey = errors.New("no API key provided")

	// ErrInvalidAPIKey is returned when the key matches no entry.
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrPermissionDenied is returned when the key may not call the endpoint.
	ErrPermissionDenied = errors.New("permission denied")
)

// APIKeyConfig is one configured key.
type APIKeyConfig struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`

	// Endpoints limits the key to these RPC endpoints. Empty allows all.
	Endpoints []string `yaml:"endpoints,omitempty"`
}

type apiKey struct {
	name      string
	hash      [sha256.Size]byte
	endpoints map[string]bool
}

func (k *apiKey) allows(endpoint string) bool {
	return len(k.endpoints) == 0 || k.endpoints[endpoint]
}

// Keyring holds the hashed keys. A nil or empty Keyring lets every request
// through.
type Keyring struct {
	keys []*apiKey
}

// NewKeyring hashes the configured keys.
func NewKeyring(configs []APIKeyConfig) (*Keyring, error) {
	k := &Keyring{}
	names := make(map[string]bool, len(configs))
	for i, c := range configs {
		if c.Name == "" {
			return nil, fmt.Errorf("api-keys[%d]: name is required", i)
		}
		if names[c.Name] {
			return nil, fmt.Errorf("api-keys[%d]: duplicate name %q", i, c.Name)
		}
		names[c.Name] = true
		if len(c.Key) < 16 {
			return nil, fmt.Errorf("api-keys[%d] %s: key must be at least 16 characters", i, c.Name)
		}
		entry := &apiKey{name: c.Name, hash: sha256.Sum256([]byte(c.Key))}
		if len(c.Endpoints) > 0 {
			entry.endpoints = make(map[string]bool, len(c.Endpoints))
			for _, e := range c.Endpoints {
				entry.endpoints[e] = true
			}
		}
		k.keys = append(k.keys, entry)
	}
	return k, nil
}

// Enabled reports whether requests need a key.
func (k *Keyring) Enabled() bool {
	return k != nil && len(k.keys) > 0
}

// Authenticate checks the request's key against endpoint and returns the
// key's name.
func (k *Keyring) Authenticate(r *http.Request, endpoint string) (string, error) {
	return k.AuthenticateKey(extractAPIKey(r), endpoint)
}

// AuthenticateKey checks a raw key against endpoint. Transports that do not
// carry HTTP headers (gRPC metadata) extract the key themselves.
func (k *Keyring) AuthenticateKey(raw, endpoint string) (string, error) {
	if !k.Enabled() {
		return "", nil
	}
	if raw == "" {
		return "", ErrNoAPIKey
	}
	hash := sha256.Sum256([]byte(raw))

	var match *apiKey
	for _, key := range k.keys {
		// every entry is compared so the time does not depend on position
		if subtle.ConstantTimeCompare(hash[:], key.hash[:]) == 1 {
			match = key
		}
	}
	if match == nil {
		return "", ErrInvalidAPIKey
	}
	if !match.allows(endpoint) {
		return match.name, fmt.Errorf("%w: %s may not call %s", ErrPermissionDenied, match.name, endpoint)
	}
	return match.name, nil
}

// StatusFor maps an Authenticate error to an HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, ErrPermissionDenied) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// =============================================================================
// CONTEXT
// =============================================================================

type contextKey string

const keyNameContextKey contextKey = "api_key_name"

// WithKeyName records the authenticated key's name on ctx.
func WithKeyName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, keyNameContextKey, name)
}

// KeyNameFromContext returns the authenticated key's name, or "".
func KeyNameFromContext(ctx context.Context) string {
	name, _ := ctx.Value(keyNameContextKey).(string)
	return name
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// GenerateKey returns a random key suitable for api-keys.
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "mb_" + hex.EncodeToString(b), nil
}

// extractAPIKey reads Authorization: Bearer first, then X-API-Key.
func extractAPIKey(r *http.Request) string {
	return KeyFromValues(r.Header.Get("Authorization"), r.Header.Get("X-API-Key"))
}

// KeyFromValues picks the key from an authorization value ("Bearer <key>")
// or, failing that, an x-api-key value.
func KeyFromValues(authorization, apiKey string) string {
	if strings.HasPrefix(authorization, "Bearer ") {
		return strings.TrimPrefix(authorization, "Bearer ")
	}
	return apiKey
}
