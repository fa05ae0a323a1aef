// Package vault defines the secret lookup-by-name boundary.
//
// The storage mechanics of the vault are someone else's problem; the signer
// and the poll manager only ever resolve a name to key bytes through the
// Resolver interface.
package vault

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// A Resolver turns a secret name into key bytes.
type Resolver interface {
	// Resolve returns the secret bytes stored under name, or an error if the
	// name is unknown.
	Resolve(name string) ([]byte, error)
}

// Static is an in-memory Resolver, mostly useful in tests.
type Static struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

func NewStatic() *Static {
	return &Static{secrets: make(map[string][]byte)}
}

// Add stores a secret under the given name.
func (s *Static) Add(name string, secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = secret
}

func (s *Static) Resolve(name string) ([]byte, error) {
	s.mu.RLock()
	secret, ok := s.secrets[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vault: no secret named %q", name)
	}
	return secret, nil
}

// Env resolves secrets from environment variables. The name "foo-key" is
// looked up as VAULT_SECRET_FOO_KEY.
type Env struct{}

func (Env) Resolve(name string) ([]byte, error) {
	varName := "VAULT_SECRET_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	val := os.Getenv(varName)
	if val == "" {
		return nil, fmt.Errorf("vault: no secret named %q (checked %s)", name, varName)
	}
	return []byte(val), nil
}
