// Package secrets holds connection credentials so they can be masked
// before they reach logs or error messages.
package secrets

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Loader retrieves secrets from a source such as connection strings.
type Loader func() (map[string]string, error)

// minSecretLen is the shortest value RedactString will mask. Shorter values
// would match ordinary text.
const minSecretLen = 4

// Vault keeps secret values in memory.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling loader once to populate it.
func NewVault(loader Loader) (*Vault, error) {
	v := &Vault{loader: loader}
	if err := v.Reload(); err != nil {
		return nil, err
	}
	return v, nil
}

// Get returns the secret for key, or "".
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Reload calls the loader again. On error the previous values stay in place.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}
	v.mu.Lock()
	v.values = vals
	v.mu.Unlock()
	return nil
}

// Mask returns s reduced to its first two characters plus "****", or just
// "****" when s is too short to reveal anything.
func Mask(s string) string {
	if len(s) <= minSecretLen {
		return "****"
	}
	return s[:2] + "****"
}

// RedactString masks every occurrence of a loaded secret in s.
func (v *Vault) RedactString(s string) string {
	v.mu.RLock()
	vals := make([]string, 0, len(v.values))
	for _, val := range v.values {
		if len(val) >= minSecretLen {
			vals = append(vals, val)
		}
	}
	v.mu.RUnlock()

	// Longest first so a secret containing another is masked whole.
	slices.SortFunc(vals, func(a, b string) int { return cmp.Compare(len(b), len(a)) })
	for _, val := range vals {
		s = strings.ReplaceAll(s, val, Mask(val))
	}
	return s
}
