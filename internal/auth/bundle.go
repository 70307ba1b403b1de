package auth

import (
	"errors"
	"fmt"

	"github.com/duochat/duochat/internal/store"
)

// Storage keys for the four credential slots.
const (
	KeyPublicKey      = "userPublicKey"
	KeyPrivateKey     = "userPrivateKey"
	KeySecurePasscode = "userSecurePasscode"
	KeyPseudoPasscode = "userPseudoPasscode"
)

// ErrIncompleteBundle is returned when one or more credential slots
// are missing. Callers treat this the same as no account: route to
// first-run setup, never to login.
var ErrIncompleteBundle = errors.New("incomplete credential bundle")

// Keyring is the persistent key-value capability the bundle is stored
// in. Satisfied by *store.DB.
type Keyring interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// LoadBundle reads the credential bundle from the keyring. A missing
// slot yields ErrIncompleteBundle regardless of which slot it is; a
// partially written bundle must never reach login.
func LoadBundle(kr Keyring) (*Bundle, error) {
	slots := make(map[string][]byte, 4)
	for _, key := range []string{KeyPublicKey, KeyPrivateKey, KeySecurePasscode, KeyPseudoPasscode} {
		value, err := kr.Get(key)
		if errors.Is(err, store.ErrNotFound) || (err == nil && len(value) == 0) {
			return nil, ErrIncompleteBundle
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		slots[key] = value
	}
	return &Bundle{
		PublicKey:      string(slots[KeyPublicKey]),
		PrivateKey:     string(slots[KeyPrivateKey]),
		SecurePasscode: slots[KeySecurePasscode],
		PseudoPasscode: slots[KeyPseudoPasscode],
	}, nil
}

// SaveBundle writes all four credential slots.
func SaveBundle(kr Keyring, b *Bundle) error {
	writes := []struct {
		key   string
		value []byte
	}{
		{KeyPublicKey, []byte(b.PublicKey)},
		{KeyPrivateKey, []byte(b.PrivateKey)},
		{KeySecurePasscode, b.SecurePasscode},
		{KeyPseudoPasscode, b.PseudoPasscode},
	}
	for _, w := range writes {
		if err := kr.Set(w.key, w.value); err != nil {
			return fmt.Errorf("write %s: %w", w.key, err)
		}
	}
	return nil
}

// DeleteBundle removes all four credential slots (account reset, or
// rollback after a failed registration).
func DeleteBundle(kr Keyring) error {
	for _, key := range []string{KeyPublicKey, KeyPrivateKey, KeySecurePasscode, KeyPseudoPasscode} {
		if err := kr.Delete(key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}
