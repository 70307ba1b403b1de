package auth

import (
	"errors"
	"testing"

	"github.com/duochat/duochat/internal/store"
)

// fakeKeyring is an in-memory Keyring for tests.
type fakeKeyring struct {
	items map[string][]byte
}

func newFakeKeyring() *fakeKeyring {
	return &fakeKeyring{items: make(map[string][]byte)}
}

func (k *fakeKeyring) Get(key string) ([]byte, error) {
	v, ok := k.items[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (k *fakeKeyring) Set(key string, value []byte) error {
	k.items[key] = value
	return nil
}

func (k *fakeKeyring) Delete(key string) error {
	delete(k.items, key)
	return nil
}

func TestBundleSaveLoadRoundTrip(t *testing.T) {
	kr := newFakeKeyring()
	b := testBundle(t, "135790", "246801")

	if err := SaveBundle(kr, b); err != nil {
		t.Fatalf("SaveBundle() error = %v", err)
	}

	loaded, err := LoadBundle(kr)
	if err != nil {
		t.Fatalf("LoadBundle() error = %v", err)
	}
	if loaded.PublicKey != b.PublicKey || loaded.PrivateKey != b.PrivateKey {
		t.Error("loaded keys differ from saved keys")
	}

	// The loaded bundle still resolves logins correctly.
	if out := ResolveLogin(loaded, "135790"); out.Tier != TierFull {
		t.Errorf("tier after reload = %s, want %s", out.Tier, TierFull)
	}
}

func TestLoadBundleMissingSlots(t *testing.T) {
	// Empty keyring: not set up.
	if _, err := LoadBundle(newFakeKeyring()); !errors.Is(err, ErrIncompleteBundle) {
		t.Errorf("LoadBundle(empty) error = %v, want ErrIncompleteBundle", err)
	}

	// Any single missing slot is treated identically.
	for _, missing := range []string{KeyPublicKey, KeyPrivateKey, KeySecurePasscode, KeyPseudoPasscode} {
		kr := newFakeKeyring()
		b := testBundle(t, "135790", "246801")
		if err := SaveBundle(kr, b); err != nil {
			t.Fatal(err)
		}
		if err := kr.Delete(missing); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadBundle(kr); !errors.Is(err, ErrIncompleteBundle) {
			t.Errorf("LoadBundle(missing %s) error = %v, want ErrIncompleteBundle", missing, err)
		}
	}
}

func TestDeleteBundle(t *testing.T) {
	kr := newFakeKeyring()
	if err := SaveBundle(kr, testBundle(t, "135790", "246801")); err != nil {
		t.Fatal(err)
	}
	if err := DeleteBundle(kr); err != nil {
		t.Fatalf("DeleteBundle() error = %v", err)
	}
	if _, err := LoadBundle(kr); !errors.Is(err, ErrIncompleteBundle) {
		t.Errorf("LoadBundle after delete error = %v, want ErrIncompleteBundle", err)
	}
}
