package auth

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Tier is the privilege level a login attempt resolves to.
type Tier string

const (
	// TierLocked means neither passcode matched; no access.
	TierLocked Tier = "LOCKED"
	// TierFull means the secure passcode matched; the signing key is
	// available.
	TierFull Tier = "FULL"
	// TierRestricted means the pseudo passcode matched; the session
	// runs without any key material so it can never sign requests.
	TierRestricted Tier = "RESTRICTED"
)

// ErrWeakCredential is returned when the passcode pair fails format
// checks or the two passcodes coincide.
var ErrWeakCredential = errors.New("weak credential")

// passcodeLen is the required passcode length (digits only).
const passcodeLen = 6

// Bundle is the persisted per-device credential set: an RSA keypair
// and two independently salted passcode hashes. Created once during
// setup, never mutated, destroyed on account reset. Both passcode
// hashes exist together or the bundle is incomplete.
type Bundle struct {
	PublicKey      string
	PrivateKey     string
	SecurePasscode []byte // JSON-encoded PasscodeHash
	PseudoPasscode []byte // JSON-encoded PasscodeHash
}

// LoginOutcome is the transient result of one authentication attempt.
// Key material is present only for TierFull; TierRestricted withholds
// both keys even though the bundle has them.
type LoginOutcome struct {
	Tier       Tier
	PrivateKey string
	PublicKey  string
}

// CreateBundle generates a fresh credential bundle from the two
// passcodes. Both must be exactly six digits and distinct from each
// other; otherwise ErrWeakCredential is returned.
func CreateBundle(securePasscode, pseudoPasscode string) (*Bundle, error) {
	if err := validatePasscode(securePasscode); err != nil {
		return nil, err
	}
	if err := validatePasscode(pseudoPasscode); err != nil {
		return nil, err
	}
	if securePasscode == pseudoPasscode {
		return nil, fmt.Errorf("%w: secure and pseudo passcodes must differ", ErrWeakCredential)
	}

	publicKey, privateKey, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}

	secureHash, err := HashPasscode(securePasscode)
	if err != nil {
		return nil, err
	}
	pseudoHash, err := HashPasscode(pseudoPasscode)
	if err != nil {
		return nil, err
	}

	secureJSON, err := json.Marshal(secureHash)
	if err != nil {
		return nil, err
	}
	pseudoJSON, err := json.Marshal(pseudoHash)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		PublicKey:      publicKey,
		PrivateKey:     privateKey,
		SecurePasscode: secureJSON,
		PseudoPasscode: pseudoJSON,
	}, nil
}

// ResolveLogin resolves a passcode attempt against a bundle. It is
// total: any bundle and any attempt yield exactly one outcome, never
// an error. The secure check runs before the pseudo check, so an
// attempt matching both (only possible if setup was bypassed) resolves
// to the higher tier.
func ResolveLogin(b *Bundle, attempt string) LoginOutcome {
	if b == nil {
		return LoginOutcome{Tier: TierLocked}
	}
	if VerifyPasscode(attempt, b.SecurePasscode) {
		return LoginOutcome{
			Tier:       TierFull,
			PrivateKey: b.PrivateKey,
			PublicKey:  b.PublicKey,
		}
	}
	if VerifyPasscode(attempt, b.PseudoPasscode) {
		return LoginOutcome{Tier: TierRestricted}
	}
	return LoginOutcome{Tier: TierLocked}
}

func validatePasscode(passcode string) error {
	if len(passcode) != passcodeLen {
		return fmt.Errorf("%w: passcode must be %d digits", ErrWeakCredential, passcodeLen)
	}
	for _, r := range passcode {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: passcode must contain only digits", ErrWeakCredential)
		}
	}
	return nil
}
