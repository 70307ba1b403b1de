package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PasscodeHash is the stored form of a passcode: a hex SHA-256 digest
// of passcode++salt plus the salt itself. The JSON field names are the
// storage wire format and must not change.
type PasscodeHash struct {
	Pwd  string `json:"pwd"`
	Salt string `json:"salt"`
}

// HashPasscode hashes a passcode with a fresh random salt. The salt
// comes from crypto/rand; each call produces a different digest for
// the same passcode.
func HashPasscode(passcode string) (PasscodeHash, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return PasscodeHash{}, fmt.Errorf("generate salt: %w", err)
	}
	salt := hex.EncodeToString(raw)
	return PasscodeHash{
		Pwd:  digest(passcode, salt),
		Salt: salt,
	}, nil
}

// VerifyPasscode checks an attempt against a stored JSON-encoded
// PasscodeHash. It fails closed: malformed or empty stored data is a
// verification failure, never an error.
func VerifyPasscode(attempt string, stored []byte) bool {
	var h PasscodeHash
	if err := json.Unmarshal(stored, &h); err != nil {
		return false
	}
	return h.Verify(attempt)
}

// Verify checks an attempt against the hash. Empty digests never match.
func (h PasscodeHash) Verify(attempt string) bool {
	if h.Pwd == "" || h.Salt == "" {
		return false
	}
	got := digest(attempt, h.Salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.Pwd)) == 1
}

func digest(passcode, salt string) string {
	sum := sha256.Sum256([]byte(passcode + salt))
	return hex.EncodeToString(sum[:])
}
