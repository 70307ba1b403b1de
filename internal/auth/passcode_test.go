package auth

import (
	"encoding/json"
	"testing"
)

func TestHashVerifyRoundTrip(t *testing.T) {
	h, err := HashPasscode("135790")
	if err != nil {
		t.Fatal(err)
	}
	if !h.Verify("135790") {
		t.Error("Verify(same passcode) = false, want true")
	}
	if h.Verify("135791") {
		t.Error("Verify(other passcode) = true, want false")
	}
}

func TestHashSaltsDiffer(t *testing.T) {
	h1, err := HashPasscode("123456")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashPasscode("123456")
	if err != nil {
		t.Fatal(err)
	}
	if h1.Salt == h2.Salt {
		t.Error("two hashes of the same passcode share a salt")
	}
	if h1.Pwd == h2.Pwd {
		t.Error("two hashes of the same passcode share a digest")
	}
}

func TestVerifyPasscodeStoredJSON(t *testing.T) {
	h, err := HashPasscode("654321")
	if err != nil {
		t.Fatal(err)
	}
	stored, err := json.Marshal(h)
	if err != nil {
		t.Fatal(err)
	}

	if !VerifyPasscode("654321", stored) {
		t.Error("VerifyPasscode(correct) = false")
	}
	if VerifyPasscode("000000", stored) {
		t.Error("VerifyPasscode(wrong) = true")
	}
}

// Malformed stored data is a verification failure, never a panic or an
// accidental match.
func TestVerifyPasscodeFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		stored []byte
	}{
		{"not json", []byte("garbage")},
		{"empty", nil},
		{"empty object", []byte("{}")},
		{"missing salt", []byte(`{"pwd":"abc"}`)},
		{"missing digest", []byte(`{"salt":"abc"}`)},
		{"wrong types", []byte(`{"pwd":1,"salt":2}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if VerifyPasscode("123456", tt.stored) {
				t.Error("VerifyPasscode = true for malformed stored data")
			}
		})
	}
}
