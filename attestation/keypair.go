package attestation

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
)

// LoadKeypair reads an ed25519 keypair from a JSON byte-array file (the
// conventional id.json layout: 32 seed bytes followed by 32 public key bytes)
func LoadKeypair(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keypair at %s; %s", path, err.Error())
	}

	var values []int
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("failed to parse keypair at %s; %s", path, err.Error())
	}
	if len(values) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid keypair at %s; expected %d bytes, resolved %d", path, ed25519.PrivateKeySize, len(values))
	}

	keyBytes := make([]byte, ed25519.PrivateKeySize)
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("invalid keypair at %s; byte %d out of range", path, i)
		}
		keyBytes[i] = byte(v)
	}

	return ed25519.PrivateKey(keyBytes), nil
}
