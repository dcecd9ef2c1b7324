package tree

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Symmetric key material for a tree. Index data (leaf keys, branch summaries)
// is encrypted with IndexKey, leaf values with ValueKey; handing out only the
// IndexKey allows traversal and querying without revealing values.
type Secrets struct {
	IndexKey [32]byte
	ValueKey [32]byte
}

// All-zero secrets. INSECURE: only suitable for examples, tests, and data that
// is public anyway.
func DefaultSecrets() Secrets {
	return Secrets{}
}

func NewSecrets(indexKey, valueKey [32]byte) Secrets {
	return Secrets{IndexKey: indexKey, ValueKey: valueKey}
}

func RandomSecrets() (Secrets, error) {
	var s Secrets
	if _, err := rand.Read(s.IndexKey[:]); err != nil {
		return Secrets{}, err
	}
	if _, err := rand.Read(s.ValueKey[:]); err != nil {
		return Secrets{}, err
	}
	return s, nil
}

// Parses secrets from hex strings, eg as passed on a command line. Empty
// strings leave the corresponding key zero.
func ParseSecrets(indexHex, valueHex string) (Secrets, error) {
	var s Secrets
	if err := parseKey(s.IndexKey[:], indexHex); err != nil {
		return Secrets{}, fmt.Errorf("index key: %w", err)
	}
	if err := parseKey(s.ValueKey[:], valueHex); err != nil {
		return Secrets{}, fmt.Errorf("value key: %w", err)
	}
	return s, nil
}

func parseKey(dst []byte, s string) error {
	if s == "" {
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

// Secrets are never printed.
func (s Secrets) String() string {
	return "Secrets{...}"
}

func (s Secrets) GoString() string {
	return s.String()
}
