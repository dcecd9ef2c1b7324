package tree

import (
	"crypto/cipher"
	"crypto/hmac"
	"fmt"
	"io"

	"github.com/minio/sha256-simd"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// What a sealed payload holds. Mixed in to key derivation and the AEAD
// additional data, so a payload of one kind never opens as another.
type payloadKind byte

const (
	kindLeafIndex payloadKind = iota + 1
	kindLeafValues
	kindBranchIndex
)

// Encrypts and authenticates one kind of payload.
//
// The AEAD nonce is synthetic (an HMAC of the plaintext), which makes sealing
// deterministic: the same plaintext under the same Secrets and Nonce always
// produces the same bytes, and thus the same Link.
type sealer struct {
	aead   cipher.AEAD
	macKey []byte
	ad     []byte
}

func newSealer(secret []byte, nonce Nonce, kind payloadKind, purpose string) (*sealer, error) {
	kdf := hkdf.New(sha256.New, secret, nonce[:], []byte("streamtree/"+purpose))
	var material [chacha20poly1305.KeySize + 32]byte
	if _, err := io.ReadFull(kdf, material[:]); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", purpose, err)
	}
	aead, err := chacha20poly1305.NewX(material[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, err
	}
	ad := make([]byte, 0, len(nonce)+1)
	ad = append(ad, nonce[:]...)
	ad = append(ad, byte(kind))
	return &sealer{
		aead:   aead,
		macKey: material[chacha20poly1305.KeySize:],
		ad:     ad,
	}, nil
}

func (s *sealer) seal(plaintext []byte) []byte {
	mac := hmac.New(sha256.New, s.macKey)
	mac.Write(plaintext)
	iv := mac.Sum(nil)[:chacha20poly1305.NonceSizeX]

	out := make([]byte, len(iv), len(iv)+len(plaintext)+s.aead.Overhead())
	copy(out, iv)
	return s.aead.Seal(out, iv, plaintext, s.ad)
}

func (s *sealer) open(sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX+s.aead.Overhead() {
		return nil, fmt.Errorf("sealed payload too short (%d bytes)", len(sealed))
	}
	iv, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := s.aead.Open(nil, iv, ct, s.ad)
	if err != nil {
		return nil, fmt.Errorf("decrypting payload: %w", err)
	}
	return plain, nil
}

// All the sealers needed for one (Secrets, Nonce) pair.
type keyring struct {
	leafIndex   *sealer
	leafValues  *sealer
	branchIndex *sealer

	// identifies the IndexKey and Nonce without revealing them; used to
	// partition the branch cache
	fingerprint [32]byte
}

func newKeyring(secrets Secrets, nonce Nonce) (*keyring, error) {
	var kr keyring
	var err error
	if kr.leafIndex, err = newSealer(secrets.IndexKey[:], nonce, kindLeafIndex, "leaf-index"); err != nil {
		return nil, err
	}
	if kr.leafValues, err = newSealer(secrets.ValueKey[:], nonce, kindLeafValues, "leaf-values"); err != nil {
		return nil, err
	}
	if kr.branchIndex, err = newSealer(secrets.IndexKey[:], nonce, kindBranchIndex, "branch-index"); err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, secrets.IndexKey[:])
	mac.Write([]byte("streamtree/cache"))
	mac.Write(nonce[:])
	copy(kr.fingerprint[:], mac.Sum(nil))
	return &kr, nil
}

// Memoizes key derivation, which is otherwise done on every node access.
type keyrings struct {
	nonce Nonce
	rings *xsync.MapOf[Secrets, *keyring]
}

func newKeyrings(nonce Nonce) *keyrings {
	return &keyrings{
		nonce: nonce,
		rings: xsync.NewMapOf[Secrets, *keyring](),
	}
}

func (k *keyrings) get(secrets Secrets) (*keyring, error) {
	if kr, ok := k.rings.Load(secrets); ok {
		return kr, nil
	}
	kr, err := newKeyring(secrets, k.nonce)
	if err != nil {
		return nil, err
	}
	actual, _ := k.rings.LoadOrStore(secrets, kr)
	return actual, nil
}
