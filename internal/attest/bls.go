package attest

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed BLS public key in bytes.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature in bytes.
	SignatureSize = 96

	// SeedSize is the size of the key seed stored on disk.
	SeedSize = 32
)

// ErrBadSignature is returned when a signature does not verify.
var ErrBadSignature = errors.New("bad signature")

// dst is the domain separation tag for checkpoint signatures.
var dst = []byte("FLEETGUARD_CKPT_BLS12381G2_XMD:SHA-256_SSWU_RO_")

// KeyPair holds a BLS private/public key pair used to attest checkpoints.
type KeyPair struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// Generate creates a new key pair from a random seed.
func Generate() (*KeyPair, []byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	kp, err := FromSeed(seed)
	if err != nil {
		return nil, nil, err
	}

	return kp, seed, nil
}

// FromSeed derives a key pair deterministically from a seed of at least 32 bytes.
// The seed is domain-separated with BLAKE3 so the same seed used elsewhere
// never yields the same BLS key.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < SeedSize {
		return nil, fmt.Errorf("seed must be at least %d bytes, got %d", SeedSize, len(seed))
	}

	h := blake3.New()
	h.Write([]byte("fleetguard-bls-keygen"))
	h.Write(seed)

	var ikm [32]byte
	h.Sum(ikm[:0])

	secret := blst.KeyGen(ikm[:])
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &KeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// LoadOrGenerate reads a seed from path, creating and saving a new one if missing.
// An empty path yields an ephemeral key.
func LoadOrGenerate(path string) (*KeyPair, error) {
	if path == "" {
		kp, _, err := Generate()
		return kp, err
	}

	seed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		kp, seed, err := Generate()
		if err != nil {
			return nil, err
		}

		if err := os.WriteFile(path, seed, 0600); err != nil {
			return nil, fmt.Errorf("save key seed to %s:\n%w", path, err)
		}

		return kp, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read key seed:\n%w", err)
	}

	if len(seed) != SeedSize {
		return nil, fmt.Errorf("invalid key seed size: got %d, want %d", len(seed), SeedSize)
	}

	return FromSeed(seed)
}

// Sign creates a BLS signature over message.
func (k *KeyPair) Sign(message []byte) []byte {
	sig := new(blst.P2Affine).Sign(k.secret, message, dst)
	return sig.Compress()
}

// PublicKey returns the compressed public key bytes.
func (k *KeyPair) PublicKey() []byte {
	return k.public.Compress()
}

// Verify checks a signature against a message and compressed public key.
func Verify(signature, message, publicKey []byte) error {
	if len(signature) != SignatureSize {
		return fmt.Errorf("%w: signature size %d", ErrBadSignature, len(signature))
	}

	if len(publicKey) != PublicKeySize {
		return fmt.Errorf("%w: public key size %d", ErrBadSignature, len(publicKey))
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return fmt.Errorf("%w: malformed public key", ErrBadSignature)
	}

	if !sig.Verify(true, pk, true, message, dst) {
		return ErrBadSignature
	}

	return nil
}
