// Package identity generates and holds the long-term Ed25519 key pair a
// demo host uses to derive its mesh Instance identifier and to establish
// pairwise shared secrets with peers it trusts. The network controller
// itself never touches key material; this package exists for the
// application layer (cmd/meshdemo) that sits above it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"

	"github.com/meshlink/meshlink/core"
)

var (
	ErrInvalidPublicKeySize  = errors.New("identity: invalid public key size: expected 32 bytes")
	ErrInvalidPrivateKeySize = errors.New("identity: invalid private key size: expected 64 bytes")
)

// Identity is a host's long-term Ed25519 key pair.
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Generate creates a new Identity from a fresh random key pair.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key pair: %w", err)
	}
	return &Identity{PublicKey: pub, PrivateKey: priv}, nil
}

// FromPrivateKey reconstructs an Identity from a 64-byte Ed25519 private
// key, e.g. one loaded from a config file.
func FromPrivateKey(privKey []byte) (*Identity, error) {
	if len(privKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKeySize
	}
	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, privKey)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{PublicKey: pub, PrivateKey: priv}, nil
}

// Instance derives this identity's mesh Instance identifier from the
// first core.InstanceIDSize bytes of a SHA-512 digest of the public key,
// tagging it with appTag for display.
func (id *Identity) Instance(appTag string) core.Instance {
	digest := sha512.Sum512(id.PublicKey)
	var instID [core.InstanceIDSize]byte
	copy(instID[:], digest[:core.InstanceIDSize])
	return core.NewInstance(instID, appTag)
}

// ed25519PubKeyToX25519 converts an Ed25519 public key to its X25519
// (Curve25519) equivalent for ECDH key exchange.
func ed25519PubKeyToX25519(edPubKey ed25519.PublicKey) ([]byte, error) {
	point, err := new(edwards25519.Point).SetBytes(edPubKey)
	if err != nil {
		return nil, fmt.Errorf("identity: invalid ed25519 public key: %w", err)
	}
	return point.BytesMontgomery(), nil
}

// ed25519PrivKeyToX25519 converts an Ed25519 private key to its X25519
// equivalent per RFC 8032: SHA-512 the seed, then clamp the first 32
// bytes.
func ed25519PrivKeyToX25519(edPrivKey ed25519.PrivateKey) ([]byte, error) {
	if len(edPrivKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKeySize
	}
	seed := edPrivKey.Seed()
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32], nil
}

// SharedSecret derives a 32-byte shared secret with a peer's Ed25519
// public key via X25519 ECDH, usable as a symmetric key for a payload
// the application chooses to encrypt before calling Send.
func (id *Identity) SharedSecret(peerPublicKey ed25519.PublicKey) ([]byte, error) {
	if len(peerPublicKey) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKeySize
	}
	localX25519, err := ed25519PrivKeyToX25519(id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("identity: convert local private key: %w", err)
	}
	peerX25519, err := ed25519PubKeyToX25519(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("identity: convert peer public key: %w", err)
	}
	secret, err := curve25519.X25519(localX25519, peerX25519)
	if err != nil {
		return nil, fmt.Errorf("identity: ecdh: %w", err)
	}
	return secret, nil
}
