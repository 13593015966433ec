package identity

import (
	"crypto/ed25519"
	"testing"
)

func TestGenerate_ProducesUsableKeyPair(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(id.PublicKey) != ed25519.PublicKeySize {
		t.Errorf("public key length = %d, want %d", len(id.PublicKey), ed25519.PublicKeySize)
	}
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		t.Errorf("private key length = %d, want %d", len(id.PrivateKey), ed25519.PrivateKeySize)
	}
}

func TestFromPrivateKey_ReconstructsMatchingPublicKey(t *testing.T) {
	original, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	reconstructed, err := FromPrivateKey(original.PrivateKey)
	if err != nil {
		t.Fatalf("FromPrivateKey() error = %v", err)
	}
	if !reconstructed.PublicKey.Equal(original.PublicKey) {
		t.Errorf("reconstructed public key does not match original")
	}
}

func TestFromPrivateKey_RejectsWrongLength(t *testing.T) {
	if _, err := FromPrivateKey(make([]byte, 16)); err == nil {
		t.Error("FromPrivateKey() should error on wrong length key")
	}
}

func TestInstance_IsDeterministic(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	a := id.Instance("node-a")
	b := id.Instance("node-a")
	if !a.Equal(b) {
		t.Errorf("Instance() should be deterministic for the same key pair")
	}
}

func TestInstance_DiffersAcrossKeyPairs(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if a.Instance("x").Equal(b.Instance("x")) {
		t.Errorf("different key pairs should not collide on Instance, got identical IDs")
	}
}

func TestSharedSecret_IsSymmetric(t *testing.T) {
	alice, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	bob, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	aliceSecret, err := alice.SharedSecret(bob.PublicKey)
	if err != nil {
		t.Fatalf("alice.SharedSecret() error = %v", err)
	}
	bobSecret, err := bob.SharedSecret(alice.PublicKey)
	if err != nil {
		t.Fatalf("bob.SharedSecret() error = %v", err)
	}

	if len(aliceSecret) != 32 {
		t.Errorf("secret length = %d, want 32", len(aliceSecret))
	}
	for i := range aliceSecret {
		if aliceSecret[i] != bobSecret[i] {
			t.Fatalf("shared secret not symmetric at byte %d: %02x != %02x", i, aliceSecret[i], bobSecret[i])
		}
	}
}

func TestSharedSecret_RejectsWrongLengthPeerKey(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := id.SharedSecret(make([]byte, 8)); err == nil {
		t.Error("SharedSecret() should error on wrong length peer key")
	}
}
