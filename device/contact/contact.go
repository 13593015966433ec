// Package contact provides an application-level directory of known mesh
// peers: cached names, favorite status, last-known direct routing path,
// and a lazily-computed ECDH shared secret per peer. It sits above the
// network controller's routing table (which only tracks reachability) and
// is consumed by cmd/meshdemo to remember who it has talked to.
package contact

import (
	"crypto/ed25519"
	"sync"

	"github.com/meshlink/meshlink/core"
	"github.com/meshlink/meshlink/identity"
)

const (
	// MaxNameLen is the maximum contact name length.
	MaxNameLen = 32

	// FlagFavorite marks a contact as a favorite. Favorites are never
	// evicted when the directory is full.
	FlagFavorite = 0x01

	// PathUnknown is the sentinel value for OutPathLen when no direct
	// routing path is known and the peer can only be reached via flood
	// routing.
	PathUnknown int8 = -1
)

// ContactInfo is a known peer in the mesh network.
type ContactInfo struct {
	// Identity. ID is the routing-table identity used to look up
	// reachability; PublicKey is the full Ed25519 key backing it, needed
	// for ECDH since an Instance's identifier is a truncated digest of it.
	ID        core.Instance
	PublicKey ed25519.PublicKey
	Name      string
	Type      uint8

	// Flags and routing
	Flags      uint8
	OutPathLen int8
	OutPath    []byte

	// Timestamps
	LastAdvertTimestamp uint32
	LastMod             uint32

	// Location, stored as degrees * 1,000,000.
	GPSLat int32
	GPSLon int32

	// Sync tracking
	SyncSince uint32

	// Shared secret cache (lazy ECDH, protected by its own mutex)
	mu                sync.Mutex
	sharedSecret      [32]byte
	sharedSecretValid bool
}

// IsFavorite reports whether the contact is marked as a favorite.
// Favorite contacts are never evicted when the directory is full.
func (c *ContactInfo) IsFavorite() bool {
	return c.Flags&FlagFavorite != 0
}

// SetFavorite sets or clears the favorite flag.
func (c *ContactInfo) SetFavorite(fav bool) {
	if fav {
		c.Flags |= FlagFavorite
	} else {
		c.Flags &^= FlagFavorite
	}
}

// HasDirectPath reports whether a direct routing path is known for this
// contact.
func (c *ContactInfo) HasDirectPath() bool {
	return c.OutPathLen >= 0
}

// GetSharedSecret lazily computes and caches the ECDH shared secret
// between the local identity and this contact's public key. Thread-safe.
//
// Use InvalidateSharedSecret to force recomputation, e.g. after the
// contact's key material changes.
func (c *ContactInfo) GetSharedSecret(local *identity.Identity) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sharedSecretValid {
		return c.sharedSecret[:], nil
	}

	secret, err := local.SharedSecret(c.PublicKey)
	if err != nil {
		return nil, err
	}
	copy(c.sharedSecret[:], secret)
	c.sharedSecretValid = true
	return c.sharedSecret[:], nil
}

// InvalidateSharedSecret clears the cached shared secret, forcing
// recomputation on the next GetSharedSecret call.
func (c *ContactInfo) InvalidateSharedSecret() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sharedSecretValid = false
}

// hash returns the single-byte hash used for SearchByHash lookups: the
// first byte of the Instance's identifier.
func (c *ContactInfo) hash() uint8 {
	id := c.ID.ID()
	return id[0]
}
