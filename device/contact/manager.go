package contact

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/meshlink/meshlink/core"
	"github.com/meshlink/meshlink/identity"
)

const (
	// DefaultMaxContacts is the default maximum number of contacts.
	DefaultMaxContacts = 32

	// MaxSearchResults is the maximum number of results returned by
	// SearchByHash. Multiple contacts may share the same 1-byte hash.
	MaxSearchResults = 8
)

var (
	// ErrContactsFull is returned when the directory is full and no slot
	// could be allocated (overwrite disabled or all contacts are
	// favorites).
	ErrContactsFull = errors.New("contact: directory full")

	// ErrContactNotFound is returned when a contact lookup fails.
	ErrContactNotFound = errors.New("contact: not found")
)

// ManagerConfig configures a ContactManager.
type ManagerConfig struct {
	// MaxContacts is the maximum number of contacts to store.
	// Default: DefaultMaxContacts.
	MaxContacts int

	// OverwriteWhenFull enables overwriting the oldest non-favorite
	// contact when the directory is full. When false, AddContact returns
	// ErrContactsFull instead.
	OverwriteWhenFull bool

	// Logger for contact directory events. Falls back to slog.Default()
	// if nil.
	Logger *slog.Logger
}

// ContactManager is a thread-safe directory of known mesh peers, with
// eviction semantics favoring recently-modified and favorited contacts.
//
// It has no dependency on the routing table; it is purely an application-
// level address book, keyed by the same core.Instance identities the
// routing table uses.
type ContactManager struct {
	cfg      ManagerConfig
	log      *slog.Logger
	mu       sync.RWMutex
	contacts []*ContactInfo
	local    *identity.Identity

	onContactAdded     func(contact *ContactInfo, isNew bool)
	onContactRemoved   func(id core.Instance)
	onContactOverwrite func(id core.Instance)
}

// NewManager creates a ContactManager bound to local, whose private key is
// used for ECDH shared secret computation via GetSharedSecret.
func NewManager(local *identity.Identity, cfg ManagerConfig) *ContactManager {
	if cfg.MaxContacts <= 0 {
		cfg.MaxContacts = DefaultMaxContacts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ContactManager{
		cfg:      cfg,
		log:      logger.WithGroup("contacts"),
		contacts: make([]*ContactInfo, 0, cfg.MaxContacts),
		local:    local,
	}
}

// SetOnContactAdded sets the callback invoked when a contact is added.
// isNew is always true; the field exists so callers can share a handler
// with a future update notification without changing its signature.
func (m *ContactManager) SetOnContactAdded(fn func(contact *ContactInfo, isNew bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onContactAdded = fn
}

// SetOnContactRemoved sets the callback invoked when a contact is removed.
func (m *ContactManager) SetOnContactRemoved(fn func(id core.Instance)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onContactRemoved = fn
}

// SetOnContactOverwrite sets the callback invoked before a contact is
// evicted to make room for a new one (when OverwriteWhenFull is true).
func (m *ContactManager) SetOnContactOverwrite(fn func(id core.Instance)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onContactOverwrite = fn
}

// AddContact adds a new contact to the directory. If the directory is full
// and OverwriteWhenFull is true, the oldest non-favorite contact is
// evicted to make room.
//
// The stored copy's shared secret is always invalidated on add, forcing
// recomputation on next access.
//
// Returns a pointer to the stored contact. The caller should not hold
// references to the input ContactInfo after calling AddContact.
func (m *ContactManager) AddContact(c *ContactInfo) (*ContactInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.allocateSlot()
	if stored == nil {
		return nil, ErrContactsFull
	}

	stored.ID = c.ID
	stored.PublicKey = ed25519PublicKeyCopy(c.PublicKey)
	stored.Name = c.Name
	stored.Type = c.Type
	stored.Flags = c.Flags
	stored.OutPathLen = c.OutPathLen
	if len(c.OutPath) > 0 {
		stored.OutPath = make([]byte, len(c.OutPath))
		copy(stored.OutPath, c.OutPath)
	} else {
		stored.OutPath = nil
	}
	stored.LastAdvertTimestamp = c.LastAdvertTimestamp
	stored.LastMod = c.LastMod
	stored.GPSLat = c.GPSLat
	stored.GPSLon = c.GPSLon
	stored.SyncSince = c.SyncSince

	stored.InvalidateSharedSecret()

	if m.onContactAdded != nil {
		m.onContactAdded(stored, true)
	}

	return stored, nil
}

// UpdateContact overwrites the stored fields of the contact matching
// updated.ID in place. An empty updated.PublicKey keeps the stored key and
// its cached shared secret; any non-empty key replaces the stored one and
// invalidates the cached secret, even when the key is identical.
func (m *ContactManager) UpdateContact(updated *ContactInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.contacts {
		if !c.ID.Equal(updated.ID) {
			continue
		}

		c.Name = updated.Name
		c.Type = updated.Type
		c.Flags = updated.Flags
		c.OutPathLen = updated.OutPathLen
		if len(updated.OutPath) > 0 {
			c.OutPath = make([]byte, len(updated.OutPath))
			copy(c.OutPath, updated.OutPath)
		} else {
			c.OutPath = nil
		}
		c.LastAdvertTimestamp = updated.LastAdvertTimestamp
		c.LastMod = updated.LastMod
		c.GPSLat = updated.GPSLat
		c.GPSLon = updated.GPSLon
		c.SyncSince = updated.SyncSince
		if len(updated.PublicKey) > 0 {
			c.PublicKey = ed25519PublicKeyCopy(updated.PublicKey)
			c.InvalidateSharedSecret()
		}
		return nil
	}
	return ErrContactNotFound
}

// RemoveContact removes the contact matching id.
// Returns ErrContactNotFound if no matching contact exists.
func (m *ContactManager) RemoveContact(id core.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, c := range m.contacts {
		if c.ID.Equal(id) {
			copy(m.contacts[i:], m.contacts[i+1:])
			m.contacts[len(m.contacts)-1] = nil
			m.contacts = m.contacts[:len(m.contacts)-1]

			if m.onContactRemoved != nil {
				m.onContactRemoved(id)
			}
			return nil
		}
	}
	return ErrContactNotFound
}

// GetByPubKey returns the contact with the given Instance identity, or
// nil if not found.
func (m *ContactManager) GetByPubKey(id core.Instance) *ContactInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.contacts {
		if c.ID.Equal(id) {
			return c
		}
	}
	return nil
}

// SearchByHash returns contacts whose identifier's first byte matches
// hash. Due to hash collisions, up to MaxSearchResults contacts may be
// returned.
func (m *ContactManager) SearchByHash(hash uint8) []*ContactInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*ContactInfo
	for _, c := range m.contacts {
		if c.hash() == hash {
			results = append(results, c)
			if len(results) >= MaxSearchResults {
				break
			}
		}
	}
	return results
}

// GetSharedSecret finds the contact by id and returns its cached ECDH
// shared secret, computing it lazily if needed.
func (m *ContactManager) GetSharedSecret(id core.Instance) ([]byte, error) {
	c := m.GetByPubKey(id)
	if c == nil {
		return nil, ErrContactNotFound
	}
	return c.GetSharedSecret(m.local)
}

// Count returns the number of stored contacts.
func (m *ContactManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contacts)
}

// ForEach calls fn for each contact in insertion order. Return false from
// fn to stop iteration early. Holds a read lock for the duration of
// iteration.
func (m *ContactManager) ForEach(fn func(c *ContactInfo) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.contacts {
		if !fn(c) {
			return
		}
	}
}

// allocateSlot returns a pointer to an available contact slot. If the
// directory is full and OverwriteWhenFull is enabled, evicts the oldest
// non-favorite contact (by LastMod). Returns nil if no slot is available.
//
// Must be called with m.mu held for writing.
func (m *ContactManager) allocateSlot() *ContactInfo {
	if len(m.contacts) < m.cfg.MaxContacts {
		c := &ContactInfo{}
		m.contacts = append(m.contacts, c)
		return c
	}

	if !m.cfg.OverwriteWhenFull {
		return nil
	}

	oldestIdx := -1
	var oldestMod uint32 = 0xFFFFFFFF

	for i, c := range m.contacts {
		if c.IsFavorite() {
			continue
		}
		if c.LastMod < oldestMod {
			oldestMod = c.LastMod
			oldestIdx = i
		}
	}

	if oldestIdx < 0 {
		return nil
	}

	if m.onContactOverwrite != nil {
		m.onContactOverwrite(m.contacts[oldestIdx].ID)
	}

	m.contacts[oldestIdx] = &ContactInfo{}
	return m.contacts[oldestIdx]
}

func ed25519PublicKeyCopy(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
