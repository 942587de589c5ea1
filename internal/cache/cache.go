// Package cache is the in-process dedup guard that stops the broker from
// writing a credential a destination already holds.
//
// Entries hold a salted SHA-256 of the credential, never the credential. The
// salt is derived from the process start time at one-second granularity and
// is not persisted, so the cache is empty after a restart. It is an
// efficiency measure, not a security control.
package cache

import (
	"crypto/sha256"
	"crypto/subtle"
	"strconv"
	"sync"
	"time"

	"github.com/systmms/dsbroker/pkg/plugin"
)

var (
	processSaltOnce sync.Once
	processSalt     []byte
)

// ProcessSalt returns the salt shared by every cache in this process.
func ProcessSalt() []byte {
	processSaltOnce.Do(func() {
		processSalt = []byte(strconv.FormatInt(time.Now().Unix(), 10))
	})
	return processSalt
}

// Entry is one (mapping, kind) record.
type Entry struct {
	MappingKey    string
	Kind          plugin.Kind
	SaltedHash    [sha256.Size]byte
	LastWriteTime time.Time
}

type entryKey struct {
	mapping string
	kind    plugin.Kind
}

// Cache maps (mapping key, credential kind) to the hash of the last value
// written. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	salt    []byte
	entries map[entryKey]Entry
	now     func() time.Time
}

// New returns an empty cache using the process salt.
func New() *Cache {
	return NewWithSalt(ProcessSalt())
}

// NewWithSalt returns an empty cache using salt.
func NewWithSalt(salt []byte) *Cache {
	return &Cache{
		salt:    append([]byte(nil), salt...),
		entries: make(map[entryKey]Entry),
		now:     time.Now,
	}
}

func (c *Cache) hash(credential []byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write(credential)
	h.Write(c.salt)
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Upsert records credential as the last value written for (mappingKey, kind).
// It reports whether the stored hash changed.
func (c *Cache) Upsert(credential []byte, mappingKey string, kind plugin.Kind) bool {
	sum := c.hash(credential)
	k := entryKey{mapping: mappingKey, kind: kind}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[k]; ok && existing.SaltedHash == sum {
		return false
	}
	c.entries[k] = Entry{
		MappingKey:    mappingKey,
		Kind:          kind,
		SaltedHash:    sum,
		LastWriteTime: c.now(),
	}
	return true
}

// Matches reports whether credential is the last value written for
// (mappingKey, kind). It is false when no entry exists.
func (c *Cache) Matches(credential []byte, mappingKey string, kind plugin.Kind) bool {
	sum := c.hash(credential)

	c.mu.RLock()
	existing, ok := c.entries[entryKey{mapping: mappingKey, kind: kind}]
	c.mu.RUnlock()

	return ok && subtle.ConstantTimeCompare(existing.SaltedHash[:], sum[:]) == 1
}

// Get returns the entry for (mappingKey, kind).
func (c *Cache) Get(mappingKey string, kind plugin.Kind) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[entryKey{mapping: mappingKey, kind: kind}]
	return e, ok
}

// Forget drops every entry for mappingKey.
func (c *Cache) Forget(mappingKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.mapping == mappingKey {
			delete(c.entries, k)
		}
	}
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[entryKey]Entry)
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
