// Package subscription implements pre-paid API keys: an alternate admission
// path that bypasses per-call payment while quota and expiry allow it.
package subscription

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vitwit/paygate/logger"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// KeyPrefix starts every plain subscription key.
const KeyPrefix = "sk_"

// lookupLen is the length of the stored, non-secret key prefix.
const lookupLen = len(KeyPrefix) + 8

var (
	ErrKeyNotFound       = errors.New("subscription key not found")
	ErrKeyDisabled       = errors.New("subscription key disabled")
	ErrKeyExpired        = errors.New("subscription key expired")
	ErrQuotaExceeded     = errors.New("subscription quota exhausted")
	ErrServiceNotAllowed = errors.New("subscription does not cover this service")
)

// Key is a stored subscription. The plain key is never persisted.
type Key struct {
	ID         string    `yaml:"id" json:"id"`
	Name       string    `yaml:"name" json:"name"`
	KeyHash    string    `yaml:"key_hash" json:"-"`
	KeyPrefix  string    `yaml:"key_prefix" json:"keyPrefix"`
	Services   []string  `yaml:"services,omitempty" json:"services,omitempty"`
	Quota      int64     `yaml:"quota" json:"quota"`
	Used       int64     `yaml:"used" json:"used"`
	CreatedAt  time.Time `yaml:"created_at" json:"createdAt"`
	ExpiresAt  time.Time `yaml:"expires_at,omitempty" json:"expiresAt,omitempty"`
	LastUsedAt time.Time `yaml:"last_used_at,omitempty" json:"lastUsedAt,omitempty"`
	Enabled    bool      `yaml:"enabled" json:"enabled"`
}

// Remaining returns the calls left, or -1 for an unlimited key.
func (k *Key) Remaining() int64 {
	if k.Quota <= 0 {
		return -1
	}
	if k.Used >= k.Quota {
		return 0
	}
	return k.Quota - k.Used
}

func (k *Key) allows(serviceID string) bool {
	if len(k.Services) == 0 {
		return true
	}
	for _, s := range k.Services {
		if s == serviceID || s == "*" {
			return true
		}
	}
	return false
}

type fileFormat struct {
	Keys []*Key `yaml:"keys"`
}

// Manager holds subscription keys and persists them to a YAML file.
type Manager struct {
	mu       sync.RWMutex
	keys     map[string]*Key // by ID
	prefixes map[string]string
	filePath string
	// saveMu orders snapshots with their writes so an older snapshot never
	// lands after a newer one.
	saveMu sync.Mutex

	cost int
	now  func() time.Time
	log  logger.Logger
}

type Option func(*Manager)

// WithCost sets the bcrypt cost for new keys.
func WithCost(cost int) Option {
	return func(m *Manager) { m.cost = cost }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager loads keys from filePath. An empty path keeps keys in memory
// only; a missing file starts empty.
func NewManager(filePath string, opts ...Option) (*Manager, error) {
	m := &Manager{
		keys:     make(map[string]*Key),
		prefixes: make(map[string]string),
		filePath: filePath,
		cost:     bcrypt.DefaultCost,
		now:      time.Now,
		log:      logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load subscription keys: %w", err)
	}
	return m, nil
}

func (m *Manager) load() error {
	if m.filePath == "" {
		return nil
	}

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		return err
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range f.Keys {
		if k == nil || k.ID == "" || k.KeyPrefix == "" {
			continue
		}
		m.keys[k.ID] = k
		m.prefixes[k.KeyPrefix] = k.ID
	}
	return nil
}

// save writes all keys atomically. Caller must not hold m.mu.
func (m *Manager) save() error {
	if m.filePath == "" {
		return nil
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.RLock()
	f := fileFormat{Keys: make([]*Key, 0, len(m.keys))}
	for _, k := range m.keys {
		cp := *k
		f.Keys = append(f.Keys, &cp)
	}
	m.mu.RUnlock()
	sort.Slice(f.Keys, func(i, j int) bool { return f.Keys[i].CreatedAt.Before(f.Keys[j].CreatedAt) })

	data, err := yaml.Marshal(&f)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.filePath), 0o755); err != nil {
		return err
	}
	tmp := m.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.filePath)
}

// Create issues a new key. The plain key is only returned here. quota <= 0
// means unlimited; ttl <= 0 means no expiry; empty services covers all.
func (m *Manager) Create(name string, services []string, quota int64, ttl time.Duration) (*Key, string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", fmt.Errorf("failed to generate key: %w", err)
	}
	plain := KeyPrefix + hex.EncodeToString(secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(plain), m.cost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash key: %w", err)
	}

	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", fmt.Errorf("failed to generate id: %w", err)
	}

	now := m.now().UTC()
	key := &Key{
		ID:        hex.EncodeToString(idBytes),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: plain[:lookupLen],
		Services:  services,
		Quota:     quota,
		CreatedAt: now,
		Enabled:   true,
	}
	if ttl > 0 {
		key.ExpiresAt = now.Add(ttl)
	}

	m.mu.Lock()
	m.keys[key.ID] = key
	m.prefixes[key.KeyPrefix] = key.ID
	m.mu.Unlock()

	if err := m.save(); err != nil {
		return nil, "", fmt.Errorf("failed to save subscription keys: %w", err)
	}

	m.log.Info("subscription key created", map[string]any{
		"id":     key.ID,
		"name":   name,
		"prefix": key.KeyPrefix,
		"quota":  quota,
	})

	cp := *key
	return &cp, plain, nil
}

// Consume authenticates plain and charges one call against its quota for
// serviceID. It returns a snapshot of the key after the charge.
func (m *Manager) Consume(plain, serviceID string) (*Key, error) {
	plain = strings.TrimSpace(plain)
	if !strings.HasPrefix(plain, KeyPrefix) || len(plain) <= lookupLen {
		return nil, ErrKeyNotFound
	}

	m.mu.RLock()
	id, ok := m.prefixes[plain[:lookupLen]]
	var hash string
	if ok {
		hash = m.keys[id].KeyHash
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}

	// bcrypt is slow; compare outside the lock
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)); err != nil {
		return nil, ErrKeyNotFound
	}

	m.mu.Lock()
	key, ok := m.keys[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrKeyNotFound
	}
	now := m.now().UTC()
	switch {
	case !key.Enabled:
		m.mu.Unlock()
		return nil, ErrKeyDisabled
	case !key.ExpiresAt.IsZero() && !now.Before(key.ExpiresAt):
		m.mu.Unlock()
		return nil, ErrKeyExpired
	case !key.allows(serviceID):
		m.mu.Unlock()
		return nil, ErrServiceNotAllowed
	case key.Quota > 0 && key.Used >= key.Quota:
		m.mu.Unlock()
		return nil, ErrQuotaExceeded
	}
	key.Used++
	key.LastUsedAt = now
	snapshot := *key
	m.mu.Unlock()

	if err := m.save(); err != nil {
		m.log.Warn("failed to save subscription usage", map[string]any{"id": id, "error": err.Error()})
	}
	return &snapshot, nil
}

// Revoke disables a key by ID.
func (m *Manager) Revoke(id string) error {
	m.mu.Lock()
	key, ok := m.keys[id]
	if ok {
		key.Enabled = false
	}
	m.mu.Unlock()
	if !ok {
		return ErrKeyNotFound
	}
	return m.save()
}

// List returns copies of all keys ordered by creation time.
func (m *Manager) List() []Key {
	m.mu.RLock()
	out := make([]Key, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, *k)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
