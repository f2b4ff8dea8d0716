package profile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kindling-ai/kindred/internal/storage"
)

// Store defines the storage operations the Directory needs.
// Implemented by storage.Store.
type Store interface {
	SaveProfile(rec storage.ProfileRecord) error
	GetProfile(userID string) (storage.ProfileRecord, error)
	ListProfiles(limit, offset int) ([]storage.ProfileRecord, error)
	DeleteProfile(userID string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Directory provides cached, structured access to the contact profiles
// stored in SQLite. A missing profile surfaces as storage.ErrNotFound,
// never as an empty Profile.
type Directory struct {
	store Store
	clock Clock
	ttl   time.Duration

	mu     sync.RWMutex
	cached map[string]cachedProfile
}

type cachedProfile struct {
	profile  Profile
	cachedAt time.Time
}

// NewDirectory creates a Directory with a 60-second cache TTL.
func NewDirectory(store Store) *Directory {
	return NewDirectoryWithClock(store, realClock{}, 60*time.Second)
}

// NewDirectoryWithClock creates a Directory with a custom clock (for testing).
func NewDirectoryWithClock(store Store, clock Clock, ttl time.Duration) *Directory {
	return &Directory{
		store:  store,
		clock:  clock,
		ttl:    ttl,
		cached: make(map[string]cachedProfile),
	}
}

// Get returns the profile for userID, from cache when fresh.
func (d *Directory) Get(userID string) (Profile, error) {
	d.mu.RLock()
	if entry, ok := d.cached[userID]; ok && d.clock.Now().Before(entry.cachedAt.Add(d.ttl)) {
		p := copyProfile(entry.profile)
		d.mu.RUnlock()
		return p, nil
	}
	d.mu.RUnlock()

	rec, err := d.store.GetProfile(userID)
	if err != nil {
		return Profile{}, err
	}

	p := fromRecord(rec)

	d.mu.Lock()
	d.cached[userID] = cachedProfile{profile: copyProfile(p), cachedAt: d.clock.Now()}
	d.mu.Unlock()

	return p, nil
}

// Save persists a profile and invalidates its cache entry.
func (d *Directory) Save(p Profile) error {
	if p.UserID == "" {
		return fmt.Errorf("profile is missing a user id")
	}

	rec, err := toRecord(p)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.SaveProfile(rec); err != nil {
		return fmt.Errorf("saving profile %q: %w", p.UserID, err)
	}
	delete(d.cached, p.UserID)
	return nil
}

// List returns stored profiles, bypassing the cache.
func (d *Directory) List(limit, offset int) ([]Profile, error) {
	recs, err := d.store.ListProfiles(limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	profiles := make([]Profile, len(recs))
	for i, rec := range recs {
		profiles[i] = fromRecord(rec)
	}
	return profiles, nil
}

// Delete removes a profile and its cache entry.
func (d *Directory) Delete(userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.DeleteProfile(userID); err != nil {
		return err
	}
	delete(d.cached, userID)
	return nil
}

// fromRecord assembles a Profile from a storage row. Malformed JSON
// columns are logged and skipped rather than failing the read.
func fromRecord(rec storage.ProfileRecord) Profile {
	p := Profile{
		UserID:    rec.UserID,
		Name:      rec.Name,
		Industry:  rec.Industry,
		Role:      rec.Role,
		Seniority: rec.Seniority,
	}
	unmarshalColumn(rec.UserID, "interests", rec.Interests, &p.Interests)
	unmarshalColumn(rec.UserID, "goals", rec.Goals, &p.Goals)
	unmarshalColumn(rec.UserID, "contact", rec.Contact, &p.Contact)
	return p
}

func toRecord(p Profile) (storage.ProfileRecord, error) {
	interests, err := json.Marshal(orEmpty(p.Interests))
	if err != nil {
		return storage.ProfileRecord{}, fmt.Errorf("marshalling interests: %w", err)
	}
	goals, err := json.Marshal(orEmpty(p.Goals))
	if err != nil {
		return storage.ProfileRecord{}, fmt.Errorf("marshalling goals: %w", err)
	}
	contact, err := json.Marshal(p.Contact)
	if err != nil {
		return storage.ProfileRecord{}, fmt.Errorf("marshalling contact: %w", err)
	}
	return storage.ProfileRecord{
		UserID:    p.UserID,
		Name:      p.Name,
		Industry:  p.Industry,
		Role:      p.Role,
		Seniority: p.Seniority,
		Interests: string(interests),
		Goals:     string(goals),
		Contact:   string(contact),
	}, nil
}

func unmarshalColumn(userID, column, value string, target any) {
	if value == "" {
		return
	}
	if err := json.Unmarshal([]byte(value), target); err != nil {
		slog.Warn("malformed profile column, skipping", "user_id", userID, "column", column, "error", err)
	}
}

func orEmpty(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

func copyProfile(p Profile) Profile {
	cp := p
	if p.Interests != nil {
		cp.Interests = make([]string, len(p.Interests))
		copy(cp.Interests, p.Interests)
	}
	if p.Goals != nil {
		cp.Goals = make([]string, len(p.Goals))
		copy(cp.Goals, p.Goals)
	}
	return cp
}
