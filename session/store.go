// Package session persists and validates per-platform authentication state.
//
// A Store is the single registry of SessionRecords for a run. Records are
// read-shared by every lane; writes for one platform are serialized by a
// per-platform mutex. Records handed out are always copies.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"screenshot-audit/model"
)

// PersistenceError reports a failed read or write of the durable session
// state. It is never fatal: callers continue without persistence.
type PersistenceError struct {
	Op       string
	Platform model.Platform
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("session: %s %s: %v", e.Op, e.Platform, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ProbeFunc performs a lightweight navigation using cookies and returns the
// resulting observation.
type ProbeFunc func(ctx context.Context, cookies []model.Cookie) (*model.Observation, error)

// Store keeps session records in memory and mirrors them to a Backend.
type Store struct {
	backend Backend
	logger  *log.Logger
	now     func() time.Time

	mu      sync.RWMutex
	records map[model.Platform]*model.SessionRecord
	locks   map[model.Platform]*sync.Mutex
}

// NewStore creates a Store over backend. A nil backend keeps records in memory only.
func NewStore(backend Backend, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		backend: backend,
		logger:  logger,
		now:     time.Now,
		records: make(map[model.Platform]*model.SessionRecord),
		locks:   make(map[model.Platform]*sync.Mutex),
	}
}

func (s *Store) lock(platform model.Platform) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[platform]
	if !ok {
		m = &sync.Mutex{}
		s.locks[platform] = m
	}
	return m
}

// Load returns a copy of the record for platform, or nil when none exists or
// the persisted record cannot be read.
func (s *Store) Load(ctx context.Context, platform model.Platform) *model.SessionRecord {
	s.mu.RLock()
	rec, ok := s.records[platform]
	s.mu.RUnlock()
	if ok {
		return rec.Clone()
	}
	if s.backend == nil {
		return nil
	}

	data, err := s.backend.Get(ctx, platform)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Warn("session: load failed", "platform", platform, "error", &PersistenceError{Op: "load", Platform: platform, Err: err})
		return nil
	}

	var loaded model.SessionRecord
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn("session: corrupt record ignored", "platform", platform, "error", err)
		return nil
	}
	if loaded.Platform != platform {
		s.logger.Warn("session: record platform mismatch", "platform", platform, "stored", loaded.Platform)
		return nil
	}

	s.mu.Lock()
	// A concurrent Save may have won the race; keep the newer in-memory record.
	if cur, ok := s.records[platform]; ok {
		s.mu.Unlock()
		return cur.Clone()
	}
	s.records[platform] = &loaded
	s.mu.Unlock()
	return loaded.Clone()
}

// Save overwrites the record for platform with cookies. The new record is
// not valid until Validate succeeds. The in-memory record is updated even
// when persisting fails, in which case a *PersistenceError is returned.
func (s *Store) Save(ctx context.Context, platform model.Platform, cookies []model.Cookie) error {
	m := s.lock(platform)
	m.Lock()
	defer m.Unlock()

	rec := &model.SessionRecord{
		Platform:   platform,
		Cookies:    model.CloneCookies(cookies),
		CapturedAt: s.now().UTC(),
		Valid:      false,
	}
	s.put(platform, rec)
	return s.persist(ctx, rec)
}

// Validate probes the stored cookies and records whether they still avoid a
// login wall. It returns false without probing when no record exists. A probe
// error marks the record invalid and is returned to the caller.
func (s *Store) Validate(ctx context.Context, platform model.Platform, probe ProbeFunc) (bool, error) {
	m := s.lock(platform)
	m.Lock()
	defer m.Unlock()

	rec := s.Load(ctx, platform)
	if rec == nil {
		return false, nil
	}

	obs, err := probe(ctx, model.CloneCookies(rec.Cookies))
	if err != nil {
		rec.Valid = false
		s.put(platform, rec)
		s.persistLogged(ctx, rec)
		return false, fmt.Errorf("session: validate %s: %w", platform, err)
	}

	rec.Valid = obs != nil && !obs.LoginWallDetected
	rec.LastValidatedAt = s.now().UTC()
	s.put(platform, rec)
	s.persistLogged(ctx, rec)

	s.logger.Info("session: validated", "platform", platform, "valid", rec.Valid, "cookies", len(rec.Cookies))
	return rec.Valid, nil
}

// Invalidate marks the record for platform as not valid.
func (s *Store) Invalidate(ctx context.Context, platform model.Platform) {
	m := s.lock(platform)
	m.Lock()
	defer m.Unlock()

	rec := s.Load(ctx, platform)
	if rec == nil || !rec.Valid {
		return
	}
	rec.Valid = false
	s.put(platform, rec)
	s.persistLogged(ctx, rec)
	s.logger.Warn("session: invalidated", "platform", platform)
}

// Close releases the backend.
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func (s *Store) put(platform model.Platform, rec *model.SessionRecord) {
	s.mu.Lock()
	s.records[platform] = rec.Clone()
	s.mu.Unlock()
}

func (s *Store) persist(ctx context.Context, rec *model.SessionRecord) error {
	if s.backend == nil {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return &PersistenceError{Op: "encode", Platform: rec.Platform, Err: err}
	}
	if err := s.backend.Put(ctx, rec.Platform, data); err != nil {
		return &PersistenceError{Op: "save", Platform: rec.Platform, Err: err}
	}
	return nil
}

func (s *Store) persistLogged(ctx context.Context, rec *model.SessionRecord) {
	if err := s.persist(ctx, rec); err != nil {
		s.logger.Warn("session: persist failed", "platform", rec.Platform, "error", err)
	}
}
