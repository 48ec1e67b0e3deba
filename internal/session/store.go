package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/guarzo/carmarket/internal/model"
)

// ErrAuthRequired signals that a platform has no usable credentials and
// must be skipped until an operator supplies fresh material.
var ErrAuthRequired = errors.New("session: authentication required")

// Store owns per-platform authentication state. Sessions are persisted
// to a JSON file so credential material survives restarts, and are
// never deleted: failed sessions stay around as an audit trail.
type Store struct {
	mu       sync.RWMutex
	path     string
	maxAge   time.Duration
	sessions map[string]*model.PlatformSession
}

// NewStore loads existing sessions from path, starting fresh when the
// file is missing or corrupt. maxAge is the staleness window applied to
// sessions without an explicit expiry estimate.
func NewStore(path string, maxAge time.Duration) (*Store, error) {
	s := &Store{
		path:     path,
		maxAge:   maxAge,
		sessions: make(map[string]*model.PlatformSession),
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read sessions: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &s.sessions); err != nil {
				// Ignore corrupt state, operator re-supplies credentials
				s.sessions = make(map[string]*model.PlatformSession)
			}
		}
	}

	return s, nil
}

// Get returns the platform's session when it is believed valid, or
// ErrAuthRequired when credentials are missing, stale, or invalidated.
// The returned session is a copy; mutations go through RecordAuthResult.
func (s *Store) Get(platform string) (*model.PlatformSession, error) {
	s.mu.RLock()
	sess, ok := s.sessions[platform]
	s.mu.RUnlock()

	if !ok || sess.Credentials == "" {
		return nil, fmt.Errorf("%w: no credentials for %s", ErrAuthRequired, platform)
	}

	switch sess.Status {
	case model.SessionInvalid:
		return nil, fmt.Errorf("%w: %s credentials invalidated", ErrAuthRequired, platform)
	case model.SessionExpired:
		return nil, fmt.Errorf("%w: %s session expired", ErrAuthRequired, platform)
	}

	if !sess.ExpiresAt.IsZero() && time.Now().After(sess.ExpiresAt) {
		s.mu.Lock()
		sess.Status = model.SessionExpired
		s.saveLocked()
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s session expired", ErrAuthRequired, platform)
	}

	cp := *sess
	return &cp, nil
}

// SupplyCredentials installs operator-provided credential material for
// a platform, resetting its status to unknown until the next
// authentication attempt confirms it.
func (s *Store) SupplyCredentials(platform, credentials string) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[platform] = &model.PlatformSession{
		Platform:    platform,
		Credentials: credentials,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.maxAge),
		Status:      model.SessionUnknown,
	}
	return s.saveLocked()
}

// RecordAuthResult updates session state after an adapter
// authentication attempt. A success marks the session valid; a failure
// invalidates it immediately, blocking further runs for that platform
// until fresh credentials arrive.
func (s *Store) RecordAuthResult(platform string, ok bool) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[platform]
	if !exists {
		sess = &model.PlatformSession{
			Platform: platform,
			IssuedAt: now,
		}
		s.sessions[platform] = sess
	}
	if ok {
		sess.Status = model.SessionValid
		if sess.ExpiresAt.IsZero() {
			sess.ExpiresAt = now.Add(s.maxAge)
		}
	} else {
		sess.Status = model.SessionInvalid
		sess.LastFailure = now
	}
	return s.saveLocked()
}

// Status reports the current status for a platform without the
// staleness side effects of Get.
func (s *Store) Status(platform string) model.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sess, ok := s.sessions[platform]; ok {
		return sess.Status
	}
	return model.SessionUnknown
}

// saveLocked persists the session map. Caller must hold the write
// lock, so concurrent mutators serialize their saves; the write goes
// through a temp file and rename so the file on disk is always a whole
// document even if the process dies mid-save. The temp file is created
// 0600: it holds credential material.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*")
	if err != nil {
		return fmt.Errorf("create temp sessions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write sessions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close sessions: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit sessions: %w", err)
	}
	return nil
}
