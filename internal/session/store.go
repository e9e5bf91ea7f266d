package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSegmentFull is returned by Append when the chunk would exceed the segment cap
var ErrSegmentFull = errors.New("session: segment size limit reached")

// Session represents one connected node's in-flight audio segment
type Session struct {
	// Origin is the transport identity of the connection that created the entry
	Origin string

	CreatedAt    time.Time
	LastActivity time.Time

	buffer     []byte
	totalBytes uint64
	segments   uint64
}

// Info is a read-only snapshot of a session for monitoring
type Info struct {
	Key           string    `json:"key"`
	Origin        string    `json:"origin"`
	BufferedBytes int       `json:"buffered_bytes"`
	TotalBytes    uint64    `json:"total_bytes"`
	Segments      uint64    `json:"segments"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
}

// Store maps session keys to sessions. All operations are atomic with respect
// to each other; a single lock is enough at sensor-node message rates.
type Store struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger

	// maxSegmentBytes caps a single segment buffer; zero means unlimited
	maxSegmentBytes int
}

// NewStore creates an empty session store
func NewStore(logger *slog.Logger, maxSegmentBytes int) *Store {
	return &Store{
		sessions:        make(map[string]*Session),
		logger:          logger,
		maxSegmentBytes: maxSegmentBytes,
	}
}

// Create inserts an empty session for key if none exists.
// It reports whether a new session was created.
func (s *Store) Create(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[key]; exists {
		return false
	}

	s.sessions[key] = newSession(key)
	return true
}

// Append adds data to the session buffer, creating the session first if needed.
// It returns the buffered size after the append.
func (s *Store) Append(key string, data []byte) (int, error) {
	return s.AppendAs(key, key, data)
}

// AppendAs is Append with an explicit origin for a session it has to create
func (s *Store) AppendAs(key, origin string, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[key]
	if !exists {
		s.logger.Debug("Creating session on first audio data",
			slog.String("key", key),
			slog.String("origin", origin),
		)
		session = newSession(origin)
		s.sessions[key] = session
	}

	if s.maxSegmentBytes > 0 && len(session.buffer)+len(data) > s.maxSegmentBytes {
		return len(session.buffer), ErrSegmentFull
	}

	session.buffer = append(session.buffer, data...)
	session.totalBytes += uint64(len(data))
	session.LastActivity = time.Now()

	return len(session.buffer), nil
}

// Rekey moves the session stored under oldKey to newKey, carrying its buffer over.
// If newKey already holds a session, the moved session replaces it and the number
// of bytes that were buffered under newKey is returned.
func (s *Store) Rekey(oldKey, newKey string) (displaced int) {
	return s.rekey(oldKey, newKey, "")
}

// RekeyAs is Rekey that also hands ownership of the moved session to origin
func (s *Store) RekeyAs(oldKey, newKey, origin string) (displaced int) {
	return s.rekey(oldKey, newKey, origin)
}

func (s *Store) rekey(oldKey, newKey, origin string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[oldKey]
	if !exists {
		session = newSession(oldKey)
	}
	if origin != "" {
		session.Origin = origin
	}

	if oldKey == newKey {
		s.sessions[newKey] = session
		return 0
	}
	delete(s.sessions, oldKey)

	var displaced int
	if existing, ok := s.sessions[newKey]; ok {
		displaced = len(existing.buffer)
	}

	session.LastActivity = time.Now()
	s.sessions[newKey] = session

	return displaced
}

// TakeAndClear atomically returns the buffered segment for key and empties it.
// It returns nil if the key is absent.
func (s *Store) TakeAndClear(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[key]
	if !exists {
		return nil
	}

	data := session.buffer
	session.buffer = nil
	session.segments++
	session.LastActivity = time.Now()

	return data
}

// Remove deletes the session for key. It reports whether an entry was removed.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[key]; !exists {
		return false
	}

	delete(s.sessions, key)
	return true
}

// Release deletes the session for key only if it was created by origin, so a
// closing connection never removes an entry another connection has claimed.
func (s *Store) Release(key, origin string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[key]
	if !exists || session.Origin != origin {
		return false
	}

	delete(s.sessions, key)
	return true
}

// Len returns the number of active sessions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Get returns a snapshot of the session for key
func (s *Store) Get(key string) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[key]
	if !exists {
		return Info{}, false
	}

	return session.info(key), true
}

// Snapshot returns a snapshot of all active sessions
func (s *Store) Snapshot() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]Info, 0, len(s.sessions))
	for key, session := range s.sessions {
		infos = append(infos, session.info(key))
	}

	return infos
}

// BufferedBytes returns the total number of bytes buffered across all sessions
func (s *Store) BufferedBytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int
	for _, session := range s.sessions {
		total += len(session.buffer)
	}
	return total
}

func newSession(origin string) *Session {
	now := time.Now()
	return &Session{
		Origin:       origin,
		CreatedAt:    now,
		LastActivity: now,
	}
}

func (s *Session) info(key string) Info {
	return Info{
		Key:           key,
		Origin:        s.Origin,
		BufferedBytes: len(s.buffer),
		TotalBytes:    s.totalBytes,
		Segments:      s.segments,
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.LastActivity,
	}
}
