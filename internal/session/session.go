// Package session keeps a process-local cache of conversation transcripts,
// keyed by caller-supplied session id. Entries expire SESSION_TTL after
// their last access; an expired (or never-seen) session is rehydrated from
// the durable chat store, so losing the cache never loses a conversation.
package session

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/fininsight/agent-backend/internal/logger"
	"github.com/fininsight/agent-backend/internal/store"
)

// ErrNotFound is returned when a session id or turn id is unknown.
var ErrNotFound = errors.New("session: not found")

// DefaultTTL is how long a cached transcript survives without access.
const DefaultTTL = 86400 * time.Second

// DefaultSystemInstruction seeds transcript[0] of every fresh session.
const DefaultSystemInstruction = "You are a helpful assistant."

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a transcript. ID is the persisted chat id of the
// exchange the turn belongs to (zero until persisted). Assistant turns carry
// PairID, the id of their originating user turn, so correction never relies
// on transcript positions.
type Turn struct {
	ID      int64  `json:"id,omitempty"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	BotName string `json:"bot_name,omitempty"`
	PairID  int64  `json:"pair_id,omitempty"`
}

// HistoryLoader is the slice of the chat store rehydration depends on.
type HistoryLoader interface {
	LoadHistory(sessionID string) ([]store.ChatRecord, error)
}

type session struct {
	mu         sync.Mutex
	transcript []Turn
	lastAccess time.Time
}

const shardCount = 16

type shard struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// Store is the lock-striped session cache. Operations on different session
// ids never block each other; operations on the same id are serialized by a
// per-session mutex.
type Store struct {
	loader HistoryLoader
	log    *logger.Logger
	ttl    time.Duration
	now    func() time.Time

	shards [shardCount]*shard
}

// Option tweaks Store construction. Used by tests to control the clock.
type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

func NewStore(loader HistoryLoader, log *logger.Logger, opts ...Option) *Store {
	s := &Store{
		loader: loader,
		log:    log,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]*session)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return s.shards[h.Sum32()%shardCount]
}

// entry returns the cached session, creating an empty placeholder if needed.
func (s *Store) entry(sessionID string) *session {
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[sessionID]
	if !ok {
		sess = &session{}
		sh.sessions[sessionID] = sess
	}
	return sess
}

func (s *Store) lookup(sessionID string) (*session, bool) {
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[sessionID]
	return sess, ok
}

// GetOrCreate resolves the session's transcript, rehydrating from the chat
// store when the session is new or its cache entry has gone stale. The
// instruction seeds transcript[0] when no persisted history names one; pass
// "" for the default. The returned slice is a snapshot the caller owns.
func (s *Store) GetOrCreate(sessionID, instruction string) ([]Turn, error) {
	if instruction == "" {
		instruction = DefaultSystemInstruction
	}

	sess := s.entry(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	now := s.now()
	if len(sess.transcript) == 0 || now.Sub(sess.lastAccess) > s.ttl {
		transcript, err := s.rehydrate(sessionID, instruction)
		if err != nil {
			return nil, err
		}
		sess.transcript = transcript
	}
	sess.lastAccess = now

	return snapshot(sess.transcript), nil
}

// rehydrate rebuilds a transcript from persisted exchanges, oldest first.
// Each exchange contributes a user turn carrying its chat id and, when an
// answer was recorded, an assistant turn paired to it.
func (s *Store) rehydrate(sessionID, instruction string) ([]Turn, error) {
	records, err := s.loader.LoadHistory(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to rehydrate session %s: %w", sessionID, err)
	}

	transcript := []Turn{{Role: RoleSystem, Content: instruction}}
	for _, rec := range records {
		transcript = append(transcript, Turn{
			ID:      rec.ID,
			Role:    RoleUser,
			Content: rec.UserInput,
		})
		if rec.BotOutput != "" {
			transcript = append(transcript, Turn{
				Role:    RoleAssistant,
				Content: rec.BotOutput,
				BotName: rec.BotName,
				PairID:  rec.ID,
			})
		}
	}

	if len(records) > 0 {
		s.log.Debug("rehydrated session from chat store", "session_id", sessionID, "exchanges", len(records))
	}
	return transcript, nil
}

// Append adds a turn to an already-resolved session and refreshes its last
// access time. Appending to a session that was never resolved is an error;
// callers go through GetOrCreate first.
func (s *Store) Append(sessionID string, turn Turn) error {
	sess, ok := s.lookup(sessionID)
	if !ok {
		return fmt.Errorf("cannot append to session %s: %w", sessionID, ErrNotFound)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.transcript) == 0 {
		return fmt.Errorf("cannot append to session %s: %w", sessionID, ErrNotFound)
	}
	sess.transcript = append(sess.transcript, turn)
	sess.lastAccess = s.now()
	return nil
}

// Transcript returns a snapshot of the cached transcript without touching
// TTL bookkeeping.
func (s *Store) Transcript(sessionID string) ([]Turn, error) {
	sess, ok := s.lookup(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.transcript) == 0 {
		return nil, ErrNotFound
	}
	return snapshot(sess.transcript), nil
}

// Correct overwrites the user turn identified by chatID and its paired
// assistant turn. The pairing is resolved by the assistant turn's PairID,
// never by adjacency, so reordered or filtered transcripts stay correctable.
// The transcript length is unchanged.
func (s *Store) Correct(sessionID string, chatID int64, newUserInput, newBotOutput string) error {
	sess, ok := s.lookup(sessionID)
	if !ok {
		return ErrNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	userIdx := -1
	assistantIdx := -1
	for i, t := range sess.transcript {
		switch {
		case t.Role == RoleUser && t.ID == chatID:
			userIdx = i
		case t.Role == RoleAssistant && t.PairID == chatID:
			assistantIdx = i
		}
	}
	if userIdx == -1 {
		return fmt.Errorf("no turn with chat id %d in session %s: %w", chatID, sessionID, ErrNotFound)
	}

	sess.transcript[userIdx].Content = newUserInput
	if assistantIdx != -1 {
		sess.transcript[assistantIdx].Content = newBotOutput
	}
	sess.lastAccess = s.now()
	return nil
}

func snapshot(transcript []Turn) []Turn {
	out := make([]Turn, len(transcript))
	copy(out, transcript)
	return out
}
