// Package audio implements the AudioStore (§ GLOSSARY) and the STT/TTS
// collaborator contracts session.Session calls into for session.execute
// audio turns. Audio bytes are always fetched out-of-band via
// audio.request/audio.response — never inlined in sync or history — so
// the store only needs to answer "do you have message_id's bytes" cheaply
// and forget old entries on its own.
package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MaxEntries bounds the store by count; MaxAge bounds it by age. Both
// apply — an LRU capacity alone doesn't protect against a single quiet
// session.execute turn's blocks outliving their usefulness.
const (
	MaxEntries = 4096
	MaxAge     = 30 * time.Minute
)

var ErrNotFound = errors.New("audio: not found")

type entry struct {
	audioBase64 string
	storedAt    time.Time
}

// Store is the append-only, message_id-keyed audio byte store.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, entry]
}

// NewStore creates a Store bounded to MaxEntries.
func NewStore() *Store {
	cache, err := lru.New[string, entry](MaxEntries)
	if err != nil {
		// Only returns an error for a non-positive size, which MaxEntries
		// never is.
		panic(err)
	}
	return &Store{cache: cache}
}

// Put stores audioBase64 under messageID, keyed by the content it
// belongs to (transcription input or synthesized voice output).
func (s *Store) Put(messageID, audioBase64 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(messageID, entry{audioBase64: audioBase64, storedAt: time.Now()})
}

// Get returns the audio bytes for messageID, or ErrNotFound if absent or
// aged out past MaxAge.
func (s *Store) Get(messageID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache.Get(messageID)
	if !ok {
		return "", ErrNotFound
	}
	if time.Since(e.storedAt) > MaxAge {
		s.cache.Remove(messageID)
		return "", ErrNotFound
	}
	return e.audioBase64, nil
}

// STT transcribes a base64-encoded audio clip to text. Implemented by a
// concrete provider client wired in cmd/workstation; satisfies
// session.STT structurally.
type STT interface {
	Transcribe(ctx context.Context, audioBase64, format string) (text string, err error)
}

// TTS synthesizes text to a base64-encoded audio clip. Satisfies
// session.TTS structurally.
type TTS interface {
	Synthesize(ctx context.Context, text string) (audioBase64 string, duration float64, err error)
}
