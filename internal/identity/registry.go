package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// minTunnelIDLen is the spec's "≥ 11 printable chars" invariant.
const minTunnelIDLen = 11

// live tracks which tunnel_id is currently bound to a socket, in-memory
// only — disk only remembers name/last_seen, never connection state
// (per §4.3: "never stored by the tunnel beyond the connection lifetime").
type live struct {
	mu    sync.Mutex
	socks map[string]any // tunnel_id -> opaque socket handle
}

// Registry is the tunnel's identity registry: durable store plus in-memory
// live-claim bookkeeping and the registration/reclaim algorithm of §4.3.
type Registry struct {
	store *Store
	live  live

	// OnOnline/OnOffline fire after a tunnel_id's live binding changes,
	// letting the forwarder broadcast connection.workstation_online /
	// offline to bound clients.
	OnOnline  func(tunnelID string)
	OnOffline func(tunnelID string)
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store *Store) *Registry {
	return &Registry{
		store: store,
		live:  live{socks: make(map[string]any)},
	}
}

// RegisterResult is the outcome of Register.
type RegisterResult struct {
	TunnelID string
	Restored bool
}

// Register implements the §4.3 algorithm. sock is an opaque handle
// (typically a *wsconn.Conn) identifying the caller's socket; it is only
// used for live-claim bookkeeping and equality checks, never inspected.
func (r *Registry) Register(ctx context.Context, name, previousTunnelID string, sock any) (RegisterResult, error) {
	r.live.mu.Lock()
	defer r.live.mu.Unlock()

	if previousTunnelID != "" {
		if _, claimed := r.live.socks[previousTunnelID]; !claimed {
			if _, exists, err := r.store.Get(ctx, previousTunnelID); err != nil {
				return RegisterResult{}, err
			} else if exists {
				// Reclaim: bind it to this socket whether this is a restart
				// reload or an in-memory takeover — both report
				// restored:true per §4.3 step 2.
				r.live.socks[previousTunnelID] = sock
				if err := r.store.Put(ctx, Record{TunnelID: previousTunnelID, Name: name, LastSeen: time.Now()}); err != nil {
					return RegisterResult{}, err
				}
				if r.OnOnline != nil {
					r.OnOnline(previousTunnelID)
				}
				return RegisterResult{TunnelID: previousTunnelID, Restored: true}, nil
			}
			// previous_tunnel_id names an identity this tunnel never
			// issued (or long expired): fall through to a fresh allocation.
		}
		// Someone else holds it live: duplicate claims always resolve in
		// favor of the incumbent, so this caller falls through to
		// allocating a fresh id.
	}

	id, err := newTunnelID()
	if err != nil {
		return RegisterResult{}, fmt.Errorf("identity: allocate id: %w", err)
	}
	r.live.socks[id] = sock
	if err := r.store.Put(ctx, Record{TunnelID: id, Name: name, LastSeen: time.Now()}); err != nil {
		return RegisterResult{}, err
	}
	if r.OnOnline != nil {
		r.OnOnline(id)
	}
	return RegisterResult{TunnelID: id, Restored: false}, nil
}

// Release drops the live claim on tunnelID if sock is still the holder,
// firing OnOffline. A stale Release (sock no longer matches, because a
// newer socket already reclaimed the id) is a no-op — the incumbent's
// claim must not be clobbered.
func (r *Registry) Release(tunnelID string, sock any) {
	r.live.mu.Lock()
	cur, ok := r.live.socks[tunnelID]
	if !ok || cur != sock {
		r.live.mu.Unlock()
		return
	}
	delete(r.live.socks, tunnelID)
	r.live.mu.Unlock()

	if r.OnOffline != nil {
		r.OnOffline(tunnelID)
	}
}

// IsLive reports whether tunnelID currently has a bound socket.
func (r *Registry) IsLive(tunnelID string) bool {
	r.live.mu.Lock()
	defer r.live.mu.Unlock()
	_, ok := r.live.socks[tunnelID]
	return ok
}

func newTunnelID() (string, error) {
	// 12 random bytes -> 16 base64url chars, comfortably over the
	// minTunnelIDLen invariant and URL-safe per §4.3.
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	id := base64.RawURLEncoding.EncodeToString(buf)
	if len(id) < minTunnelIDLen {
		return "", fmt.Errorf("identity: generated id too short: %q", id)
	}
	return id, nil
}
