// Package forwarder implements the tunnel's routing tables: workstation
// and client sockets keyed by tunnel_id, presence broadcast, and per-client
// rate limiting. Grounded on the teacher's pty.Hub broadcast pattern (a map
// of output channels fanned out to with non-blocking sends), lifted from
// per-PTY output fan-out to per-tunnel message fan-out.
package forwarder

import (
	"sync"
)

// Sender is anything the forwarder can hand a frame to. *wsconn.Conn and
// the long-poll virtual client both satisfy it.
type Sender interface {
	Send(data []byte)
}

type binding struct {
	workstation Sender
	clients     map[string]Sender // device_id -> sender
}

// Forwarder routes frames by tunnel_id between one workstation socket and
// any number of client sockets.
type Forwarder struct {
	mu       sync.RWMutex
	bindings map[string]*binding // tunnel_id -> binding
}

// New creates an empty Forwarder.
func New() *Forwarder {
	return &Forwarder{bindings: make(map[string]*binding)}
}

// BindWorkstation attaches the workstation socket for tunnel_id, replacing
// any prior one (the identity registry has already resolved incumbency
// before this is called).
func (f *Forwarder) BindWorkstation(tunnelID string, sender Sender) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bindingLocked(tunnelID)
	b.workstation = sender
}

// UnbindWorkstation clears the workstation socket if it still matches
// sender (stale calls from a superseded socket are ignored).
func (f *Forwarder) UnbindWorkstation(tunnelID string, sender Sender) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bindings[tunnelID]
	if !ok || b.workstation != sender {
		return
	}
	b.workstation = nil
}

// BindClient attaches a client's device_id to tunnel_id.
func (f *Forwarder) BindClient(tunnelID, deviceID string, sender Sender) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bindingLocked(tunnelID)
	b.clients[deviceID] = sender
}

// UnbindClient detaches a client.
func (f *Forwarder) UnbindClient(tunnelID, deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bindings[tunnelID]
	if !ok {
		return
	}
	delete(b.clients, deviceID)
}

func (f *Forwarder) bindingLocked(tunnelID string) *binding {
	b, ok := f.bindings[tunnelID]
	if !ok {
		b = &binding{clients: make(map[string]Sender)}
		f.bindings[tunnelID] = b
	}
	return b
}

// ToWorkstation forwards a client-originated frame to the bound
// workstation. Returns false if there is none (caller replies
// WORKSTATION_OFFLINE).
func (f *Forwarder) ToWorkstation(tunnelID string, data []byte) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.bindings[tunnelID]
	if !ok || b.workstation == nil {
		return false
	}
	b.workstation.Send(data)
	return true
}

// ToClients fans a workstation-originated frame out to every bound client
// socket for tunnelID.
func (f *Forwarder) ToClients(tunnelID string, data []byte) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.bindings[tunnelID]
	if !ok {
		return
	}
	for _, c := range b.clients {
		c.Send(data)
	}
}

// BroadcastPresence sends data (an online/offline envelope) to every client
// bound to tunnelID. The tunnel injects these itself, never the
// workstation.
func (f *Forwarder) BroadcastPresence(tunnelID string, data []byte) {
	f.ToClients(tunnelID, data)
}
