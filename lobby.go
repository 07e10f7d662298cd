package main

import (
	"crypto/rand"
	"encoding/json"
	"sync"
)

// Join codes avoid characters that read ambiguously on a phone screen
// (no I/O/0/1). The alphabet length divides 256, so modulo is unbiased.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 5
)

// sender is the write half of a client connection. Send reports false once
// the connection is closed or its queue is full; callers never block on it.
type sender interface {
	Send(payload []byte) bool
	Open() bool
}

// connIdent ties a connection to the player and lobby it joined as.
type connIdent struct {
	playerID string
	code     string
	name     string
}

// Registry maps live connections to their lobby membership. It is the only
// structure the read pumps consult, so its lock is never held while game
// state locks are taken.
type Registry struct {
	mu      sync.RWMutex
	entries map[sender]connIdent
}

func newRegistry() *Registry {
	return &Registry{
		entries: make(map[sender]connIdent),
	}
}

func (reg *Registry) add(c sender, ident connIdent) {
	reg.mu.Lock()
	reg.entries[c] = ident
	reg.mu.Unlock()
}

func (reg *Registry) lookup(c sender) (connIdent, bool) {
	reg.mu.RLock()
	ident, ok := reg.entries[c]
	reg.mu.RUnlock()

	return ident, ok
}

func (reg *Registry) remove(c sender) (connIdent, bool) {
	reg.mu.Lock()
	ident, ok := reg.entries[c]
	if ok {
		delete(reg.entries, c)
	}
	reg.mu.Unlock()

	return ident, ok
}

// lobbySenders snapshots the connections currently joined to a lobby so
// broadcasts happen outside the registry lock.
func (reg *Registry) lobbySenders(code string) []sender {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var conns []sender
	for c, ident := range reg.entries {
		if ident.code == code {
			conns = append(conns, c)
		}
	}

	return conns
}

// playerSender finds the connection a given player joined on, if it is
// still registered.
func (reg *Registry) playerSender(code, playerID string) (sender, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	for c, ident := range reg.entries {
		if ident.code == code && ident.playerID == playerID {
			return c, true
		}
	}

	return nil, false
}

// broadcast marshals an event once and fans it out to every open connection
// in the lobby. Slow consumers drop the frame rather than stalling the rest.
func (reg *Registry) broadcast(code string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	for _, c := range reg.lobbySenders(code) {
		if c.Open() {
			c.Send(data)
		}
	}
}

// sendEvent marshals an event for a single connection.
func sendEvent(c sender, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	c.Send(data)
}

// Directory holds every live lobby keyed by join code.
type Directory struct {
	mu      sync.Mutex
	lobbies map[string]*Lobby
}

func newDirectory() *Directory {
	return &Directory{
		lobbies: make(map[string]*Lobby),
	}
}

// newCode generates a crypto-random join code.
func newCode() string {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}

	out := make([]byte, codeLength)
	for i := range out {
		out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}

	return string(out)
}

// create inserts a new lobby under a fresh join code, retrying the rare
// collision with an existing one.
func (dir *Directory) create(cfg *Config, reg *Registry) *Lobby {
	dir.mu.Lock()
	defer dir.mu.Unlock()

	for {
		code := newCode()
		if _, exists := dir.lobbies[code]; exists {
			continue
		}

		lobby := newLobby(cfg, reg, code)
		dir.lobbies[code] = lobby

		return lobby
	}
}

func (dir *Directory) lookup(code string) (*Lobby, bool) {
	dir.mu.Lock()
	lobby, ok := dir.lobbies[code]
	dir.mu.Unlock()

	return lobby, ok
}

func (dir *Directory) remove(code string) {
	dir.mu.Lock()
	delete(dir.lobbies, code)
	dir.mu.Unlock()
}

func (dir *Directory) count() int {
	dir.mu.Lock()
	defer dir.mu.Unlock()

	return len(dir.lobbies)
}
