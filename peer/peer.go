// Package peer carries extension messages between replicas of a database.
//
// A Channel delivers each subscriber the messages of one peer in the order
// they were sent, on a goroutine owned by the channel. Handlers may send
// from within a callback.
package peer

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("peer: channel closed")

// Handler receives a message. payload is owned by the handler.
type Handler func(from string, payload []byte)

type Channel interface {
	// ID returns this peer's identifier as seen by the others.
	ID() string

	// Broadcast delivers payload to every other peer.
	Broadcast(payload []byte) error

	// Send delivers payload to a single peer.
	Send(to string, payload []byte) error

	Subscribe(h Handler)
	Close() error
}

// handlers is a copy-on-write subscriber list.
type handlers struct {
	mu   sync.Mutex
	list []Handler
}

func (hs *handlers) add(h Handler) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.list = append(hs.list[:len(hs.list):len(hs.list)], h)
}

func (hs *handlers) dispatch(from string, payload []byte) {
	hs.mu.Lock()
	list := hs.list
	hs.mu.Unlock()
	for _, h := range list {
		h(from, payload)
	}
}
