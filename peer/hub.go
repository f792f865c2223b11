package peer

import (
	"bytes"
	"sync"

	"github.com/google/uuid"
)

// Hub connects in-process peers. It is what tests and single-process
// deployments use in place of a network.
type Hub struct {
	mu    sync.Mutex
	peers map[string]*HubPeer
}

func NewHub() *Hub {
	return &Hub{peers: make(map[string]*HubPeer)}
}

// Join adds a new peer with a random ID.
func (hub *Hub) Join() *HubPeer {
	p := &HubPeer{
		hub:  hub,
		id:   uuid.NewString(),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	hub.mu.Lock()
	hub.peers[p.id] = p
	hub.mu.Unlock()

	p.wg.Add(1)
	go p.loop()
	return p
}

func (hub *Hub) others(except string) []*HubPeer {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	result := make([]*HubPeer, 0, len(hub.peers))
	for id, p := range hub.peers {
		if id != except {
			result = append(result, p)
		}
	}
	return result
}

func (hub *Hub) lookup(id string) *HubPeer {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return hub.peers[id]
}

func (hub *Hub) leave(id string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	delete(hub.peers, id)
}

type hubMessage struct {
	from    string
	payload []byte
}

type HubPeer struct {
	hub      *Hub
	id       string
	handlers handlers

	mu     sync.Mutex
	queue  []hubMessage
	closed bool
	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ Channel = (*HubPeer)(nil)

func (p *HubPeer) ID() string { return p.id }

func (p *HubPeer) Subscribe(h Handler) { p.handlers.add(h) }

func (p *HubPeer) Broadcast(payload []byte) error {
	if p.isClosed() {
		return ErrClosed
	}
	for _, other := range p.hub.others(p.id) {
		other.deliver(p.id, payload)
	}
	return nil
}

// Send to an unknown or departed peer is silently dropped, as it would be
// on a network.
func (p *HubPeer) Send(to string, payload []byte) error {
	if p.isClosed() {
		return ErrClosed
	}
	if other := p.hub.lookup(to); other != nil && other != p {
		other.deliver(p.id, payload)
	}
	return nil
}

func (p *HubPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *HubPeer) deliver(from string, payload []byte) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, hubMessage{from, bytes.Clone(payload)})
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *HubPeer) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		for {
			p.mu.Lock()
			if len(p.queue) == 0 || p.closed {
				p.mu.Unlock()
				break
			}
			msg := p.queue[0]
			p.queue[0] = hubMessage{}
			p.queue = p.queue[1:]
			p.mu.Unlock()

			p.handlers.dispatch(msg.from, msg.payload)
		}
	}
}

// Close leaves the hub and drops undelivered messages. It does not wait for
// a handler that is already running; use Wait for that.
func (p *HubPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	p.mu.Unlock()

	p.hub.leave(p.id)
	close(p.done)
	return nil
}

// Wait blocks until the delivery goroutine has exited after Close.
func (p *HubPeer) Wait() {
	p.wg.Wait()
}
