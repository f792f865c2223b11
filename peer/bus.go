package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/bus"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

type BusOptions struct {
	// ID defaults to a random UUID.
	ID string

	// Listen and Dial are mangos addresses such as "tcp://127.0.0.1:4500"
	// or "inproc://replicas".
	Listen []string
	Dial   []string

	Logger *slog.Logger
}

// Bus is a Channel over a mangos BUS socket. Every connected peer sees every
// message; Send is a broadcast that only the addressee accepts.
type Bus struct {
	id       string
	sock     mangos.Socket
	logger   *slog.Logger
	handlers handlers

	closeOnce sync.Once
	done      chan struct{}
}

var _ Channel = (*Bus)(nil)

type envelope struct {
	From    string `msgpack:"f"`
	To      string `msgpack:"t,omitempty"`
	Payload []byte `msgpack:"p"`
}

func NewBus(o BusOptions) (*Bus, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	sock, err := bus.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("peer: bus socket: %w", err)
	}
	b := &Bus{
		id:     o.ID,
		sock:   sock,
		logger: o.Logger,
		done:   make(chan struct{}),
	}
	for _, addr := range o.Listen {
		if err := sock.Listen(addr); err != nil {
			sock.Close()
			return nil, fmt.Errorf("peer: listen %s: %w", addr, err)
		}
	}
	for _, addr := range o.Dial {
		if err := b.Dial(addr); err != nil {
			sock.Close()
			return nil, err
		}
	}
	go b.recvLoop()
	return b, nil
}

// Dial connects to another peer's listen address. The connection is retried
// in the background if the peer is not up yet.
func (b *Bus) Dial(addr string) error {
	err := b.sock.DialOptions(addr, map[string]interface{}{
		mangos.OptionDialAsynch: true,
	})
	if err != nil {
		return fmt.Errorf("peer: dial %s: %w", addr, err)
	}
	return nil
}

func (b *Bus) ID() string { return b.id }

func (b *Bus) Subscribe(h Handler) { b.handlers.add(h) }

func (b *Bus) Broadcast(payload []byte) error {
	return b.send(envelope{From: b.id, Payload: payload})
}

func (b *Bus) Send(to string, payload []byte) error {
	return b.send(envelope{From: b.id, To: to, Payload: payload})
}

func (b *Bus) send(env envelope) error {
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return err
	}
	err = b.sock.Send(data)
	if errors.Is(err, mangos.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (b *Bus) recvLoop() {
	defer close(b.done)
	for {
		data, err := b.sock.Recv()
		if errors.Is(err, mangos.ErrClosed) {
			return
		} else if err != nil {
			b.logger.Warn("peer: recv failed", "peer", b.id, "err", err)
			continue
		}

		var env envelope
		if err := msgpack.Unmarshal(data, &env); err != nil {
			b.logger.Warn("peer: dropping malformed message", "peer", b.id, "err", err)
			continue
		}
		if env.From == b.id || (env.To != "" && env.To != b.id) {
			continue
		}
		b.handlers.dispatch(env.From, env.Payload)
	}
}

// Close shuts the socket down and waits for the receive loop to exit. It
// must not be called from a handler.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.sock.Close()
		<-b.done
	})
	return err
}
