package layerdb

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/layerdb/kv"
	"github.com/andreyvit/layerdb/peer"
)

// FlushBatch is the most block ids a single CACHE message carries.
const FlushBatch = 128

type msgType int

const (
	msgGet   msgType = 1
	msgCache msgType = 2
)

func (t msgType) String() string {
	switch t {
	case msgGet:
		return "get"
	case msgCache:
		return "cache"
	default:
		return "unknown"
	}
}

type extMessage struct {
	Type       msgType  `msgpack:"t"`
	Version    uint64   `msgpack:"v,omitempty"`
	Collection string   `msgpack:"c,omitempty"`
	Range      *Query   `msgpack:"r,omitempty"`
	Query      Doc      `msgpack:"q,omitempty"`
	Blocks     []uint64 `msgpack:"b,omitempty"`
	Start      uint64   `msgpack:"s,omitempty"`
	End        uint64   `msgpack:"e,omitempty"`
}

// Extension lets peers holding a replica of the same log ask each other
// which blocks a read needs. A peer answering a GET runs the read at the
// requested log length and replies with CACHE hints naming every block it
// touched; the requester prefetches them.
type Extension struct {
	db     *DB
	ch     peer.Channel
	length kv.Lengther
	dl     kv.Downloader
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// RegisterExtension subscribes to the channel on behalf of db. It returns
// nil when the engine is not log-backed.
func RegisterExtension(db *DB, ch peer.Channel) *Extension {
	length, ok := db.engine.(kv.Lengther)
	if !ok {
		return nil
	}
	ext := &Extension{
		db:     db,
		ch:     ch,
		length: length,
		logger: db.logger.With("peer", ch.ID()),
	}
	ext.dl, _ = db.engine.(kv.Downloader)
	ext.ctx, ext.cancel = context.WithCancel(context.Background())
	ch.Subscribe(ext.receive)
	return ext
}

// Get asks the other peers to resolve a read of a collection or index at
// the given log length: a range query when rng is non-nil, a point read of
// query otherwise.
func (ext *Extension) Get(version uint64, collection string, rng *Query, query Doc) error {
	return ext.broadcast(extMessage{
		Type:       msgGet,
		Version:    version,
		Collection: collection,
		Range:      rng,
		Query:      query,
	})
}

// Close stops answering and waits for in-flight work.
func (ext *Extension) Close() {
	ext.mu.Lock()
	ext.closed = true
	ext.mu.Unlock()
	ext.cancel()
	ext.wg.Wait()
}

func (ext *Extension) spawn(f func()) {
	ext.mu.Lock()
	defer ext.mu.Unlock()
	if ext.closed {
		return
	}
	ext.wg.Add(1)
	go func() {
		defer ext.wg.Done()
		f()
	}()
}

func (ext *Extension) broadcast(m extMessage) error {
	data, err := msgpack.Marshal(&m)
	if err != nil {
		return err
	}
	ext.db.metrics.extensionMessages.WithLabelValues(m.Type.String(), "out").Inc()
	return ext.ch.Broadcast(data)
}

func (ext *Extension) send(to string, m extMessage) error {
	data, err := msgpack.Marshal(&m)
	if err != nil {
		return err
	}
	ext.db.metrics.extensionMessages.WithLabelValues(m.Type.String(), "out").Inc()
	return ext.ch.Send(to, data)
}

func decodeExtMessage(data []byte) (extMessage, error) {
	var m extMessage
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	err := dec.Decode(&m)
	return m, err
}

// receive runs on the channel's goroutine, so the work is handed off.
func (ext *Extension) receive(from string, payload []byte) {
	if ext.ctx.Err() != nil {
		return
	}
	m, err := decodeExtMessage(payload)
	if err != nil {
		ext.logger.Warn("extension: bad message", "from", from, "err", err)
		return
	}
	ext.db.metrics.extensionMessages.WithLabelValues(m.Type.String(), "in").Inc()

	switch m.Type {
	case msgGet:
		ext.spawn(func() { ext.answer(from, m) })
	case msgCache:
		if ext.dl == nil {
			return
		}
		ext.spawn(func() {
			if err := ext.dl.Download(ext.ctx, m.Blocks, m.Start, m.End); err != nil {
				ext.logger.Warn("extension: download failed", "from", from, "blocks", len(m.Blocks), "err", err)
			}
		})
	default:
		ext.logger.Warn("extension: unknown message type", "from", from, "type", int(m.Type))
	}
}

// answer replays the read at the requested length and reports the touched
// blocks to the requester. Requests for a length this replica has not
// reached are ignored.
func (ext *Extension) answer(to string, m extMessage) {
	if m.Version == 0 || m.Version > ext.length.Length() {
		return
	}

	var mu sync.Mutex
	var batch []uint64
	seen := make(map[uint64]bool)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		reply := extMessage{
			Type:   msgCache,
			Blocks: batch,
			Start:  slices.Min(batch),
			End:    slices.Max(batch) + 1,
		}
		batch = nil
		if err := ext.send(to, reply); err != nil {
			ext.logger.Warn("extension: reply failed", "to", to, "err", err)
		}
	}
	onBlock := func(seq uint64) {
		mu.Lock()
		defer mu.Unlock()
		if seen[seq] {
			return
		}
		seen[seq] = true
		batch = append(batch, seq)
		if len(batch) >= FlushBatch {
			flush()
		}
	}

	tx := ext.db.Transaction()
	defer tx.Close()
	var err error
	if m.Range != nil {
		q := *m.Range
		q.Checkout = m.Version
		_, err = tx.query(ext.ctx, m.Collection, q, onBlock).ToArray(ext.ctx)
	} else {
		_, err = tx.get(ext.ctx, m.Collection, m.Query, Query{Checkout: m.Version}, onBlock)
	}
	if err != nil {
		ext.logger.Warn("extension: read failed", "to", to, "collection", m.Collection, "version", m.Version, "err", err)
	}

	mu.Lock()
	flush()
	mu.Unlock()
}
