package logkv

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/layerdb/kv"
)

// block is the payload of one journal record: the ops of a single commit,
// sorted by key.
type block struct {
	Ops []blockOp `msgpack:"o"`
}

type blockOp struct {
	Key   []byte `msgpack:"k"`
	Value []byte `msgpack:"v"`
	Del   bool   `msgpack:"d,omitempty"`
}

// newBlock sorts ops by key. When a key repeats, the last op wins.
func newBlock(ops []kv.Op) *block {
	b := &block{Ops: make([]blockOp, 0, len(ops))}
	for _, op := range ops {
		b.Ops = append(b.Ops, blockOp{Key: bytes.Clone(op.Key), Value: bytes.Clone(op.Value), Del: op.IsDelete()})
	}
	slices.SortStableFunc(b.Ops, func(a, b blockOp) int {
		return bytes.Compare(a.Key, b.Key)
	})
	out := b.Ops[:0]
	for i, op := range b.Ops {
		if i+1 < len(b.Ops) && bytes.Equal(op.Key, b.Ops[i+1].Key) {
			continue
		}
		out = append(out, op)
	}
	b.Ops = out
	return b
}

func encodeBlock(b *block) ([]byte, error) {
	raw, err := msgpack.Marshal(b)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decodeBlock(data []byte) (*block, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("logkv: block: %w", err)
	}
	b := new(block)
	if err := msgpack.Unmarshal(raw, b); err != nil {
		return nil, fmt.Errorf("logkv: block: %w", err)
	}
	for i := range b.Ops {
		if !b.Ops[i].Del && b.Ops[i].Value == nil {
			b.Ops[i].Value = []byte{}
		}
	}
	return b, nil
}
