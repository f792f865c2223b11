package kv

import (
	"encoding/hex"
	"reflect"
	"runtime"
	"testing"
)

type testItem struct {
	k, v []byte
}

func testCursor(keys ...[]byte) *SliceCursor[testItem] {
	items := make([]testItem, len(keys))
	for i, k := range keys {
		items[i] = testItem{k, k}
	}
	return NewSliceCursor(items, func(it *testItem) []byte { return it.k }, func(it *testItem) []byte { return it.v })
}

func TestRangeCursor(t *testing.T) {
	var (
		kb = []byte{0x10}
		k1 = []byte{0x11, 0x01}
		k2 = []byte{0x11, 0x02}
		k3 = []byte{0x11, 0x03}
		k4 = []byte{0x11, 0x04}
		ke = []byte{0x12}
	)
	all := []([]byte){kb, k1, k2, k3, k4, ke}

	o := func(name string, rng Range, reverse bool, limit int, exp ...[]byte) {
		t.Helper()
		t.Run(name, func(t *testing.T) {
			rc := NewRangeCursor(testCursor(all...), rng, reverse, limit, nil)
			var out, expstr []string
			for rc.Next() {
				out = append(out, hex.EncodeToString(rc.Key()))
			}
			for _, k := range exp {
				expstr = append(expstr, hex.EncodeToString(k))
			}
			if !reflect.DeepEqual(out, expstr) {
				t.Errorf("** got %v, wanted %v", out, expstr)
			}
		})
	}

	o("all", Range{}, false, 0, kb, k1, k2, k3, k4, ke)
	o("all reverse", Range{}, true, 0, ke, k4, k3, k2, k1, kb)
	o("limit", Range{}, false, 2, kb, k1)
	o("limit reverse", Range{}, true, 2, ke, k4)

	o("lower inc", Range{Gte: k2}, false, 0, k2, k3, k4, ke)
	o("lower exc", Range{Gt: k2}, false, 0, k3, k4, ke)
	o("lower inc reverse", Range{Gte: k2}, true, 0, ke, k4, k3, k2)
	o("lower exc reverse", Range{Gt: k2}, true, 0, ke, k4, k3)

	o("upper inc", Range{Lte: k3}, false, 0, kb, k1, k2, k3)
	o("upper exc", Range{Lt: k3}, false, 0, kb, k1, k2)
	o("upper inc reverse", Range{Lte: k3}, true, 0, k3, k2, k1, kb)
	o("upper exc reverse", Range{Lt: k3}, true, 0, k2, k1, kb)

	o("both", Range{Gt: k1, Lt: k4}, false, 0, k2, k3)
	o("both reverse", Range{Gt: k1, Lt: k4}, true, 0, k3, k2)
	o("prefix", Range{Gte: []byte{0x11}, Lte: []byte{0x11, 0xFF}}, false, 0, k1, k2, k3, k4)
	o("prefix reverse", Range{Gte: []byte{0x11}, Lte: []byte{0x11, 0xFF}}, true, 0, k4, k3, k2, k1)

	o("missing lower", Range{Gt: []byte{0x11, 0x02, 0x00}}, false, 0, k3, k4, ke)
	o("missing upper reverse", Range{Lt: []byte{0x11, 0x02, 0x00}}, true, 0, k2, k1, kb)
	o("past end", Range{Gt: []byte{0x13}}, false, 0)
	o("before start reverse", Range{Lt: []byte{0x01}}, true, 0)
	o("empty", Range{Gte: k3, Lt: k2}, false, 0)
}

func TestRangeContains(t *testing.T) {
	r := Range{Gt: []byte{1}, Lte: []byte{3}}
	for _, c := range []struct {
		key []byte
		exp bool
	}{
		{[]byte{1}, false},
		{[]byte{1, 0}, true},
		{[]byte{3}, true},
		{[]byte{3, 0}, false},
	} {
		if a := r.Contains(c.key); a != c.exp {
			t.Errorf("Contains(%x) = %v, wanted %v", c.key, a, c.exp)
		}
	}
}

func TestTrackerCloseWaits(t *testing.T) {
	var tr Tracker
	if err := tr.Acquire(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		tr.CloseAndWait()
		close(done)
	}()
	for !tr.Closed() {
		runtime.Gosched()
	}
	select {
	case <-done:
		t.Fatal("CloseAndWait returned with an open snapshot")
	default:
	}
	if err := tr.Acquire(); err != ErrClosed {
		t.Errorf("Acquire after close = %v, wanted ErrClosed", err)
	}
	tr.Release()
	<-done
}
