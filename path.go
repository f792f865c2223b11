package layerdb

import (
	"fmt"
	"strings"
)

// Doc is a record: a tree of maps keyed by field name.
type Doc map[string]any

// fieldPath is a dotted field path split into segments once, at schema
// definition time.
type fieldPath struct {
	raw  string
	segs []string
}

func compilePath(p string) fieldPath {
	segs := strings.Split(p, ".")
	for _, s := range segs {
		if s == "" {
			panic(fmt.Errorf("invalid field path %q", p))
		}
	}
	return fieldPath{raw: p, segs: segs}
}

func (fp fieldPath) String() string {
	return fp.raw
}

// get walks the path. A missing or non-map intermediate, or a nil leaf,
// means the field is absent.
func (fp fieldPath) get(doc Doc) (any, bool) {
	var cur any = doc
	for _, seg := range fp.segs {
		var ok bool
		switch m := cur.(type) {
		case Doc:
			cur, ok = m[seg]
		case map[string]any:
			cur, ok = m[seg]
		default:
			return nil, false
		}
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// set stores v at the path, creating intermediate Docs as needed.
func (fp fieldPath) set(doc Doc, v any) {
	m := map[string]any(doc)
	last := len(fp.segs) - 1
	for _, seg := range fp.segs[:last] {
		switch next := m[seg].(type) {
		case Doc:
			m = next
		case map[string]any:
			m = next
		default:
			child := make(Doc)
			m[seg] = child
			m = child
		}
	}
	m[fp.segs[last]] = v
}
