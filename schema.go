package layerdb

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// FieldType is the declared type of a record field.
type FieldType int

const (
	Any FieldType = iota
	Uint
	Int
	String
	Bytes
	Bool
	Float
	Fixed
	None
)

var fieldTypeNames = []string{"any", "uint", "int", "string", "bytes", "bool", "float", "fixed", "none"}

func (t FieldType) String() string {
	if int(t) < len(fieldTypeNames) {
		return fieldTypeNames[t]
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

func (t FieldType) keyComponent(size int) (KeyComponent, bool) {
	switch t {
	case Uint:
		return KeyComponent{Type: KeyUint}, true
	case String:
		return KeyComponent{Type: KeyString}, true
	case Bytes:
		return KeyComponent{Type: KeyBytes}, true
	case Fixed:
		return KeyComponent{Type: KeyFixed, Size: size}, true
	case None:
		return KeyComponent{Type: KeyNone}, true
	default:
		return KeyComponent{}, false
	}
}

// Field declares a record field. Since is the schema version that
// introduced the field; readers asking for an older version do not see it.
type Field struct {
	Path  string
	Type  FieldType
	Size  int // Fixed only
	Since uint64
}

type field struct {
	Field
	path fieldPath
}

func compileFields(defs []Field) []field {
	result := make([]field, len(defs))
	for i, def := range defs {
		if def.Type == Fixed && def.Size <= 0 {
			panic(fmt.Errorf("field %s: fixed fields need a positive Size", def.Path))
		}
		result[i] = field{def, compilePath(def.Path)}
	}
	return result
}

// Trigger runs when a record of the collection is about to change. It may
// read and write through tx; those writes commit together with the change.
type Trigger func(ctx context.Context, tx *DB, key Doc, isDelete bool) error

type CollectionDef struct {
	ID      uint64 // zero assigns the next free id
	Key     []Field // empty for a singleton collection
	Fields  []Field
	Trigger Trigger
}

type IndexDef struct {
	ID     uint64 // zero assigns the next free id
	Fields []Field
	Unique bool

	// Map computes the indexed tuples for a record, one per index entry,
	// each lined up with Fields. Nil indexes Fields as found in the record.
	Map func(doc Doc) [][]any
}

// Schema is the registry of collections and indexes a DB is opened with.
// Definition mistakes panic.
type Schema struct {
	version     uint64
	collections []*Collection
	byName      map[string]*Collection
	indexes     map[string]*Index
	byID        map[uint64]*Collection
	usedIDs     map[uint64]string
	nextID      uint64
}

// NewSchema starts a schema whose records are written at the given version.
func NewSchema(version uint64) *Schema {
	if version == 0 {
		panic("schema version must be positive")
	}
	if version > maxSchemaVersion {
		panic(fmt.Errorf("schema version %d is too large", version))
	}
	return &Schema{
		version: version,
		byName:  make(map[string]*Collection),
		indexes: make(map[string]*Index),
		byID:    make(map[uint64]*Collection),
		usedIDs: make(map[uint64]string),
		nextID:  1,
	}
}

func (scm *Schema) Version() uint64 { return scm.version }

func (scm *Schema) Collections() []*Collection { return scm.collections }

func (scm *Schema) allocID(id uint64, owner string) uint64 {
	if id == 0 {
		for scm.usedIDs[scm.nextID] != "" {
			scm.nextID++
		}
		id = scm.nextID
	}
	if prev := scm.usedIDs[id]; prev != "" {
		panic(fmt.Errorf("%s: id %d already used by %s", owner, id, prev))
	}
	scm.usedIDs[id] = owner
	return id
}

func (scm *Schema) AddCollection(name string, def CollectionDef) *Collection {
	if name == "" {
		panic("collection name must not be empty")
	}
	if scm.byName[name] != nil {
		panic(fmt.Errorf("duplicate collection %q", name))
	}
	c := &Collection{
		schema:  scm,
		name:    name,
		key:     compileFields(def.Key),
		fields:  compileFields(def.Fields),
		trigger: def.Trigger,
	}
	comps := make([]KeyComponent, len(c.key))
	for i, f := range c.key {
		kc, ok := f.Type.keyComponent(f.Size)
		if !ok {
			panic(fmt.Errorf("collection %q: key field %s cannot be of type %v", name, f.Path, f.Type))
		}
		comps[i] = kc
	}
	seen := make(map[string]bool)
	for _, f := range append(slices.Clone(c.key), c.fields...) {
		if seen[f.Path] {
			panic(fmt.Errorf("collection %q: duplicate field %s", name, f.Path))
		}
		seen[f.Path] = true
	}

	c.id = scm.allocID(def.ID, "collection "+name)
	c.keyEnc = NewKeyEncoder(c.id, comps...)

	scm.collections = append(scm.collections, c)
	scm.byName[name] = c
	scm.byID[c.id] = c
	return c
}

func (scm *Schema) AddIndex(c *Collection, name string, def IndexDef) *Index {
	if c.schema != scm {
		panic(fmt.Errorf("collection %q belongs to another schema", c.name))
	}
	if name == "" {
		panic("index name must not be empty")
	}
	if scm.indexes[name] != nil || scm.byName[name] != nil {
		panic(fmt.Errorf("duplicate index name %q", name))
	}
	if len(def.Fields) == 0 {
		panic(fmt.Errorf("index %q needs fields", name))
	}
	idx := &Index{
		name:   name,
		offset: len(c.indexes),
		coll:   c,
		unique: def.Unique,
		mapper: def.Map,
		fields: compileFields(def.Fields),
	}

	var comps []KeyComponent
	indexed := make(map[string]bool)
	for _, f := range idx.fields {
		kc, ok := f.Type.keyComponent(f.Size)
		if !ok {
			panic(fmt.Errorf("index %q: field %s cannot be of type %v", name, f.Path, f.Type))
		}
		comps = append(comps, kc)
		indexed[f.Path] = true
	}
	if !idx.unique {
		for i, f := range c.key {
			if !indexed[f.Path] {
				idx.suffix = append(idx.suffix, i)
				comps = append(comps, c.keyEnc.comps[i])
			}
		}
	}

	idx.id = scm.allocID(def.ID, "index "+name)
	idx.keyEnc = NewKeyEncoder(idx.id, comps...)

	c.indexes = append(c.indexes, idx)
	scm.indexes[name] = idx
	return idx
}

// ResolveCollection returns nil for unknown names.
func (scm *Schema) ResolveCollection(name string) *Collection {
	return scm.byName[name]
}

// ResolveIndex returns nil for unknown names.
func (scm *Schema) ResolveIndex(name string) *Index {
	return scm.indexes[name]
}

func (scm *Schema) CollectionByID(id uint64) *Collection {
	return scm.byID[id]
}

// IndexNames lists all index names in sorted order.
func (scm *Schema) IndexNames() []string {
	return slices.Sorted(maps.Keys(scm.indexes))
}
