package layerdb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andreyvit/layerdb/kv"
)

var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrUnknownIndex      = errors.New("unknown index")

	// ErrConflict is returned by Flush when another handle committed since
	// this one last synchronized. The handle must be discarded.
	ErrConflict = errors.New("transaction conflict")

	// ErrRequestCancelled is returned by reads interrupted by Close.
	ErrRequestCancelled = kv.ErrCancelled

	ErrClosed          = errors.New("database handle closed")
	ErrMissingKeyField = errors.New("missing key field")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// CollectionError attaches the collection, index and key an operation
// failed on.
type CollectionError struct {
	Collection *Collection
	Index      *Index
	Key        []byte
	Msg        string
	Err        error
}

func collErrf(c *Collection, idx *Index, key []byte, err error, format string, args ...any) error {
	return &CollectionError{c, idx, key, fmt.Sprintf(format, args...), err}
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

func (e *CollectionError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Collection.Name())
	if e.Index != nil {
		buf.WriteByte('.')
		buf.WriteString(e.Index.Name())
	}
	if e.Key != nil {
		buf.WriteByte('/')
		buf.WriteString(hexstr(e.Key))
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func unknownCollection(name string) error {
	return fmt.Errorf("%w %q", ErrUnknownCollection, name)
}

// unknownName is returned where either a collection or an index name is
// accepted.
type unknownName string

func (e unknownName) Error() string {
	return fmt.Sprintf("unknown collection or index %q", string(e))
}

func (e unknownName) Is(target error) bool {
	return target == ErrUnknownCollection || target == ErrUnknownIndex
}
