// Package source streams delimited rows out of a stored snapshot object.
package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/storage"
)

// ErrEmptySource is returned when the object holds no header line.
var ErrEmptySource = errors.New("source has no header row")

// ReadError wraps any failure to obtain or parse source bytes.
type ReadError struct {
	Ref storage.ObjectRef
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read source %s: %v", e.Ref, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// NotFound reports whether the underlying object was missing.
func (e *ReadError) NotFound() bool {
	return storage.IsNotFound(e.Err)
}

// Reader yields rows one at a time. It is single pass and not restartable.
type Reader struct {
	ref    storage.ObjectRef
	body   io.ReadCloser
	decomp io.Closer
	csv    *csv.Reader
	rows   int64
	done   bool
}

// Open starts streaming the object at ref. The first row returned by Next is
// the header.
func Open(ctx context.Context, store storage.ObjectStore, ref storage.ObjectRef) (*Reader, error) {
	body, err := store.NewReader(ctx, ref)
	if err != nil {
		return nil, &ReadError{Ref: ref, Err: err}
	}
	return newReader(ref, body)
}

// newReader wraps an opened stream. The key of ref selects the
// decompression codec.
func newReader(ref storage.ObjectRef, body io.ReadCloser) (*Reader, error) {
	plain, decomp, err := decompress(ref.Key, body)
	if err != nil {
		body.Close()
		return nil, &ReadError{Ref: ref, Err: err}
	}

	cr := csv.NewReader(newBOMSkippingReader(plain))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	return &Reader{
		ref:    ref,
		body:   body,
		decomp: decomp,
		csv:    cr,
	}, nil
}

// Next returns the next row, or io.EOF once the stream is exhausted.
// The returned slice is owned by the caller.
func (r *Reader) Next() ([]string, error) {
	if r.done {
		return nil, io.EOF
	}

	row, err := r.csv.Read()
	if err == io.EOF {
		r.done = true
		if r.rows == 0 {
			return nil, &ReadError{Ref: r.ref, Err: ErrEmptySource}
		}
		return nil, io.EOF
	}
	if err != nil {
		r.done = true
		return nil, &ReadError{Ref: r.ref, Err: err}
	}

	r.rows++
	return row, nil
}

// Rows returns the number of rows returned so far, header included.
func (r *Reader) Rows() int64 {
	return r.rows
}

// Close releases the decompressor and the underlying stream.
func (r *Reader) Close() error {
	if r.decomp != nil {
		r.decomp.Close()
		r.decomp = nil
	}
	if r.body == nil {
		return nil
	}
	err := r.body.Close()
	r.body = nil
	return err
}
