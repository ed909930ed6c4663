// Package columnar writes mapped records to snappy-compressed parquet files on
// local disk.
package columnar

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/mapper"
	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/schema"
)

// Extension is the file suffix for parquet outputs.
const Extension = ".parquet"

// CodecName is the only compression codec the writer produces.
const CodecName = "SNAPPY"

// File describes a finalized parquet file on local disk.
type File struct {
	Path     string
	Sidecar  string
	Rows     int64
	Size     int64
	Checksum string
	Codec    string
}

// WriteError wraps a failure to encode or persist a record or the file.
type WriteError struct {
	Path string
	Row  int64 // 1-based data row, 0 when not row specific
	Err  error
}

func (e *WriteError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("write %s row %d: %v", e.Path, e.Row, e.Err)
	}
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Writer encodes records of one schema into one parquet file. It is not safe
// for concurrent use.
type Writer struct {
	path   string
	file   *os.File
	out    *countingWriter
	hash   *Checksum
	pw     *parquet.Writer
	layout *rowLayout
	rows   int64
	closed bool
}

// Create opens path for writing records that conform to def. Field order in
// the file follows def.
func Create(path string, def *schema.Definition) (*Writer, error) {
	layout, err := newRowLayout(def)
	if err != nil {
		return nil, &WriteError{Path: path, Err: err}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &WriteError{Path: path, Err: fmt.Errorf("create file: %w", err)}
	}

	hash := NewChecksum()
	out := &countingWriter{w: io.MultiWriter(f, hash)}

	pw := parquet.NewWriter(out,
		layout.schema,
		parquet.Compression(&parquet.Snappy),
		parquet.CreatedBy("snapshot-converter", "", ""),
	)

	return &Writer{
		path:   path,
		file:   f,
		out:    out,
		hash:   hash,
		pw:     pw,
		layout: layout,
	}, nil
}

// Path returns the destination file path.
func (w *Writer) Path() string {
	return w.path
}

// Count returns the number of records written so far.
func (w *Writer) Count() int64 {
	return w.rows
}

// Write appends one record. Values of numeric and boolean columns are parsed
// from their string form; empty strings become null.
func (w *Writer) Write(rec mapper.Record) error {
	if w.closed {
		return &WriteError{Path: w.path, Err: fmt.Errorf("writer is closed")}
	}

	row, err := w.layout.build(rec.Values())
	if err != nil {
		return &WriteError{Path: w.path, Row: w.rows + 1, Err: err}
	}
	if err := w.pw.Write(row); err != nil {
		return &WriteError{Path: w.path, Row: w.rows + 1, Err: err}
	}
	w.rows++
	return nil
}

// Close flushes the footer, syncs the file to disk and writes the checksum
// sidecar next to it.
func (w *Writer) Close() (File, error) {
	if w.closed {
		return File{}, &WriteError{Path: w.path, Err: fmt.Errorf("writer is closed")}
	}
	w.closed = true

	if err := w.pw.Close(); err != nil {
		w.file.Close()
		return File{}, &WriteError{Path: w.path, Err: fmt.Errorf("finalize parquet: %w", err)}
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return File{}, &WriteError{Path: w.path, Err: fmt.Errorf("sync file: %w", err)}
	}
	if err := w.file.Close(); err != nil {
		return File{}, &WriteError{Path: w.path, Err: fmt.Errorf("close file: %w", err)}
	}

	checksum := w.hash.String()
	sidecar := SidecarPath(w.path)
	if err := os.WriteFile(sidecar, []byte(checksum+"\n"), 0o644); err != nil {
		return File{}, &WriteError{Path: w.path, Err: fmt.Errorf("write checksum sidecar: %w", err)}
	}

	return File{
		Path:     w.path,
		Sidecar:  sidecar,
		Rows:     w.rows,
		Size:     w.out.n,
		Checksum: checksum,
		Codec:    CodecName,
	}, nil
}

// Abort releases the file handle without finalizing. The partial file stays
// on disk for the caller to inspect or remove.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.file.Close()
}

// SidecarPath returns the checksum file path for a parquet file:
// "<dir>/.<name>.crc".
func SidecarPath(path string) string {
	dir, name := filepath.Split(path)
	return filepath.Join(dir, "."+name+".crc")
}

// CountRows reads the row count back from a finalized parquet file.
func CountRows(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return 0, fmt.Errorf("open parquet %s: %w", path, err)
	}
	return pf.NumRows(), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// rowLayout maps schema fields onto a generated struct type so that parquet
// column order matches schema order.
type rowLayout struct {
	typ    reflect.Type
	kinds  []schema.Type
	names  []string
	schema *parquet.Schema
}

func newRowLayout(def *schema.Definition) (*rowLayout, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	fields := make([]reflect.StructField, len(def.Fields))
	kinds := make([]schema.Type, len(def.Fields))
	names := make([]string, len(def.Fields))
	for i, f := range def.Fields {
		goType, err := goTypeFor(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		fields[i] = reflect.StructField{
			Name: "F" + strconv.Itoa(i),
			Type: goType,
			Tag:  reflect.StructTag("parquet:" + strconv.Quote(f.Name)),
		}
		kinds[i] = f.Type
		names[i] = f.Name
	}

	typ := reflect.StructOf(fields)
	return &rowLayout{
		typ:    typ,
		kinds:  kinds,
		names:  names,
		schema: parquet.SchemaOf(reflect.New(typ).Interface()),
	}, nil
}

func goTypeFor(t schema.Type) (reflect.Type, error) {
	switch t {
	case schema.TypeString:
		return reflect.TypeOf((*string)(nil)), nil
	case schema.TypeInt:
		return reflect.TypeOf((*int32)(nil)), nil
	case schema.TypeLong:
		return reflect.TypeOf((*int64)(nil)), nil
	case schema.TypeFloat:
		return reflect.TypeOf((*float32)(nil)), nil
	case schema.TypeDouble:
		return reflect.TypeOf((*float64)(nil)), nil
	case schema.TypeBoolean:
		return reflect.TypeOf((*bool)(nil)), nil
	default:
		return nil, fmt.Errorf("unsupported type %q", t)
	}
}

// build converts record values into a pointer to a populated row struct.
func (l *rowLayout) build(values []*string) (any, error) {
	if len(values) != len(l.kinds) {
		return nil, fmt.Errorf("record has %d values, schema has %d fields", len(values), len(l.kinds))
	}

	row := reflect.New(l.typ)
	elem := row.Elem()
	for i, v := range values {
		if v == nil {
			continue
		}
		if l.kinds[i] != schema.TypeString && *v == "" {
			continue
		}
		ptr, err := parseValue(l.kinds[i], *v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", l.names[i], err)
		}
		elem.Field(i).Set(ptr)
	}
	return row.Interface(), nil
}

func parseValue(t schema.Type, s string) (reflect.Value, error) {
	switch t {
	case schema.TypeString:
		return reflect.ValueOf(&s), nil
	case schema.TypeInt:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return reflect.Value{}, err
		}
		v := int32(n)
		return reflect.ValueOf(&v), nil
	case schema.TypeLong:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(&n), nil
	case schema.TypeFloat:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return reflect.Value{}, err
		}
		v := float32(f)
		return reflect.ValueOf(&v), nil
	case schema.TypeDouble:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(&f), nil
	case schema.TypeBoolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(&b), nil
	default:
		return reflect.Value{}, fmt.Errorf("unsupported type %q", t)
	}
}
