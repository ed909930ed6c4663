// Package schema resolves logical dataset names to ordered field schemas.
package schema

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when no schema is registered for a dataset.
var ErrNotFound = errors.New("schema not found")

// ErrInvalid wraps every parse and validation failure of a schema document.
var ErrInvalid = errors.New("invalid schema")

// Type is a primitive field type tag.
type Type string

const (
	TypeString  Type = "string"
	TypeInt     Type = "int"
	TypeLong    Type = "long"
	TypeFloat   Type = "float"
	TypeDouble  Type = "double"
	TypeBoolean Type = "boolean"
)

// Field is a single named, typed column.
type Field struct {
	Name string
	Type Type
}

// Definition is an ordered field list for one dataset.
type Definition struct {
	Name   string
	Fields []Field
}

// Provider resolves a dataset name to its schema.
type Provider interface {
	Resolve(ctx context.Context, dataset string) (*Definition, error)
}

// Index returns the position of the named field, or -1.
func (d *Definition) Index(name string) int {
	for i, f := range d.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the field names in declaration order.
func (d *Definition) Names() []string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return names
}

// Fingerprint hashes the ordered field names and types.
func (d *Definition) Fingerprint() string {
	h := sha256.New()
	for _, f := range d.Fields {
		h.Write([]byte(f.Name))
		h.Write([]byte{0})
		h.Write([]byte(f.Type))
		h.Write([]byte{'\n'})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// Validate enforces non-empty, unique field names and known types.
func (d *Definition) Validate() error {
	if len(d.Fields) == 0 {
		return fmt.Errorf("schema %s has no fields", d.Name)
	}
	seen := make(map[string]bool, len(d.Fields))
	for i, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %s: field %d has no name", d.Name, i)
		}
		// column names travel through parquet struct tags
		if f.Name == "-" || strings.ContainsRune(f.Name, ',') {
			return fmt.Errorf("schema %s: field name %q contains a comma", d.Name, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %s: duplicate field %q", d.Name, f.Name)
		}
		seen[f.Name] = true
		if !f.Type.valid() {
			return fmt.Errorf("schema %s: field %q has unsupported type %q", d.Name, f.Name, f.Type)
		}
	}
	return nil
}

func (t Type) valid() bool {
	switch t {
	case TypeString, TypeInt, TypeLong, TypeFloat, TypeDouble, TypeBoolean:
		return true
	}
	return false
}

// normalizeType maps aliases onto the canonical type tags.
func normalizeType(s string) Type {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "str", "text":
		return TypeString
	case "int", "integer", "int32":
		return TypeInt
	case "long", "int64", "bigint":
		return TypeLong
	case "float", "float32":
		return TypeFloat
	case "double", "float64":
		return TypeDouble
	case "boolean", "bool":
		return TypeBoolean
	default:
		return Type(s)
	}
}

// recordJSON is the Avro-style record layout used for schema resources.
type recordJSON struct {
	Type   string      `json:"type"`
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

type fieldJSON struct {
	Name string          `json:"name"`
	Type json.RawMessage `json:"type"`
}

// Parse decodes schema text of the form
// {"type":"record","name":"x","fields":[{"name":"a","type":"string"}]}.
// Field types may be a plain name, a ["null", T] union, or {"type": T}.
func Parse(dataset string, data []byte) (*Definition, error) {
	var rec recordJSON
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: parse schema %s: %w", ErrInvalid, dataset, err)
	}

	def := &Definition{Name: rec.Name, Fields: make([]Field, 0, len(rec.Fields))}
	if def.Name == "" {
		def.Name = dataset
	}

	for _, f := range rec.Fields {
		typ, err := parseFieldType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: parse schema %s field %q: %w", ErrInvalid, dataset, f.Name, err)
		}
		def.Fields = append(def.Fields, Field{Name: f.Name, Type: typ})
	}

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return def, nil
}

func parseFieldType(raw json.RawMessage) (Type, error) {
	if len(raw) == 0 {
		return TypeString, nil
	}

	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return normalizeType(name), nil
	}

	var union []json.RawMessage
	if err := json.Unmarshal(raw, &union); err == nil {
		for _, member := range union {
			typ, err := parseFieldType(member)
			if err != nil {
				return "", err
			}
			if typ != "null" {
				return typ, nil
			}
		}
		return "", fmt.Errorf("union has no non-null member")
	}

	var obj struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj.Type) > 0 {
		return parseFieldType(obj.Type)
	}

	return "", fmt.Errorf("unrecognized type %s", string(raw))
}

// validDatasetName rejects names that could escape the schema root.
func validDatasetName(dataset string) bool {
	if strings.TrimSpace(dataset) == "" {
		return false
	}
	if strings.ContainsAny(dataset, `/\`) || strings.Contains(dataset, "..") {
		return false
	}
	return true
}

func notFound(dataset string) error {
	if strings.TrimSpace(dataset) == "" {
		return fmt.Errorf("%w: empty dataset name", ErrNotFound)
	}
	return fmt.Errorf("%w: %s", ErrNotFound, dataset)
}
