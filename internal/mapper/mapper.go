// Package mapper projects delimited rows onto a schema and stamps the
// per-run snapshot fields.
package mapper

import (
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/schema"
)

const (
	// SnapshotDateField carries the run's snapshot (effective) date.
	SnapshotDateField = "EFF_DT"
	// ProcessingTimestampField carries the run's processing timestamp.
	ProcessingTimestampField = "ETL_TS"

	SnapshotDateLayout        = "2006-01-02"
	ProcessingTimestampLayout = "2006-01-02T15:04:05"
)

// HeaderMismatchError names the first schema field absent from the header.
type HeaderMismatchError struct {
	Dataset string
	Field   string
}

func (e *HeaderMismatchError) Error() string {
	return fmt.Sprintf("header mismatch for %s: column %q not found in header", e.Dataset, e.Field)
}

type slot struct {
	column int // -1 for synthetic fields
	value  *string
}

// Context holds everything fixed for one run: the output schema, the column
// lookup, and the two synthetic values.
type Context struct {
	schema       *schema.Definition
	slots        []slot
	snapshotDate string
	processedAt  string
}

// Prepare resolves every schema field against header and computes the
// synthetic values from now. It fails on the first schema field (in schema
// order) that the header does not contain.
func Prepare(dataset string, header []string, def *schema.Definition, now time.Time) (*Context, error) {
	lookup := make(map[string]int, len(header))
	for i, name := range header {
		if _, ok := lookup[name]; !ok {
			lookup[name] = i
		}
	}

	c := &Context{
		snapshotDate: now.Format(SnapshotDateLayout),
		processedAt:  now.Format(ProcessingTimestampLayout),
	}

	out := &schema.Definition{Name: def.Name, Fields: make([]schema.Field, 0, len(def.Fields)+2)}
	c.slots = make([]slot, 0, len(def.Fields)+2)

	for _, f := range def.Fields {
		out.Fields = append(out.Fields, f)
		switch f.Name {
		case SnapshotDateField:
			c.slots = append(c.slots, slot{column: -1, value: &c.snapshotDate})
		case ProcessingTimestampField:
			c.slots = append(c.slots, slot{column: -1, value: &c.processedAt})
		default:
			idx, ok := lookup[f.Name]
			if !ok {
				return nil, &HeaderMismatchError{Dataset: dataset, Field: f.Name}
			}
			c.slots = append(c.slots, slot{column: idx})
		}
	}

	if def.Index(SnapshotDateField) < 0 {
		out.Fields = append(out.Fields, schema.Field{Name: SnapshotDateField, Type: schema.TypeString})
		c.slots = append(c.slots, slot{column: -1, value: &c.snapshotDate})
	}
	if def.Index(ProcessingTimestampField) < 0 {
		out.Fields = append(out.Fields, schema.Field{Name: ProcessingTimestampField, Type: schema.TypeString})
		c.slots = append(c.slots, slot{column: -1, value: &c.processedAt})
	}

	c.schema = out
	return c, nil
}

// Schema returns the output schema: the input schema plus any synthetic
// fields it did not declare.
func (c *Context) Schema() *schema.Definition {
	return c.schema
}

// SnapshotDate returns the formatted EFF_DT value for the run.
func (c *Context) SnapshotDate() string {
	return c.snapshotDate
}

// ProcessingTimestamp returns the formatted ETL_TS value for the run.
func (c *Context) ProcessingTimestamp() string {
	return c.processedAt
}

// Map builds the record for one data row. Columns beyond the row's length
// map to null.
func (c *Context) Map(row []string) Record {
	values := make([]*string, len(c.slots))
	for i, s := range c.slots {
		if s.column < 0 {
			values[i] = s.value
			continue
		}
		if s.column < len(row) {
			v := row[s.column]
			values[i] = &v
		}
	}
	return Record{values: values}
}

// Record is one output row. Values align with the output schema fields.
type Record struct {
	values []*string
}

// Values returns the field values in schema order; nil means null.
func (r Record) Values() []*string {
	return r.values
}
