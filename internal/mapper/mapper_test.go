package mapper

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/schema"
)

var runTime = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

func def(names ...string) *schema.Definition {
	d := &schema.Definition{Name: "test"}
	for _, n := range names {
		d.Fields = append(d.Fields, schema.Field{Name: n, Type: schema.TypeString})
	}
	return d
}

func str(c *Context, r Record, name string) string {
	i := c.Schema().Index(name)
	if i < 0 {
		return "<missing>"
	}
	if v := r.Values()[i]; v != nil {
		return *v
	}
	return "<null>"
}

func TestMapReordersByHeader(t *testing.T) {
	ctx, err := Prepare("party", []string{"NAME", "ID"}, def("ID", "NAME"), runTime)
	require.NoError(t, err)

	rec := ctx.Map([]string{"alice", "7"})
	assert.Equal(t, "7", str(ctx, rec, "ID"))
	assert.Equal(t, "alice", str(ctx, rec, "NAME"))
	assert.Equal(t, "2024-03-15", str(ctx, rec, SnapshotDateField))
	assert.Equal(t, "2024-03-15T09:30:00", str(ctx, rec, ProcessingTimestampField))
}

func TestMapShortRowYieldsNull(t *testing.T) {
	ctx, err := Prepare("party", []string{"ID", "NAME", "CITY"}, def("ID", "NAME", "CITY"), runTime)
	require.NoError(t, err)

	rec := ctx.Map([]string{"1", "bob"})
	assert.Equal(t, "1", str(ctx, rec, "ID"))
	assert.Equal(t, "bob", str(ctx, rec, "NAME"))
	assert.Equal(t, "<null>", str(ctx, rec, "CITY"))
}

func TestMapIgnoresExtraColumns(t *testing.T) {
	ctx, err := Prepare("party", []string{"ID", "EXTRA"}, def("ID"), runTime)
	require.NoError(t, err)

	rec := ctx.Map([]string{"1", "ignored", "also ignored"})
	assert.Len(t, rec.Values(), 3)
	assert.Equal(t, []string{"ID", SnapshotDateField, ProcessingTimestampField}, ctx.Schema().Names())
}

func TestPrepareHeaderMismatch(t *testing.T) {
	_, err := Prepare("party", []string{"ID", "name"}, def("ID", "NAME", "CITY"), runTime)
	require.Error(t, err)

	var hm *HeaderMismatchError
	require.True(t, errors.As(err, &hm))
	assert.Equal(t, "party", hm.Dataset)
	assert.Equal(t, "NAME", hm.Field)
}

func TestSyntheticFieldsNeedNoHeaderColumn(t *testing.T) {
	d := def("ID", SnapshotDateField, "NAME", ProcessingTimestampField)
	ctx, err := Prepare("party", []string{"ID", "NAME"}, d, runTime)
	require.NoError(t, err)

	assert.Equal(t, d.Names(), ctx.Schema().Names())

	rec := ctx.Map([]string{"1", "a"})
	assert.Equal(t, "2024-03-15", str(ctx, rec, SnapshotDateField))
	assert.Equal(t, "a", str(ctx, rec, "NAME"))
}

func TestSyntheticFieldsOverrideSourceColumns(t *testing.T) {
	ctx, err := Prepare("party", []string{"ID", SnapshotDateField}, def("ID", SnapshotDateField), runTime)
	require.NoError(t, err)

	rec := ctx.Map([]string{"1", "1999-01-01"})
	assert.Equal(t, "2024-03-15", str(ctx, rec, SnapshotDateField))
}

func TestSyntheticValuesIdenticalAcrossRecords(t *testing.T) {
	ctx, err := Prepare("party", []string{"ID"}, def("ID"), runTime)
	require.NoError(t, err)

	a := ctx.Map([]string{"1"})
	b := ctx.Map([]string{"2"})
	assert.Equal(t, str(ctx, a, SnapshotDateField), str(ctx, b, SnapshotDateField))
	assert.Equal(t, str(ctx, a, ProcessingTimestampField), str(ctx, b, ProcessingTimestampField))
	assert.Equal(t, ctx.SnapshotDate(), str(ctx, a, SnapshotDateField))
	assert.Equal(t, ctx.ProcessingTimestamp(), str(ctx, b, ProcessingTimestampField))
}

func TestDuplicateHeaderFirstOccurrenceWins(t *testing.T) {
	ctx, err := Prepare("party", []string{"ID", "ID"}, def("ID"), runTime)
	require.NoError(t, err)

	rec := ctx.Map([]string{"first", "second"})
	assert.Equal(t, "first", str(ctx, rec, "ID"))
}

func TestPrepareUsesClockZone(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	late := time.Date(2024, 3, 15, 20, 0, 0, 0, time.UTC).In(loc)

	ctx, err := Prepare("party", []string{"ID"}, def("ID"), late)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-16", ctx.SnapshotDate())
	assert.Equal(t, "2024-03-16T06:00:00", ctx.ProcessingTimestamp())
}
