package packstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packStruct(t *testing.T, tag byte, fields ...any) []byte {
	t.Helper()
	var p Packer
	require.NoError(t, p.PackStructHeader(tag, len(fields)))
	for _, f := range fields {
		require.NoError(t, p.Pack(f))
	}
	return p.Bytes()
}

func unpack(t *testing.T, buf []byte) any {
	t.Helper()
	v, err := NewUnpacker(buf).Next()
	require.NoError(t, err)
	return v
}

func TestHydrateNode(t *testing.T) {
	t.Run("bolt 4 shape", func(t *testing.T) {
		buf := packStruct(t, TagNode,
			int64(42),
			[]any{"Person", "Admin"},
			map[string]any{"name": "Mark"},
		)
		n, ok := unpack(t, buf).(Node)
		require.True(t, ok)
		assert.Equal(t, int64(42), n.Id)
		assert.Equal(t, []string{"Person", "Admin"}, n.Labels)
		assert.Equal(t, "Mark", n.Props["name"])
		assert.Empty(t, n.ElementId)
	})

	t.Run("bolt 5 shape with element id", func(t *testing.T) {
		buf := packStruct(t, TagNode,
			int64(42),
			[]any{"Person"},
			map[string]any{},
			"4:deadbeef:42",
		)
		n, ok := unpack(t, buf).(Node)
		require.True(t, ok)
		assert.Equal(t, "4:deadbeef:42", n.ElementId)
	})

	t.Run("null id", func(t *testing.T) {
		buf := packStruct(t, TagNode, nil, []any{}, map[string]any{}, "4:x:1")
		n := unpack(t, buf).(Node)
		assert.Equal(t, int64(-1), n.Id)
	})

	t.Run("wrong arity", func(t *testing.T) {
		buf := packStruct(t, TagNode, int64(1))
		_, err := NewUnpacker(buf).Next()
		require.Error(t, err)
	})
}

func TestHydrateRelationship(t *testing.T) {
	buf := packStruct(t, TagRelationship,
		int64(7), int64(1), int64(2), "KNOWS",
		map[string]any{"since": int64(1999)},
		"5:x:7", "5:x:1", "5:x:2",
	)
	r, ok := unpack(t, buf).(Relationship)
	require.True(t, ok)
	assert.Equal(t, int64(7), r.Id)
	assert.Equal(t, int64(1), r.StartId)
	assert.Equal(t, int64(2), r.EndId)
	assert.Equal(t, "KNOWS", r.Type)
	assert.Equal(t, int64(1999), r.Props["since"])
	assert.Equal(t, "5:x:7", r.ElementId)
}

func TestHydratePath(t *testing.T) {
	var p Packer
	require.NoError(t, p.PackStructHeader(TagPath, 3))
	// nodes
	require.NoError(t, p.PackListHeader(2))
	packStructInto(t, &p, TagNode, int64(1), []any{"A"}, map[string]any{})
	packStructInto(t, &p, TagNode, int64(2), []any{"B"}, map[string]any{})
	// relationships
	require.NoError(t, p.PackListHeader(1))
	packStructInto(t, &p, TagUnboundRelationship, int64(9), "LINKS", map[string]any{})
	// indices: rel 1 forwards, node 1
	require.NoError(t, p.Pack([]any{int64(1), int64(1)}))

	path, ok := unpack(t, p.Bytes()).(Path)
	require.True(t, ok)
	require.Len(t, path.Nodes, 2)
	require.Len(t, path.Relationships, 1)
	assert.Equal(t, "LINKS", path.Relationships[0].Type)
	assert.Equal(t, []int64{1, 1}, path.Indices)
}

func packStructInto(t *testing.T, p *Packer, tag byte, fields ...any) {
	t.Helper()
	require.NoError(t, p.PackStructHeader(tag, len(fields)))
	for _, f := range fields {
		require.NoError(t, p.Pack(f))
	}
}

func TestHydrateTemporalAndSpatial(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"date", Date{Days: 18628}},
		{"local time", LocalTime{Nanoseconds: 3600e9}},
		{"time", Time{Nanoseconds: 3600e9, TzOffsetSeconds: 7200}},
		{"local datetime", LocalDateTime{Seconds: 1609459200, Nanoseconds: 500}},
		{"datetime", DateTime{Seconds: 1609459200, Nanoseconds: 1, TzOffsetSeconds: -18000}},
		{"datetime zone id", DateTimeZoneId{Seconds: 1609459200, Nanoseconds: 0, ZoneId: "Europe/Stockholm"}},
		{"duration", Duration{Months: 1, Days: 2, Seconds: 3, Nanoseconds: 4}},
		{"point2d", Point2D{SpatialRefId: 4326, X: 1.5, Y: -2.5}},
		{"point3d", Point3D{SpatialRefId: 4979, X: 1, Y: 2, Z: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.in, roundTrip(t, tt.in))
		})
	}
}

func TestHydrateLegacyDateTime(t *testing.T) {
	buf := packStruct(t, TagLegacyDateTime, int64(100), int64(200), int64(3600))
	v := unpack(t, buf)
	assert.Equal(t, DateTime{Seconds: 100, Nanoseconds: 200, TzOffsetSeconds: 3600}, v)
}

func TestUnknownStructurePassesThrough(t *testing.T) {
	buf := packStruct(t, 0x77, int64(1), "x")
	st, ok := unpack(t, buf).(*Structure)
	require.True(t, ok)
	assert.Equal(t, byte(0x77), st.Tag)
	assert.Equal(t, []any{int64(1), "x"}, st.Fields)
}
