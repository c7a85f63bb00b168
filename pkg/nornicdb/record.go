package nornicdb

import (
	"github.com/orneryd/nornicdb-go/pkg/bolt"
	"github.com/orneryd/nornicdb-go/pkg/packstream"
)

// Result rows and the graph value model, re-exported so applications
// only import this package.
type (
	Record  = bolt.Record
	Summary = bolt.Summary

	Node                = packstream.Node
	Relationship        = packstream.Relationship
	UnboundRelationship = packstream.UnboundRelationship
	Path                = packstream.Path
	Point2D             = packstream.Point2D
	Point3D             = packstream.Point3D
	Date                = packstream.Date
	LocalTime           = packstream.LocalTime
	Time                = packstream.Time
	LocalDateTime       = packstream.LocalDateTime
	DateTime            = packstream.DateTime
	Duration            = packstream.Duration
)

// As converts a result value to a concrete Go type. Integers widen
// from the wire's int64; everything else must match exactly.
func As[T any](v any) (T, error) {
	if out, ok := v.(T); ok {
		return out, nil
	}
	var zero T
	// Integer results always arrive as int64; let callers ask for
	// the narrower types Go code actually uses.
	if n, ok := v.(int64); ok {
		switch any(zero).(type) {
		case int:
			return any(int(n)).(T), nil
		case int32:
			return any(int32(n)).(T), nil
		case float64:
			return any(float64(n)).(T), nil
		}
	}
	return zero, &DeserializationError{Want: typeName[T](), Got: v}
}

// Get looks up a record value by key and converts it.
func Get[T any](rec *Record, key string) (T, error) {
	v, ok := rec.Get(key)
	if !ok {
		var zero T
		return zero, &DeserializationError{Want: typeName[T](), Got: nil}
	}
	return As[T](v)
}

func typeName[T any]() string {
	var zero T
	switch any(zero).(type) {
	case string:
		return "string"
	case int64, int, int32:
		return "integer"
	case float64:
		return "float"
	case bool:
		return "boolean"
	case Node:
		return "node"
	case Relationship:
		return "relationship"
	case Path:
		return "path"
	default:
		return "value"
	}
}
