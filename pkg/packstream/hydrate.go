package packstream

import "fmt"

// hydrate converts a decoded structure into its typed representation.
// Entity structures grew trailing element-id fields in Bolt 5; both
// arities are accepted and the extra fields default to "".
func hydrate(tag byte, fields []any) (any, error) {
	switch tag {
	case TagNode:
		return hydrateNode(fields)
	case TagRelationship:
		return hydrateRelationship(fields)
	case TagUnboundRelationship:
		return hydrateUnboundRelationship(fields)
	case TagPath:
		return hydratePath(fields)
	case TagPoint2D:
		if err := arity(tag, fields, 3); err != nil {
			return nil, err
		}
		return Point2D{SpatialRefId: uint32(asInt(fields[0])), X: asFloat(fields[1]), Y: asFloat(fields[2])}, nil
	case TagPoint3D:
		if err := arity(tag, fields, 4); err != nil {
			return nil, err
		}
		return Point3D{SpatialRefId: uint32(asInt(fields[0])), X: asFloat(fields[1]), Y: asFloat(fields[2]), Z: asFloat(fields[3])}, nil
	case TagDate:
		if err := arity(tag, fields, 1); err != nil {
			return nil, err
		}
		return Date{Days: asInt(fields[0])}, nil
	case TagLocalTime:
		if err := arity(tag, fields, 1); err != nil {
			return nil, err
		}
		return LocalTime{Nanoseconds: asInt(fields[0])}, nil
	case TagTime:
		if err := arity(tag, fields, 2); err != nil {
			return nil, err
		}
		return Time{Nanoseconds: asInt(fields[0]), TzOffsetSeconds: asInt(fields[1])}, nil
	case TagLocalDateTime:
		if err := arity(tag, fields, 2); err != nil {
			return nil, err
		}
		return LocalDateTime{Seconds: asInt(fields[0]), Nanoseconds: asInt(fields[1])}, nil
	case TagDateTime, TagLegacyDateTime:
		if err := arity(tag, fields, 3); err != nil {
			return nil, err
		}
		return DateTime{Seconds: asInt(fields[0]), Nanoseconds: asInt(fields[1]), TzOffsetSeconds: asInt(fields[2])}, nil
	case TagDateTimeZoneId, TagLegacyDateTimeZoneId:
		if err := arity(tag, fields, 3); err != nil {
			return nil, err
		}
		zone, _ := fields[2].(string)
		return DateTimeZoneId{Seconds: asInt(fields[0]), Nanoseconds: asInt(fields[1]), ZoneId: zone}, nil
	case TagDuration:
		if err := arity(tag, fields, 4); err != nil {
			return nil, err
		}
		return Duration{Months: asInt(fields[0]), Days: asInt(fields[1]), Seconds: asInt(fields[2]), Nanoseconds: asInt(fields[3])}, nil
	default:
		return &Structure{Tag: tag, Fields: fields}, nil
	}
}

func hydrateNode(fields []any) (any, error) {
	if len(fields) != 3 && len(fields) != 4 {
		return nil, fmt.Errorf("packstream: node structure has %d fields", len(fields))
	}
	n := Node{
		Id:     asInt(fields[0]),
		Labels: asStrings(fields[1]),
		Props:  asMap(fields[2]),
	}
	if len(fields) == 4 {
		n.ElementId, _ = fields[3].(string)
	}
	return n, nil
}

func hydrateRelationship(fields []any) (any, error) {
	if len(fields) != 5 && len(fields) != 8 {
		return nil, fmt.Errorf("packstream: relationship structure has %d fields", len(fields))
	}
	r := Relationship{
		Id:      asInt(fields[0]),
		StartId: asInt(fields[1]),
		EndId:   asInt(fields[2]),
		Props:   asMap(fields[4]),
	}
	r.Type, _ = fields[3].(string)
	if len(fields) == 8 {
		r.ElementId, _ = fields[5].(string)
		r.StartElementId, _ = fields[6].(string)
		r.EndElementId, _ = fields[7].(string)
	}
	return r, nil
}

func hydrateUnboundRelationship(fields []any) (any, error) {
	if len(fields) != 3 && len(fields) != 4 {
		return nil, fmt.Errorf("packstream: unbound relationship structure has %d fields", len(fields))
	}
	r := UnboundRelationship{
		Id:    asInt(fields[0]),
		Props: asMap(fields[2]),
	}
	r.Type, _ = fields[1].(string)
	if len(fields) == 4 {
		r.ElementId, _ = fields[3].(string)
	}
	return r, nil
}

func hydratePath(fields []any) (any, error) {
	if err := arity(TagPath, fields, 3); err != nil {
		return nil, err
	}
	rawNodes, _ := fields[0].([]any)
	rawRels, _ := fields[1].([]any)
	rawIdx, _ := fields[2].([]any)

	p := Path{
		Nodes:         make([]Node, 0, len(rawNodes)),
		Relationships: make([]UnboundRelationship, 0, len(rawRels)),
		Indices:       make([]int64, 0, len(rawIdx)),
	}
	for _, v := range rawNodes {
		n, ok := v.(Node)
		if !ok {
			return nil, fmt.Errorf("packstream: path node is %T", v)
		}
		p.Nodes = append(p.Nodes, n)
	}
	for _, v := range rawRels {
		r, ok := v.(UnboundRelationship)
		if !ok {
			return nil, fmt.Errorf("packstream: path relationship is %T", v)
		}
		p.Relationships = append(p.Relationships, r)
	}
	for _, v := range rawIdx {
		p.Indices = append(p.Indices, asInt(v))
	}
	return p, nil
}

func arity(tag byte, fields []any, want int) error {
	if len(fields) != want {
		return fmt.Errorf("packstream: structure 0x%02X has %d fields, expected %d", tag, len(fields), want)
	}
	return nil
}

// Lenient field accessors. Servers occasionally send null where an
// entity id is expected (5.x element-id mode); treat that as -1.
func asInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case nil:
		return -1
	default:
		return -1
	}
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	default:
		return 0
	}
}

func asStrings(v any) []string {
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
