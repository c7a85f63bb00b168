package bolt

import (
	"fmt"

	"github.com/orneryd/nornicdb-go/pkg/packstream"
)

// Typed server responses, hydrated from raw message bytes.

type record struct {
	values []any
}

type ignored struct{}

// success carries the metadata map of a SUCCESS response. Accessors
// are lenient: absent keys return zero values, qid defaults to -1.
type success struct {
	meta map[string]any
}

func (s *success) qid() int64 {
	if v, ok := s.meta["qid"].(int64); ok {
		return v
	}
	return -1
}

func (s *success) hasMore() bool {
	v, _ := s.meta["has_more"].(bool)
	return v
}

func (s *success) fields() []string {
	raw, _ := s.meta["fields"].([]any)
	out := make([]string, 0, len(raw))
	for _, f := range raw {
		if str, ok := f.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

func (s *success) str(key string) string {
	v, _ := s.meta[key].(string)
	return v
}

func (s *success) num(key string) int64 {
	v, _ := s.meta[key].(int64)
	return v
}

func (s *success) stats() map[string]int64 {
	raw, _ := s.meta["stats"].(map[string]any)
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		if n, ok := v.(int64); ok {
			out[k] = n
		}
	}
	return out
}

func (s *success) hints() map[string]any {
	raw, _ := s.meta["hints"].(map[string]any)
	return raw
}

// hydrateMessage decodes one framed message into a typed response.
// Anything that is not a well-formed response structure is a protocol
// violation.
func hydrateMessage(buf []byte) (any, error) {
	u := packstream.NewUnpacker(buf)
	v, err := u.Next()
	if err != nil {
		return nil, &ProtocolError{Message: fmt.Sprintf("malformed message: %v", err)}
	}
	st, ok := v.(*packstream.Structure)
	if !ok {
		return nil, &ProtocolError{Message: fmt.Sprintf("message is %T, expected structure", v)}
	}

	switch st.Tag {
	case msgRecord:
		if len(st.Fields) != 1 {
			return nil, &ProtocolError{Message: "record message without field list"}
		}
		values, ok := st.Fields[0].([]any)
		if !ok {
			return nil, &ProtocolError{Message: fmt.Sprintf("record payload is %T", st.Fields[0])}
		}
		return &record{values: values}, nil
	case msgSuccess:
		meta := map[string]any{}
		if len(st.Fields) > 0 {
			if m, ok := st.Fields[0].(map[string]any); ok {
				meta = m
			}
		}
		return &success{meta: meta}, nil
	case msgIgnored:
		return &ignored{}, nil
	case msgFailure:
		se := &ServerError{Code: "Neo.DatabaseError.General.UnknownError"}
		if len(st.Fields) > 0 {
			if m, ok := st.Fields[0].(map[string]any); ok {
				if code, ok := m["code"].(string); ok {
					se.Code = code
				}
				se.Message, _ = m["message"].(string)
			}
		}
		return se, nil
	default:
		return nil, &ProtocolError{Message: fmt.Sprintf("unexpected message tag 0x%02X", st.Tag)}
	}
}
