package server

import (
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func field(s *structpb.Struct, key string) (*structpb.Value, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.GetFields()[key]
	return v, ok
}

func str(s *structpb.Struct, key string) string {
	v, _ := field(s, key)
	return v.GetStringValue()
}

func flag(s *structpb.Struct, key string) bool {
	v, _ := field(s, key)
	return v.GetBoolValue()
}

func number(s *structpb.Struct, key string) (float64, bool) {
	v, ok := field(s, key)
	if !ok {
		return 0, false
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		return 0, false
	}
	return n.NumberValue, true
}

func object(s *structpb.Struct, key string) *structpb.Struct {
	v, _ := field(s, key)
	return v.GetStructValue()
}

// plain rewrites v into the types structpb.NewValue accepts.
func plain(v any) any {
	switch x := v.(type) {
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = plain(e)
		}
		return out
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC().Format(time.RFC3339)
	default:
		return v
	}
}

func respond(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(plain(m).(map[string]any))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
