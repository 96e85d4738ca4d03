package sanitize

import (
	"github.com/triage-ai/palisade/services/mcp_gate/internal/params"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
	"google.golang.org/protobuf/types/known/structpb"
)

const redactedPlaceholder = "[REDACTED]"

// Redact returns a copy of the tree safe to display or log: every value under
// a credential-named key and every card/SSN-shaped string is replaced.
func Redact(p *structpb.Struct) *structpb.Struct {
	if p == nil {
		return params.Clone(nil)
	}
	return redactStruct(p)
}

func redactStruct(in *structpb.Struct) *structpb.Struct {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(in.GetFields()))}
	for k, v := range in.GetFields() {
		if risk.IsSensitiveKey(k) {
			out.Fields[k] = structpb.NewStringValue(redactedPlaceholder)
			continue
		}
		out.Fields[k] = redactValue(v)
	}
	return out
}

func redactValue(v *structpb.Value) *structpb.Value {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		if risk.SensitiveValue(kind.StringValue) != "" {
			return structpb.NewStringValue(redactedPlaceholder)
		}
		return structpb.NewStringValue(kind.StringValue)
	case *structpb.Value_StructValue:
		return structpb.NewStructValue(redactStruct(kind.StructValue))
	case *structpb.Value_ListValue:
		items := kind.ListValue.GetValues()
		out := make([]*structpb.Value, len(items))
		for i, item := range items {
			out[i] = redactValue(item)
		}
		return structpb.NewListValue(&structpb.ListValue{Values: out})
	case nil:
		return structpb.NewNullValue()
	default:
		return v
	}
}
