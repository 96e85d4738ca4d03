// Package params holds helpers for the untyped parameter trees that MCP tool
// calls carry. A tree is a *structpb.Struct; every node is a *structpb.Value
// whose kind is one of null, bool, number, string, list or struct.
package params

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// VisitFunc is called for every string leaf. path is the dotted location of
// the leaf (list entries appear as item[<index>]); key is the nearest map key.
type VisitFunc func(path, key, value string)

// New builds a tree from plain Go values. It panics on unsupported types and
// is intended for tests and literals.
func New(m map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(m)
	if err != nil {
		panic(fmt.Sprintf("params.New: %v", err))
	}
	return s
}

// FromJSON decodes a JSON object into a tree. An empty input yields an empty tree.
func FromJSON(data []byte) (*structpb.Struct, error) {
	s := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if len(strings.TrimSpace(string(data))) == 0 {
		return s, nil
	}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("FromJSON: %w", err)
	}
	return s, nil
}

// JSON encodes a tree as compact JSON. A nil tree encodes as "{}".
func JSON(s *structpb.Struct) string {
	if s == nil {
		return "{}"
	}
	b, err := protojson.MarshalOptions{Multiline: false}.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Clone deep-copies a tree. A nil tree clones to an empty one.
func Clone(s *structpb.Struct) *structpb.Struct {
	if s == nil {
		return &structpb.Struct{Fields: map[string]*structpb.Value{}}
	}
	return proto.Clone(s).(*structpb.Struct)
}

// Walk visits every string leaf of the tree in sorted key order.
func Walk(s *structpb.Struct, fn VisitFunc) {
	if s == nil {
		return
	}
	walkStruct(s, "", fn)
}

func walkStruct(s *structpb.Struct, prefix string, fn VisitFunc) {
	for _, k := range SortedKeys(s) {
		walkValue(s.Fields[k], Join(prefix, k), k, fn)
	}
}

func walkValue(v *structpb.Value, path, key string, fn VisitFunc) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		fn(path, key, kind.StringValue)
	case *structpb.Value_StructValue:
		walkStruct(kind.StructValue, path, fn)
	case *structpb.Value_ListValue:
		for i, item := range kind.ListValue.GetValues() {
			walkValue(item, Join(path, ItemLabel(i)), key, fn)
		}
	}
}

// Keys returns every map key in the tree, including nested ones.
func Keys(s *structpb.Struct) []string {
	var keys []string
	var visit func(v *structpb.Value)
	visitStruct := func(st *structpb.Struct) {
		for _, k := range SortedKeys(st) {
			keys = append(keys, k)
			visit(st.Fields[k])
		}
	}
	visit = func(v *structpb.Value) {
		switch kind := v.GetKind().(type) {
		case *structpb.Value_StructValue:
			visitStruct(kind.StructValue)
		case *structpb.Value_ListValue:
			for _, item := range kind.ListValue.GetValues() {
				visit(item)
			}
		}
	}
	if s != nil {
		visitStruct(s)
	}
	return keys
}

// SortedKeys returns the top-level keys of s in lexical order.
func SortedKeys(s *structpb.Struct) []string {
	keys := make([]string, 0, len(s.GetFields()))
	for k := range s.GetFields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the top-level string field named key.
func String(s *structpb.Struct, key string) (string, bool) {
	v, ok := s.GetFields()[key]
	if !ok {
		return "", false
	}
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return sv.StringValue, true
}

// ItemLabel is the path segment used for the i-th list entry.
func ItemLabel(i int) string {
	return fmt.Sprintf("item[%d]", i)
}

// Join appends a segment to a dotted path.
func Join(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	return prefix + "." + segment
}
