// Package sanitize inspects tool parameter trees for traversal, injection and
// scheme abuse before anything is dispatched to an MCP server. It returns a
// sanitized copy of the tree; the input is never modified.
package sanitize

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/params"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	DefaultMaxPathLength    = 4096
	DefaultMaxCommandLength = 1024
)

// Options tunes a sanitization pass. The zero value is usable: limits and
// schemes fall back to their defaults.
type Options struct {
	StrictMode       bool
	BlockOnSuspicion bool
	AllowedPaths     []string
	AllowedSchemes   []string       // default http, https
	MaxPathLength    int            // default 4096
	MaxCommandLength int            // default 1024
	ArgumentSchema   map[string]any // JSON Schema for the whole tree, nil to skip
}

func (o Options) maxPath() int {
	if o.MaxPathLength > 0 {
		return o.MaxPathLength
	}
	return DefaultMaxPathLength
}

func (o Options) maxCommand() int {
	if o.MaxCommandLength > 0 {
		return o.MaxCommandLength
	}
	return DefaultMaxCommandLength
}

func (o Options) schemes() []string {
	if len(o.AllowedSchemes) > 0 {
		return o.AllowedSchemes
	}
	return []string{"http", "https"}
}

// Result is the outcome of sanitizing one tree.
type Result struct {
	Params   *structpb.Struct
	Warnings []string
	Blocked  bool
	Reason   string
}

// Violation is a hard finding that blocks the call.
type Violation struct {
	Field  string
	Reason string
}

func (v *Violation) Error() string {
	if v.Field == "" {
		return v.Reason
	}
	return v.Field + ": " + v.Reason
}

var suspiciousCommandPattern = regexp.MustCompile(`(?i)(^|[\s/])(rm|rmdir|chmod|chown|curl|wget|kill|killall|nc|ncat|scp)(\s|$)`)

var scriptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)\bon(load|error|click|mouseover)\s*=`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
}

var blockedSchemes = map[string]bool{"javascript": true, "data": true, "file": true, "vbscript": true}

// Path validates a filesystem path. Traversal sequences are rejected unless
// the resolved path lands inside AllowedPaths.
func Path(p string, opts Options) (string, error) {
	if strings.ContainsRune(p, 0) || strings.Contains(strings.ToLower(p), "%00") {
		return "", &Violation{Reason: "null byte in path"}
	}
	if len(p) > opts.maxPath() {
		return "", &Violation{Reason: fmt.Sprintf("path exceeds %d characters", opts.maxPath())}
	}

	resolved := resolvePath(p)
	if risk.HasPathTraversal(p) {
		if len(opts.AllowedPaths) == 0 || !withinAllowed(resolved, opts.AllowedPaths) {
			return "", &Violation{Reason: "directory traversal detected"}
		}
		return resolved, nil
	}

	if len(opts.AllowedPaths) > 0 && !withinAllowed(resolved, opts.AllowedPaths) {
		return "", &Violation{Reason: "path outside allowed directories"}
	}
	return p, nil
}

// resolvePath percent-decodes (twice, for double encoding), normalizes
// separators and cleans the path lexically.
func resolvePath(p string) string {
	decoded := p
	for i := 0; i < 2; i++ {
		d, err := url.PathUnescape(decoded)
		if err != nil {
			break
		}
		decoded = d
	}
	decoded = strings.ReplaceAll(decoded, `\`, "/")
	return path.Clean(decoded)
}

func withinAllowed(resolved string, allowed []string) bool {
	for _, a := range allowed {
		prefix := strings.TrimSuffix(strings.TrimSuffix(a, "*"), "/")
		if prefix == "" {
			continue
		}
		if resolved == prefix || strings.HasPrefix(resolved, prefix+"/") {
			return true
		}
	}
	return false
}

// Command validates a shell command. Destructive commands, privilege
// escalation and injection metacharacters are hard violations; suspicious
// commands are warnings unless StrictMode is set. Over-long commands are
// truncated rather than rejected.
func Command(c string, opts Options) (string, []string, error) {
	if detail := risk.DestructiveCommand(c); detail != "" {
		return "", nil, &Violation{Reason: "destructive command: " + detail}
	}
	if risk.IsPrivilegeEscalation(c) {
		return "", nil, &Violation{Reason: "privilege escalation in command"}
	}
	if risk.HasCommandInjection(c) {
		return "", nil, &Violation{Reason: "command injection metacharacters"}
	}

	var warnings []string
	if suspiciousCommandPattern.MatchString(c) {
		if opts.StrictMode {
			return "", nil, &Violation{Reason: "suspicious command rejected in strict mode"}
		}
		warnings = append(warnings, "suspicious command")
	}
	if limit := opts.maxCommand(); len(c) > limit {
		c = c[:limit]
		warnings = append(warnings, fmt.Sprintf("command truncated to %d characters", limit))
	}
	return c, warnings, nil
}

// URL validates scheme and format.
func URL(raw string, opts Options) (string, error) {
	u := strings.TrimSpace(raw)
	scheme := risk.Scheme(u)
	if scheme == "" {
		return "", &Violation{Reason: "invalid URL: missing scheme"}
	}
	if blockedSchemes[scheme] {
		return "", &Violation{Reason: fmt.Sprintf("disallowed URL scheme %q", scheme)}
	}
	allowed := false
	for _, s := range opts.schemes() {
		if strings.EqualFold(s, scheme) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", &Violation{Reason: fmt.Sprintf("URL scheme %q not in allowed schemes", scheme)}
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return "", &Violation{Reason: "invalid URL format"}
	}
	if (scheme == "http" || scheme == "https") && parsed.Host == "" {
		return "", &Violation{Reason: "invalid URL format: missing host"}
	}
	return u, nil
}

// Parameters sanitizes every field of the tree.
func Parameters(p *structpb.Struct, toolName string, opts Options) Result {
	s := &sanitizer{opts: opts}
	out := s.sanitizeStruct(p, "")

	if opts.ArgumentSchema != nil && s.firstViolation == nil {
		if issue := validateSchema(p, opts.ArgumentSchema); issue != "" {
			s.violate("", issue)
		}
	}

	res := Result{
		Params:   out,
		Warnings: s.warnings,
	}
	if s.firstViolation != nil {
		res.Blocked = true
		res.Reason = s.firstViolation.Error()
	} else if opts.BlockOnSuspicion && s.firstSuspicion != "" {
		res.Blocked = true
		res.Reason = s.firstSuspicion
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	return res
}

// ValidateSafe reports whether the tree would pass sanitization unblocked.
func ValidateSafe(p *structpb.Struct, toolName string, opts Options) bool {
	return !Parameters(p, toolName, opts).Blocked
}

type sanitizer struct {
	opts           Options
	warnings       []string
	firstViolation *Violation
	firstSuspicion string
}

func (s *sanitizer) warn(field, msg string) {
	s.warnings = append(s.warnings, field+": "+msg)
}

func (s *sanitizer) suspect(field, msg string) {
	s.warn(field, msg)
	if s.firstSuspicion == "" {
		s.firstSuspicion = field + ": " + msg
	}
}

func (s *sanitizer) violate(field, reason string) {
	v := &Violation{Field: field, Reason: reason}
	s.warnings = append(s.warnings, v.Error())
	if s.firstViolation == nil {
		s.firstViolation = v
	}
}

func (s *sanitizer) sanitizeStruct(in *structpb.Struct, prefix string) *structpb.Struct {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(in.GetFields()))}
	for _, k := range params.SortedKeys(in) {
		out.Fields[k] = s.sanitizeValue(in.Fields[k], params.Join(prefix, k), k)
	}
	return out
}

func (s *sanitizer) sanitizeValue(v *structpb.Value, field, key string) *structpb.Value {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return structpb.NewStringValue(s.sanitizeString(kind.StringValue, field, key))
	case *structpb.Value_StructValue:
		return structpb.NewStructValue(s.sanitizeStruct(kind.StructValue, field))
	case *structpb.Value_ListValue:
		items := kind.ListValue.GetValues()
		out := make([]*structpb.Value, len(items))
		for i, item := range items {
			out[i] = s.sanitizeValue(item, params.Join(field, params.ItemLabel(i)), key)
		}
		return structpb.NewListValue(&structpb.ListValue{Values: out})
	case nil:
		return structpb.NewNullValue()
	default:
		return v
	}
}

func (s *sanitizer) sanitizeString(v, field, key string) string {
	switch {
	case risk.IsPathKey(key):
		clean, err := Path(v, s.opts)
		if err != nil {
			s.violate(field, violationReason(err))
			return v
		}
		return clean
	case risk.IsCommandKey(key):
		clean, warnings, err := Command(v, s.opts)
		if err != nil {
			s.violate(field, violationReason(err))
			return v
		}
		for _, w := range warnings {
			if w == "suspicious command" {
				s.suspect(field, w)
			} else {
				s.warn(field, w)
			}
		}
		return clean
	case risk.IsURLKey(key):
		clean, err := URL(v, s.opts)
		if err != nil {
			s.violate(field, violationReason(err))
			return v
		}
		return clean
	}

	for _, re := range scriptPatterns {
		if re.MatchString(v) {
			s.suspect(field, "suspicious script content")
			break
		}
	}
	if detail := risk.SensitiveValue(v); detail != "" {
		s.warn(field, "sensitive data detected ("+detail+")")
	}
	return v
}

func violationReason(err error) string {
	if v, ok := err.(*Violation); ok {
		return v.Reason
	}
	return err.Error()
}
