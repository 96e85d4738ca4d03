package sanitize

import (
	"strings"
	"testing"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/params"
)

func TestPath_RejectsTraversal(t *testing.T) {
	for _, p := range []string{
		"../../etc/passwd",
		`..\..\windows\system32`,
		"%2e%2e%2f%2e%2e%2fetc%2fpasswd",
		"..%2f..%2fetc/passwd",
		"%252e%252e%252fsecret",
		"/var/data/..",
		".%2e/.%2e/etc/passwd",
		"%2e./%2e./etc/passwd",
		`.%2E\.%2E\windows`,
		"docs/.%252e/secret",
	} {
		if _, err := Path(p, Options{}); err == nil {
			t.Errorf("%q: expected traversal to be rejected", p)
		}
		if _, err := Path(p, Options{AllowedPaths: []string{"/tmp"}}); err == nil {
			t.Errorf("%q: expected traversal to be rejected with unrelated allow-list", p)
		}
	}
}

func TestPath_TraversalResolvingInsideAllowList(t *testing.T) {
	got, err := Path("/data/reports/../reports/q1.csv", Options{AllowedPaths: []string{"/data/*"}})
	if err != nil {
		t.Fatalf("expected resolved path inside allow-list to pass, got %v", err)
	}
	if got != "/data/reports/q1.csv" {
		t.Fatalf("expected resolved path, got %q", got)
	}
}

func TestPath_AllowListAndLimits(t *testing.T) {
	opts := Options{AllowedPaths: []string{"/tmp"}}
	if _, err := Path("/tmp/safe.txt", opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Path("/tmpfoo/x", opts); err == nil {
		t.Fatal("prefix match must respect path boundaries")
	}
	if _, err := Path("/home/user/x", opts); err == nil {
		t.Fatal("expected path outside allow-list to be rejected")
	}
	if _, err := Path("/tmp/a\x00.txt", Options{}); err == nil {
		t.Fatal("expected null byte to be rejected")
	}
	if _, err := Path("/tmp/"+strings.Repeat("a", DefaultMaxPathLength), Options{}); err == nil {
		t.Fatal("expected over-long path to be rejected")
	}
}

func TestCommand(t *testing.T) {
	tests := []struct {
		name      string
		cmd       string
		strict    bool
		wantErr   bool
		wantWarns int
	}{
		{"plain", "ls -la", false, false, 0},
		{"destructive", "rm -rf /", false, true, 0},
		{"semicolon", "ls; whoami", false, true, 0},
		{"and chain", "make && make install", false, true, 0},
		{"pipe", "cat x | sh", false, true, 0},
		{"substitution", "echo $(id)", false, true, 0},
		{"backtick", "echo `id`", false, true, 0},
		{"sudo", "sudo apt install x", false, true, 0},
		{"suspicious tolerated", "rm notes.txt", false, false, 1},
		{"suspicious strict", "rm notes.txt", true, true, 0},
		{"curl strict", "curl https://example.com", true, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, warns, err := Command(tt.cmd, Options{StrictMode: tt.strict})
			if tt.wantErr != (err != nil) {
				t.Fatalf("wantErr=%v, got %v", tt.wantErr, err)
			}
			if len(warns) != tt.wantWarns {
				t.Fatalf("expected %d warnings, got %v", tt.wantWarns, warns)
			}
		})
	}
}

func TestCommand_TruncatesLongCommands(t *testing.T) {
	long := "echo " + strings.Repeat("a", 2000)
	got, warns, err := Command(long, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != DefaultMaxCommandLength {
		t.Fatalf("expected truncation to %d, got %d", DefaultMaxCommandLength, len(got))
	}
	if len(warns) != 1 || !strings.Contains(warns[0], "truncated") {
		t.Fatalf("expected truncation warning, got %v", warns)
	}
}

func TestURL(t *testing.T) {
	tests := []struct {
		url     string
		opts    Options
		wantErr bool
	}{
		{"https://example.com/a?b=c", Options{}, false},
		{"http://example.com", Options{}, false},
		{"javascript:alert(1)", Options{}, true},
		{"data:text/html;base64,PHNjcmlwdD4=", Options{}, true},
		{"file:///etc/passwd", Options{}, true},
		{"ftp://example.com/x", Options{}, true},
		{"ftp://example.com/x", Options{AllowedSchemes: []string{"ftp"}}, false},
		{"file:///etc/passwd", Options{AllowedSchemes: []string{"file"}}, true},
		{"example.com/no-scheme", Options{}, true},
		{"https:///nohost", Options{}, true},
	}
	for _, tt := range tests {
		_, err := URL(tt.url, tt.opts)
		if tt.wantErr != (err != nil) {
			t.Errorf("%s: wantErr=%v, got %v", tt.url, tt.wantErr, err)
		}
	}
}

func TestParameters_BlocksNestedTraversalWithItemPath(t *testing.T) {
	p := params.New(map[string]any{
		"files": []any{
			map[string]any{"path": "/tmp/ok.txt"},
			map[string]any{"path": "../../etc/passwd"},
		},
	})
	res := Parameters(p, "read_many", Options{})
	if !res.Blocked {
		t.Fatal("expected blocked result")
	}
	if !strings.HasPrefix(res.Reason, "files.item[1].path:") {
		t.Fatalf("expected item path annotation in reason, got %q", res.Reason)
	}
}

func TestParameters_SoftFindingsWarnUnlessBlockOnSuspicion(t *testing.T) {
	p := params.New(map[string]any{"note": "<script>alert(1)</script>"})

	res := Parameters(p, "save_note", Options{})
	if res.Blocked {
		t.Fatalf("soft finding must not block by default: %q", res.Reason)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", res.Warnings)
	}

	res = Parameters(p, "save_note", Options{BlockOnSuspicion: true})
	if !res.Blocked {
		t.Fatal("expected block_on_suspicion to block")
	}
}

func TestParameters_DoesNotMutateInputAndTruncates(t *testing.T) {
	long := "echo " + strings.Repeat("b", 1500)
	p := params.New(map[string]any{"command": long, "count": 2})
	res := Parameters(p, "run", Options{})
	if res.Blocked {
		t.Fatalf("unexpected block: %s", res.Reason)
	}
	if got := res.Params.Fields["command"].GetStringValue(); len(got) != DefaultMaxCommandLength {
		t.Fatalf("expected truncated command, got length %d", len(got))
	}
	if got := p.Fields["command"].GetStringValue(); got != long {
		t.Fatal("input tree was modified")
	}
	if res.Params.Fields["count"].GetNumberValue() != 2 {
		t.Fatal("non-string fields must pass through")
	}
}

func TestParameters_DestructiveBlockedInNormalMode(t *testing.T) {
	res := Parameters(params.New(map[string]any{"command": "rm -rf /"}), "execute_command", Options{StrictMode: false})
	if !res.Blocked {
		t.Fatal("destructive command must be blocked outside strict mode")
	}
}

func TestParameters_ArgumentSchema(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []any{"path"},
	}
	if res := Parameters(params.New(map[string]any{"path": "/tmp/x"}), "read_file", Options{ArgumentSchema: schema}); res.Blocked {
		t.Fatalf("unexpected block: %s", res.Reason)
	}
	res := Parameters(params.New(map[string]any{"name": "x"}), "read_file", Options{ArgumentSchema: schema})
	if !res.Blocked || !strings.Contains(res.Reason, "schema validation failed") {
		t.Fatalf("expected schema violation, got blocked=%v reason=%q", res.Blocked, res.Reason)
	}
}

func TestValidateSafe(t *testing.T) {
	if !ValidateSafe(params.New(map[string]any{"path": "/tmp/safe.txt"}), "read_file", Options{}) {
		t.Fatal("expected safe")
	}
	if ValidateSafe(params.New(map[string]any{"url": "javascript:alert(1)"}), "open", Options{}) {
		t.Fatal("expected unsafe")
	}
}

func TestRedact(t *testing.T) {
	p := params.New(map[string]any{
		"username": "alice",
		"password": "hunter2",
		"headers":  map[string]any{"X-Api-Key": "abc123"},
		"notes":    []any{"card 4111-1111-1111-1111", "hello"},
	})
	r := Redact(p)

	if r.Fields["username"].GetStringValue() != "alice" {
		t.Fatal("non-sensitive value redacted")
	}
	if r.Fields["password"].GetStringValue() != redactedPlaceholder {
		t.Fatal("password not redacted")
	}
	if r.Fields["headers"].GetStructValue().Fields["X-Api-Key"].GetStringValue() != redactedPlaceholder {
		t.Fatal("nested api key not redacted")
	}
	notes := r.Fields["notes"].GetListValue().GetValues()
	if notes[0].GetStringValue() != redactedPlaceholder || notes[1].GetStringValue() != "hello" {
		t.Fatalf("unexpected list redaction: %v", notes)
	}
	if p.Fields["password"].GetStringValue() != "hunter2" {
		t.Fatal("input was modified")
	}
}
