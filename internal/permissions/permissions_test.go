package permissions

import (
	"testing"
)

func mustProfile(t *testing.T, name string) Set {
	t.Helper()
	s, err := Profile(name)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCheckFileAccess(t *testing.T) {
	std := mustProfile(t, ProfileStandard)

	tests := []struct {
		name    string
		set     Set
		path    string
		mode    Mode
		allowed bool
		rule    string
	}{
		{"prefix read", std, "/tmp/report.txt", ModeRead, true, "/tmp/*"},
		{"prefix write", std, "/home/u/notes.md", ModeWrite, true, "/home/*"},
		{"write outside", std, "/var/log/syslog", ModeWrite, false, ""},
		{"literal rule", Set{FileRead: []string{"/etc/hosts"}}, "/etc/hosts", ModeRead, true, "/etc/hosts"},
		{"traversal rejected before match", std, "/tmp/../etc/passwd", ModeRead, false, ""},
		{"encoded traversal", std, "/tmp/%2e%2e/etc/passwd", ModeRead, false, ""},
		{"wildcard", mustProfile(t, ProfileAdmin), "/etc/shadow", ModeWrite, true, Wildcard},
		{"empty set", Set{}, "/tmp/x", ModeRead, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := CheckFileAccess(tt.set, tt.path, tt.mode)
			if c.Allowed != tt.allowed {
				t.Fatalf("allowed=%v, want %v (reason %q)", c.Allowed, tt.allowed, c.Reason)
			}
			if c.AppliedRule != tt.rule {
				t.Fatalf("rule=%q, want %q", c.AppliedRule, tt.rule)
			}
			if c.Reason == "" {
				t.Fatal("expected a reason")
			}
		})
	}
}

func TestCheckNetworkAccess(t *testing.T) {
	std := mustProfile(t, ProfileStandard)
	if c := CheckNetworkAccess(std, "https://api.github.com/repos"); !c.Allowed {
		t.Fatalf("expected github api allowed: %s", c.Reason)
	}
	if c := CheckNetworkAccess(std, "pypi.org:443"); !c.Allowed {
		t.Fatalf("expected host:port allowed: %s", c.Reason)
	}
	if c := CheckNetworkAccess(std, "https://evil.example.com"); c.Allowed {
		t.Fatal("expected unknown host denied")
	}
	if c := CheckNetworkAccess(mustProfile(t, ProfileRestricted), "https://api.github.com"); c.Allowed {
		t.Fatal("restricted profile must deny network")
	}
	if c := CheckNetworkAccess(Set{Network: []string{"internal.*"}}, "internal.corp"); !c.Allowed || c.AppliedRule != "internal.*" {
		t.Fatalf("expected prefix rule, got %+v", c)
	}
}

func TestCheckCommand(t *testing.T) {
	restricted := mustProfile(t, ProfileRestricted)
	if c := CheckCommand(restricted, "ls -la /tmp"); !c.Allowed || c.AppliedRule != "ls" {
		t.Fatalf("expected ls allowed, got %+v", c)
	}
	if c := CheckCommand(restricted, "curl https://x"); c.Allowed {
		t.Fatal("expected curl denied")
	}
	if c := CheckCommand(restricted, "cat ../../etc/passwd"); c.Allowed {
		t.Fatal("expected traversal denied")
	}
	if c := CheckCommand(restricted, "   "); c.Allowed {
		t.Fatal("expected empty command denied")
	}
	if c := CheckCommand(mustProfile(t, ProfileAdmin), "anything at all"); !c.Allowed {
		t.Fatal("admin must allow")
	}
}

func TestCheckEnvVar(t *testing.T) {
	std := mustProfile(t, ProfileStandard)
	if !CheckEnvVar(std, "LC_ALL").Allowed {
		t.Fatal("expected LC_* prefix to allow LC_ALL")
	}
	if CheckEnvVar(std, "AWS_SECRET_ACCESS_KEY").Allowed {
		t.Fatal("expected secret env var denied")
	}
}

func TestCheckResourceLimits(t *testing.T) {
	restricted := mustProfile(t, ProfileRestricted)
	v := CheckResourceLimits(restricted, Usage{CPUPercent: 40, MemoryMB: 100, ExecutionSeconds: 45})
	if len(v) != 2 {
		t.Fatalf("expected 2 violations, got %v", v)
	}
	if v[0].Resource != "cpu_percent" || v[0].Limit != 25 || v[0].Actual != 40 {
		t.Fatalf("unexpected cpu violation: %+v", v[0])
	}
	if v[1].Resource != "execution_seconds" {
		t.Fatalf("unexpected second violation: %+v", v[1])
	}

	if v := CheckResourceLimits(mustProfile(t, ProfileAdmin), Usage{CPUPercent: 100, MemoryMB: 1 << 20}); len(v) != 0 {
		t.Fatalf("admin must be unrestricted, got %v", v)
	}
}

func TestMerge(t *testing.T) {
	base := mustProfile(t, ProfileRestricted)
	extra := Set{
		FileRead: []string{"/tmp/*", "/data/*"},
		Network:  []string{"api.github.com"},
		Limits:   ResourceLimits{MaxCPUPercent: 60},
	}
	m := Merge(base, extra)

	if len(m.FileRead) != 2 || m.FileRead[0] != "/tmp/*" || m.FileRead[1] != "/data/*" {
		t.Fatalf("unexpected union: %v", m.FileRead)
	}
	if len(m.Network) != 1 {
		t.Fatalf("expected network rule added, got %v", m.Network)
	}
	if m.Limits.MaxCPUPercent != 60 {
		t.Fatalf("expected later scalar to override, got %v", m.Limits.MaxCPUPercent)
	}
	if m.Limits.MaxMemoryMB != 256 {
		t.Fatalf("expected unset scalar to keep base value, got %v", m.Limits.MaxMemoryMB)
	}
	if len(base.FileRead) != 1 {
		t.Fatal("merge must not modify base")
	}
}

func TestProfile_Unknown(t *testing.T) {
	if _, err := Profile("superuser"); err == nil {
		t.Fatal("expected error")
	}
}
