package permissions

import "fmt"

// Profile names.
const (
	ProfileRestricted = "restricted"
	ProfileStandard   = "standard"
	ProfileAdmin      = "admin"
)

// Profile returns a copy of a canned permission set.
func Profile(name string) (Set, error) {
	switch name {
	case ProfileRestricted:
		return Set{
			FileRead: []string{"/tmp/*"},
			Commands: []string{"ls", "cat", "echo", "pwd"},
			EnvVars:  []string{"PATH", "HOME", "LANG"},
			Limits: ResourceLimits{
				MaxCPUPercent:       25,
				MaxMemoryMB:         256,
				MaxExecutionSeconds: 30,
				MaxFileSizeMB:       10,
			},
		}, nil
	case ProfileStandard:
		return Set{
			FileRead:  []string{"/tmp/*", "/home/*", "/var/log/*"},
			FileWrite: []string{"/tmp/*", "/home/*"},
			Network:   []string{"api.github.com", "github.com", "registry.npmjs.org", "pypi.org", "proxy.golang.org"},
			Commands:  []string{"ls", "cat", "echo", "pwd", "grep", "find", "head", "tail", "wc", "git", "python", "node", "go"},
			EnvVars:   []string{"PATH", "HOME", "LANG", "USER", "TERM", "LC_*"},
			Limits: ResourceLimits{
				MaxCPUPercent:       50,
				MaxMemoryMB:         1024,
				MaxExecutionSeconds: 300,
				MaxFileSizeMB:       100,
				MaxNetworkRequests:  100,
			},
		}, nil
	case ProfileAdmin:
		return Set{
			FileRead:  []string{Wildcard},
			FileWrite: []string{Wildcard},
			Network:   []string{Wildcard},
			Commands:  []string{Wildcard},
			EnvVars:   []string{Wildcard},
		}, nil
	default:
		return Set{}, fmt.Errorf("unknown permission profile %q", name)
	}
}
