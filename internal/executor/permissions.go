package executor

import (
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/params"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/permissions"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
)

var envPrefixes = []string{"env.", "environment."}

// CheckPermissions applies set to every path, URL, command and environment
// variable in the arguments and returns the first denial.
func CheckPermissions(set permissions.Set, tool string, p *structpb.Struct) (permissions.Check, bool) {
	mode := permissions.ModeRead
	if risk.IsWriteTool(tool) {
		mode = permissions.ModeWrite
	}

	denied := permissions.Check{Allowed: true}
	params.Walk(p, func(path, key, value string) {
		if !denied.Allowed {
			return
		}
		var c permissions.Check
		switch {
		case isEnvPath(path):
			c = permissions.CheckEnvVar(set, key)
		case risk.IsPathKey(key):
			c = permissions.CheckFileAccess(set, value, mode)
		case risk.IsURLKey(key):
			c = permissions.CheckNetworkAccess(set, value)
		case risk.IsCommandKey(key):
			c = permissions.CheckCommand(set, value)
		default:
			return
		}
		if !c.Allowed {
			denied = c
		}
	})
	return denied, denied.Allowed
}

func isEnvPath(path string) bool {
	for _, prefix := range envPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
