package main

import (
	"os"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
