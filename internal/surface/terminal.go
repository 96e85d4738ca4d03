// Package surface renders confirmation requests on a terminal.
package surface

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/confirm"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/params"
)

// IsInteractive reports whether stdin is a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Terminal prompts on Out and reads the answer from In.
type Terminal struct {
	In  io.Reader
	Out io.Writer
	// Interactive reports whether a human can answer. Non-interactive
	// terminals cancel every request.
	Interactive func() bool

	once  sync.Once
	lines chan string
}

// NewTerminal prompts on stderr and reads stdin.
func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stderr, Interactive: IsInteractive}
}

var _ confirm.Surface = (*Terminal)(nil)

var choiceKeys = []struct {
	key    string
	choice confirm.Choice
	label  string
}{
	{"o", confirm.ChoiceExecuteOnce, "Execute once"},
	{"t", confirm.ChoiceAlwaysAllowTool, "Always allow this tool"},
	{"s", confirm.ChoiceAlwaysTrustServer, "Always trust this server"},
	{"b", confirm.ChoiceBlockTool, "Block this tool"},
	{"c", confirm.ChoiceCancel, "Cancel"},
}

// Confirm renders req and waits for a choice or ctx cancellation.
func (t *Terminal) Confirm(ctx context.Context, req confirm.Request) (confirm.Choice, error) {
	if t.Interactive != nil && !t.Interactive() {
		return confirm.ChoiceCancel, nil
	}
	t.render(req)

	t.once.Do(func() {
		t.lines = make(chan string)
		go t.readLines()
	})
	for {
		fmt.Fprint(t.Out, "Your choice [o/t/s/b/c]: ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(t.Out)
			return confirm.ChoiceCancel, ctx.Err()
		case line, ok := <-t.lines:
			if !ok {
				return confirm.ChoiceCancel, io.ErrUnexpectedEOF
			}
			if c, ok := parseAnswer(line); ok {
				return c, nil
			}
			fmt.Fprintln(t.Out, "Invalid input. Enter one of o, t, s, b or c.")
		}
	}
}

// readLines feeds t.lines until In is exhausted. It outlives a cancelled
// prompt so the next prompt receives the next line.
func (t *Terminal) readLines() {
	defer close(t.lines)
	sc := bufio.NewScanner(t.In)
	for sc.Scan() {
		t.lines <- sc.Text()
	}
}

func parseAnswer(line string) (confirm.Choice, bool) {
	in := strings.ToLower(strings.TrimSpace(line))
	for _, k := range choiceKeys {
		if in == k.key || in == string(k.choice) {
			return k.choice, true
		}
	}
	return "", false
}

func (t *Terminal) render(req confirm.Request) {
	w := t.Out
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== CONFIRMATION REQUIRED ===")
	fmt.Fprintf(w, "Server:     %s\n", req.Context.ServerID)
	fmt.Fprintf(w, "Tool:       %s\n", req.Tool)
	fmt.Fprintf(w, "Risk level: %s\n", req.Assessment.Level)
	if len(req.Assessment.Factors) > 0 {
		names := make([]string, len(req.Assessment.Factors))
		for i, f := range req.Assessment.Factors {
			names[i] = string(f)
		}
		fmt.Fprintf(w, "Factors:    %s\n", strings.Join(names, ", "))
	}
	if req.Reason != "" {
		fmt.Fprintf(w, "Reason:     %s\n", req.Reason)
	}
	fmt.Fprintf(w, "Parameters: %s\n", params.JSON(req.DisplayParameters))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	for _, k := range choiceKeys {
		fmt.Fprintf(w, "  [%s] %s\n", k.key, k.label)
	}
	fmt.Fprintln(w)
}
