// Package confirm decides whether a tool call needs explicit confirmation and
// applies the user's (or policy's) answer.
package confirm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/audit"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/invocation"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/metrics"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/params"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/policy"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/sanitize"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/trust"
)

// Choice is the answer to a confirmation request.
type Choice string

const (
	ChoiceExecuteOnce       Choice = "execute_once"
	ChoiceAlwaysAllowTool   Choice = "always_allow_tool"
	ChoiceAlwaysTrustServer Choice = "always_trust_server"
	ChoiceBlockTool         Choice = "block_tool"
	ChoiceCancel            Choice = "cancel"
)

// ParseChoice rejects unknown choices.
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(s); c {
	case ChoiceExecuteOnce, ChoiceAlwaysAllowTool, ChoiceAlwaysTrustServer, ChoiceBlockTool, ChoiceCancel:
		return c, nil
	default:
		return "", fmt.Errorf("unknown confirmation choice %q", s)
	}
}

// Decision is the outcome of a confirmation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Request describes a pending tool call to a confirmation surface.
type Request struct {
	ID         string
	Tool       string
	Parameters *structpb.Struct
	// DisplayParameters is the redacted copy surfaces must render.
	DisplayParameters    *structpb.Struct
	Context              invocation.Context
	Assessment           risk.Assessment
	Policy               policy.EffectivePolicy
	RequiresConfirmation bool
	Reason               string
	// Blacklisted is set when the tool is blocked on the server.
	Blacklisted bool
}

// Result is the outcome of processing a choice.
type Result struct {
	Decision     Decision
	Choice       Choice
	Message      string
	TrustUpdated bool
	AuditLogged  bool
}

// Allowed reports whether the call may proceed.
func (r Result) Allowed() bool { return r.Decision == DecisionAllow }

// Surface presents a request to a human and returns their choice. It must
// honor ctx cancellation.
type Surface interface {
	Confirm(ctx context.Context, req Request) (Choice, error)
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(ctx context.Context, req Request) (Choice, error)

func (f SurfaceFunc) Confirm(ctx context.Context, req Request) (Choice, error) {
	return f(ctx, req)
}

// Engine evaluates confirmation requirements against trust and policy state.
type Engine struct {
	trust    *trust.Manager
	policies *policy.Engine
	sink     audit.Sink
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine wires an engine. policies may be nil, in which case the built-in
// defaults apply.
func NewEngine(tm *trust.Manager, policies *policy.Engine, sink audit.Sink, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		trust:    tm,
		policies: policies,
		sink:     sink,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// EffectivePolicy resolves the policy for an invocation.
func (e *Engine) EffectivePolicy(ic invocation.Context, tool string) policy.EffectivePolicy {
	if e.policies == nil {
		return policy.DefaultEffectivePolicy()
	}
	return e.policies.Effective(policy.Context{
		UserID:   ic.UserID,
		ServerID: ic.ServerID,
		ToolName: tool,
		Time:     e.now(),
	})
}

// Evaluate assesses a call and decides whether it needs confirmation.
func (e *Engine) Evaluate(tool string, p *structpb.Struct, ic invocation.Context) Request {
	assessment := risk.Assess(tool, p)
	pol := e.EffectivePolicy(ic, tool)
	rec := e.trust.Get(ic.ServerID)

	var reasons []string
	blacklisted := rec.Blacklisted(tool)
	if blacklisted {
		reasons = append(reasons, fmt.Sprintf("Tool %s is blacklisted on server %s", tool, ic.ServerID))
	}
	if assessment.Level >= pol.RequireConfirmationThreshold() {
		reasons = append(reasons, "Risk level: "+assessment.Level.String())
	}
	if len(reasons) == 0 && e.trust.RequiresConfirmation(ic.ServerID, tool, p) {
		reasons = append(reasons, "Trust verification required")
	}
	if pol.ConfirmationRequiredForAll() {
		reasons = append(reasons, "Emergency mode: confirmation required for all tools")
	}

	req := Request{
		ID:                   audit.NewRequestID(),
		Tool:                 tool,
		Parameters:           p,
		DisplayParameters:    sanitize.Redact(p),
		Context:              ic,
		Assessment:           assessment,
		Policy:               pol,
		RequiresConfirmation: len(reasons) > 0,
		Reason:               "No confirmation required",
		Blacklisted:          blacklisted,
	}
	if req.RequiresConfirmation {
		req.Reason = strings.Join(reasons, "; ")
	}
	return req
}

// Process applies choice to req: trust side effects first, then an audit
// record. The returned result is always audited. A non-nil error reports a
// failed trust write-back; the decision in the result still stands.
func (e *Engine) Process(ctx context.Context, req Request, choice Choice) (Result, error) {
	res := Result{Choice: choice}
	var err error

	server, tool := req.Context.ServerID, req.Tool
	switch choice {
	case ChoiceExecuteOnce:
		res.Decision = DecisionAllow
		res.Message = "Allowed once"
	case ChoiceAlwaysAllowTool:
		res.Decision = DecisionAllow
		res.Message = fmt.Sprintf("Tool %s whitelisted on %s", tool, server)
		err = e.trust.WhitelistTool(ctx, server, tool)
	case ChoiceAlwaysTrustServer:
		res.Decision = DecisionAllow
		res.Message = fmt.Sprintf("Server %s trusted", server)
		err = e.trust.Grant(ctx, server, trust.LevelTrusted, req.Context.User(), req.Policy.SessionTrustTimeout())
	case ChoiceBlockTool:
		res.Decision = DecisionDeny
		res.Message = fmt.Sprintf("Tool %s blocked on %s", tool, server)
		err = e.trust.BlacklistTool(ctx, server, tool)
	default:
		res.Choice = ChoiceCancel
		res.Decision = DecisionDeny
		res.Message = "Cancelled"
	}
	if err != nil {
		e.logger.Error("trust update failed",
			zap.String("server_id", server),
			zap.String("tool_name", tool),
			zap.String("choice", string(choice)),
			zap.Error(err),
		)
		res.Message += " (trust update failed)"
		err = fmt.Errorf("Process: %w", err)
	} else {
		res.TrustUpdated = choice == ChoiceAlwaysAllowTool || choice == ChoiceAlwaysTrustServer || choice == ChoiceBlockTool
	}

	decision := audit.DecisionAllowed
	if !res.Allowed() {
		decision = audit.DecisionDenied
	}
	e.sink.Write(&audit.Record{
		RequestID:            req.ID,
		Timestamp:            e.now(),
		Source:               audit.SourceConfirmation,
		UserID:               req.Context.User(),
		ServerID:             server,
		SessionID:            req.Context.SessionID,
		Interface:            string(req.Context.Interface),
		ToolName:             tool,
		ArgumentsJSON:        params.JSON(req.DisplayParameters),
		Decision:             decision,
		Reason:               res.Message,
		RiskLevel:            req.Assessment.Level.String(),
		RiskFactors:          factorNames(req.Assessment.Factors),
		ConfirmationRequired: req.RequiresConfirmation,
		Choice:               string(res.Choice),
	})
	res.AuditLogged = true
	e.metrics.ObserveConfirmation(string(res.Choice))
	return res, err
}

// HandleHeadless decides a request with no human present. Blacklisted tools
// and critical risk are always denied, high risk is denied when the policy
// auto-blocks it, and everything else is allowed. It has no side effects.
func HandleHeadless(req Request, pol policy.EffectivePolicy) Result {
	switch {
	case req.Blacklisted:
		return Result{Decision: DecisionDeny, Message: "Tool is blacklisted on this server"}
	case req.Assessment.Level == risk.LevelCritical:
		return Result{Decision: DecisionDeny, Message: "Critical risk operations are blocked in headless mode"}
	case req.Assessment.Level == risk.LevelHigh && pol.AutoBlockHighRisk():
		return Result{Decision: DecisionDeny, Message: "High risk operations are blocked by policy"}
	default:
		return Result{Decision: DecisionAllow, Message: "Allowed by headless policy"}
	}
}

func factorNames(fs []risk.Factor) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}
