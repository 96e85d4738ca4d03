// Package executor is the single entry point for running an MCP tool call
// through the security pipeline.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/anomaly"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/audit"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/confirm"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/invocation"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/metrics"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/params"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/policy"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/registry"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/sanitize"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/trust"
)

const (
	DefaultConfirmTimeout = 60 * time.Second
	DefaultQueueTimeout   = 5 * time.Second
)

// Security decisions reported on successful results.
const DecisionAllowed = "allowed"

// EventRecorder receives one security event per execution. RecordEvent must
// not block.
type EventRecorder interface {
	RecordEvent(ev anomaly.Event)
}

// Config wires an Executor. Trust and Audit are required.
type Config struct {
	Trust    *trust.Manager
	Policies *policy.Engine
	Audit    audit.Sink
	Events   EventRecorder
	Surface  confirm.Surface
	Tools    registry.ToolRegistry // optional per-tool sanitizer overrides
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	Sanitize       sanitize.Options
	ConfirmTimeout time.Duration
	QueueTimeout   time.Duration
}

// Result is a successful execution.
type Result struct {
	RequestID            string
	SecurityDecision     string
	RiskLevel            risk.Level
	RiskFactors          []risk.Factor
	ConfirmationRequired bool
	SanitizationWarnings []string
	AuditLogged          bool
	ToolResult           *mcp.CallToolResult
}

// Executor runs tool calls through sanitization, risk assessment,
// confirmation, permission checks and a concurrency gate before dispatch.
type Executor struct {
	cfg     Config
	confirm *confirm.Engine
	gate    *gate
	logger  *zap.Logger
	now     func() time.Time
}

func New(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = DefaultQueueTimeout
	}
	return &Executor{
		cfg:     cfg,
		confirm: confirm.NewEngine(cfg.Trust, cfg.Policies, cfg.Audit, cfg.Metrics, cfg.Logger),
		gate:    newGate(),
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

// Confirmations exposes the confirmation engine sharing this executor's state.
func (e *Executor) Confirmations() *confirm.Engine { return e.confirm }

// ExecuteSecure runs tool on the context's server. When confirmation is
// required and not skipped, it blocks on the configured surface.
func (e *Executor) ExecuteSecure(ctx context.Context, tool string, p *structpb.Struct, ic invocation.Context) (*Result, error) {
	return e.execute(ctx, &run{tool: tool, params: p, ictx: ic, source: audit.SourceExecute})
}

// ExecuteHeadless runs tool with no human present. Decisions come from the
// risk level and pol; a nil pol is resolved from the policy engine. A missing
// user id is recorded as the system user.
func (e *Executor) ExecuteHeadless(ctx context.Context, tool string, p *structpb.Struct, ic invocation.Context, pol *policy.EffectivePolicy) (*Result, error) {
	ic.UserID = ic.User()
	ic.Interface = invocation.InterfaceHeadless
	return e.execute(ctx, &run{tool: tool, params: p, ictx: ic, source: audit.SourceHeadless, headless: true, policy: pol})
}

// run accumulates what is known about one execution for its audit record.
type run struct {
	id       string
	start    time.Time
	tool     string
	params   *structpb.Struct
	ictx     invocation.Context
	source   string
	headless bool
	policy   *policy.EffectivePolicy

	assessment           risk.Assessment
	warnings             []string
	confirmationRequired bool
	choice               confirm.Choice
}

func (e *Executor) execute(ctx context.Context, r *run) (res *Result, err error) {
	r.id = audit.NewRequestID()
	r.start = e.now()
	e.cfg.Metrics.IncInFlight()
	defer e.cfg.Metrics.DecInFlight()

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("panic during secure execution",
				zap.String("request_id", r.id),
				zap.String("tool_name", r.tool),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			res = nil
			err = &Error{Type: ErrExecutionFailed, SecurityReason: "internal error", RiskLevel: r.assessment.Level, Err: fmt.Errorf("panic: %v", rec)}
		}
		var xerr *Error
		if err != nil && !errors.As(err, &xerr) {
			err = &Error{Type: ErrExecutionFailed, SecurityReason: "internal error", RiskLevel: r.assessment.Level, Err: err}
		}
		e.finish(r, res, err)
	}()

	return e.pipeline(ctx, r)
}

func (e *Executor) pipeline(ctx context.Context, r *run) (*Result, error) {
	ic := r.ictx
	if err := ic.Validate(); err != nil {
		return nil, &Error{Type: ErrValidation, SecurityReason: err.Error()}
	}

	opts := e.sanitizeOptions(ctx, ic.ServerID, r.tool)
	opts.BlockOnSuspicion = opts.BlockOnSuspicion || ic.BlockOnSuspicion
	sr := sanitize.Parameters(r.params, r.tool, opts)
	r.warnings = sr.Warnings
	if sr.Blocked {
		r.assessment = risk.Assessment{Level: risk.LevelHigh}
		return nil, &Error{Type: ErrSanitizationBlocked, SecurityReason: sr.Reason, RiskLevel: risk.LevelHigh}
	}

	req := e.confirm.Evaluate(r.tool, sr.Params, ic)
	r.assessment = req.Assessment
	r.confirmationRequired = req.RequiresConfirmation
	pol := req.Policy
	if r.policy != nil {
		pol = *r.policy
	}

	if ic.Permissions != nil {
		if c, ok := CheckPermissions(*ic.Permissions, r.tool, sr.Params); !ok {
			return nil, &Error{Type: ErrPermissionDenied, SecurityReason: c.Reason, RiskLevel: req.Assessment.Level}
		}
	}

	if r.headless {
		if d := confirm.HandleHeadless(req, pol); !d.Allowed() {
			return nil, &Error{Type: ErrSecurityDenied, SecurityReason: d.Message, RiskLevel: req.Assessment.Level}
		}
	} else if req.RequiresConfirmation && !ic.SkipConfirmation {
		r.choice = e.awaitChoice(ctx, req)
		cr, err := e.confirm.Process(ctx, req, r.choice)
		if err != nil {
			e.logger.Warn("confirmation trust update failed", zap.String("request_id", r.id), zap.Error(err))
		}
		if !cr.Allowed() {
			return nil, &Error{Type: ErrSecurityDenied, SecurityReason: "Confirmation declined: " + req.Reason, RiskLevel: req.Assessment.Level}
		}
	}

	// An active emergency caps concurrency even when the caller supplied its own policy.
	limit := pol.MaxConcurrentExecutions()
	if req.Policy.EmergencyMode {
		limit = req.Policy.MaxConcurrentExecutions()
	}
	queueCtx, cancel := context.WithTimeout(ctx, e.cfg.QueueTimeout)
	release, err := e.gate.acquire(queueCtx, limit)
	cancel()
	if err != nil {
		return nil, &Error{
			Type:           ErrConcurrencyLimited,
			SecurityReason: fmt.Sprintf("more than %d concurrent executions", limit),
			RiskLevel:      req.Assessment.Level,
			Err:            err,
		}
	}
	defer release()

	toolResult, err := e.dispatch(ctx, r.tool, sr.Params, ic)
	if err != nil {
		return nil, &Error{Type: ErrExecutionFailed, SecurityReason: "tool execution failed", RiskLevel: req.Assessment.Level, Err: err}
	}

	return &Result{
		RequestID:            r.id,
		SecurityDecision:     DecisionAllowed,
		RiskLevel:            req.Assessment.Level,
		RiskFactors:          req.Assessment.Factors,
		ConfirmationRequired: req.RequiresConfirmation,
		SanitizationWarnings: sr.Warnings,
		ToolResult:           toolResult,
	}, nil
}

// sanitizeOptions applies the tool's registered definition, if any. Registry
// failures fall back to the base options.
func (e *Executor) sanitizeOptions(ctx context.Context, serverID, tool string) sanitize.Options {
	opts, err := registry.Options(ctx, e.cfg.Tools, e.cfg.Sanitize, serverID, tool)
	if err != nil {
		e.logger.Warn("tool registry lookup failed",
			zap.String("server_id", serverID),
			zap.String("tool_name", tool),
			zap.Error(err),
		)
	}
	return opts
}

func (e *Executor) dispatch(ctx context.Context, tool string, args *structpb.Struct, ic invocation.Context) (*mcp.CallToolResult, error) {
	if ic.Permissions != nil && ic.Permissions.Limits.MaxExecutionSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ic.Permissions.Limits.MaxExecutionSeconds*float64(time.Second)))
		defer cancel()
	}
	conn, err := ic.Connections.GetConnection(ctx, ic.ServerID)
	if err != nil {
		return nil, fmt.Errorf("get connection %s: %w", ic.ServerID, err)
	}
	res, err := conn.Send(ctx, tool, args)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", tool, err)
	}
	return res, nil
}

// awaitChoice asks the surface for a choice. No surface, a surface error or
// panic, the confirm timeout and ctx cancellation all resolve to cancel.
func (e *Executor) awaitChoice(ctx context.Context, req confirm.Request) confirm.Choice {
	if e.cfg.Surface == nil {
		e.logger.Warn("confirmation required but no surface configured", zap.String("tool_name", req.Tool))
		return confirm.ChoiceCancel
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	type answer struct {
		choice confirm.Choice
		err    error
	}
	ch := make(chan answer, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- answer{err: fmt.Errorf("surface panic: %v", rec)}
			}
		}()
		c, err := e.cfg.Surface.Confirm(ctx, req)
		ch <- answer{c, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			e.logger.Warn("confirmation surface failed", zap.String("tool_name", req.Tool), zap.Error(a.err))
			return confirm.ChoiceCancel
		}
		if _, err := confirm.ParseChoice(string(a.choice)); err != nil {
			return confirm.ChoiceCancel
		}
		return a.choice
	case <-ctx.Done():
		e.logger.Info("confirmation timed out or was cancelled",
			zap.String("tool_name", req.Tool),
			zap.Error(ctx.Err()),
		)
		return confirm.ChoiceCancel
	}
}

// finish writes the audit record and security event for every exit path.
func (e *Executor) finish(r *run, res *Result, err error) {
	elapsed := e.now().Sub(r.start)

	rec := &audit.Record{
		RequestID:            r.id,
		Timestamp:            r.start,
		Source:               r.source,
		UserID:               r.ictx.User(),
		ServerID:             r.ictx.ServerID,
		SessionID:            r.ictx.SessionID,
		Interface:            string(r.ictx.Interface),
		ToolName:             r.tool,
		ArgumentsJSON:        params.JSON(sanitize.Redact(r.params)),
		Decision:             audit.DecisionAllowed,
		RiskLevel:            levelName(r.assessment.Level),
		RiskFactors:          factorNames(r.assessment.Factors),
		ConfirmationRequired: r.confirmationRequired,
		Choice:               string(r.choice),
		SanitizationWarnings: r.warnings,
		LatencyMs:            float32(elapsed.Microseconds()) / 1000,
	}
	eventType := "tool_execution"

	var xerr *Error
	if errors.As(err, &xerr) {
		xerr.RequestID = r.id
		rec.ErrorType = string(xerr.Type)
		rec.Reason = xerr.SecurityReason
		rec.RiskLevel = levelName(xerr.RiskLevel)
		rec.Decision = audit.DecisionFailed
		if xerr.denied() {
			rec.Decision = audit.DecisionDenied
			eventType = "security_violation"
		}
		e.cfg.Metrics.ObserveExecutionError(string(xerr.Type))
		e.logger.Info("tool execution refused",
			zap.String("request_id", r.id),
			zap.String("server_id", r.ictx.ServerID),
			zap.String("user_id", rec.UserID),
			zap.String("tool_name", r.tool),
			zap.String("error_type", rec.ErrorType),
			zap.String("risk_level", rec.RiskLevel),
			zap.String("reason", rec.Reason),
			zap.NamedError("cause", xerr.Err),
		)
	}

	e.cfg.Audit.Write(rec)
	if res != nil {
		res.AuditLogged = true
	}
	e.cfg.Metrics.ObserveDecision(rec.Decision, rec.RiskLevel)
	e.cfg.Metrics.ObserveDuration(elapsed)

	if e.cfg.Events != nil {
		e.cfg.Events.RecordEvent(anomaly.Event{
			Type:       eventType,
			UserID:     rec.UserID,
			ServerID:   r.ictx.ServerID,
			ToolName:   r.tool,
			Parameters: r.params,
			Timestamp:  r.start,
		})
	}
}

func levelName(l risk.Level) string {
	if l == 0 {
		return ""
	}
	return l.String()
}

func factorNames(fs []risk.Factor) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}

