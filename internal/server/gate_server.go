// Package server exposes the gate's decision and administration API over gRPC.
package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/mcp_gate/internal/anomaly"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/audit"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/auth"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/confirm"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/executor"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/invocation"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/metrics"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/params"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/permissions"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/policy"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/registry"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/risk"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/sanitize"
	"github.com/triage-ai/palisade/services/mcp_gate/internal/trust"
)

// Check decisions.
const (
	CheckAllowed              = "allowed"
	CheckDenied               = "denied"
	CheckConfirmationRequired = "confirmation_required"
)

// Config wires a GateServer. Detector and Tools are optional.
type Config struct {
	Auth     auth.Authenticator
	Trust    *trust.Manager
	Policies *policy.Engine
	Confirm  *confirm.Engine
	Detector *anomaly.Detector
	Tools    registry.ToolRegistry
	Audit    audit.Sink
	Sanitize sanitize.Options
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// GateServer implements GateService.
type GateServer struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewGateServer(cfg Config) *GateServer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &GateServer{cfg: cfg, logger: cfg.Logger, now: time.Now}
}

var _ GateServiceServer = (*GateServer)(nil)

func (s *GateServer) authenticate(ctx context.Context, admin bool) (*auth.Principal, error) {
	p, err := s.cfg.Auth.Authenticate(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			return nil, status.Error(codes.Unauthenticated, "authentication failed")
		}
		s.logger.Error("authentication backend failed", zap.Error(err))
		return nil, status.Error(codes.Unavailable, "authentication unavailable")
	}
	if admin {
		if err := auth.RequireAdmin(p); err != nil {
			return nil, status.Errorf(codes.PermissionDenied, "%s requires the admin role", p.Name)
		}
	}
	return p, nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	var verr *policy.ValidationError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &verr):
		return status.Error(codes.InvalidArgument, verr.Error())
	case errors.Is(err, policy.ErrNotFound), errors.Is(err, anomaly.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, auth.ErrPermissionDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, auth.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func invocationFrom(in *structpb.Struct) (invocation.Context, error) {
	ic := invocation.Context{
		ServerID:         str(in, "server_id"),
		UserID:           str(in, "user_id"),
		SessionID:        str(in, "session_id"),
		Interface:        invocation.Interface(str(in, "interface")),
		BlockOnSuspicion: flag(in, "block_on_suspicion"),
	}
	if ic.Interface == "" {
		ic.Interface = invocation.InterfaceAPI
	}
	if ic.ServerID == "" {
		return ic, status.Error(codes.InvalidArgument, "server_id is required")
	}
	if str(in, "tool_name") == "" {
		return ic, status.Error(codes.InvalidArgument, "tool_name is required")
	}
	return ic, nil
}

// Check runs sanitization, risk assessment, permission checks and the
// confirmation requirement for a call without dispatching it.
func (s *GateServer) Check(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	start := s.now()
	if _, err := s.authenticate(ctx, false); err != nil {
		return nil, err
	}
	ic, err := invocationFrom(in)
	if err != nil {
		return nil, err
	}
	tool := str(in, "tool_name")
	headless := flag(in, "headless")
	if headless {
		ic.UserID = ic.User()
		ic.Interface = invocation.InterfaceHeadless
	}
	p := object(in, "parameters")

	var set *permissions.Set
	if name := str(in, "permission_profile"); name != "" {
		ps, err := permissions.Profile(name)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		set = &ps
	}

	opts, err := registry.Options(ctx, s.cfg.Tools, s.cfg.Sanitize, ic.ServerID, tool)
	if err != nil {
		s.logger.Warn("tool registry lookup failed",
			zap.String("server_id", ic.ServerID),
			zap.String("tool_name", tool),
			zap.Error(err),
		)
	}
	opts.BlockOnSuspicion = opts.BlockOnSuspicion || ic.BlockOnSuspicion

	rec := &audit.Record{
		RequestID:     audit.NewRequestID(),
		Timestamp:     start,
		Source:        audit.SourceCheck,
		UserID:        ic.User(),
		ServerID:      ic.ServerID,
		SessionID:     ic.SessionID,
		Interface:     string(ic.Interface),
		ToolName:      tool,
		ArgumentsJSON: params.JSON(sanitize.Redact(p)),
	}
	resp := map[string]any{"request_id": rec.RequestID}

	sr := sanitize.Parameters(p, tool, opts)
	rec.SanitizationWarnings = sr.Warnings
	resp["sanitization_warnings"] = sr.Warnings

	var req confirm.Request
	switch {
	case sr.Blocked:
		rec.Decision = audit.DecisionDenied
		rec.ErrorType = string(executor.ErrSanitizationBlocked)
		rec.Reason = sr.Reason
		rec.RiskLevel = risk.LevelHigh.String()
	default:
		req = s.cfg.Confirm.Evaluate(tool, sr.Params, ic)
		rec.RiskLevel = req.Assessment.Level.String()
		rec.RiskFactors = factorNames(req.Assessment.Factors)
		rec.ConfirmationRequired = req.RequiresConfirmation
		resp["risk_factors"] = rec.RiskFactors
		resp["confirmation_reason"] = req.Reason
		resp["emergency_mode"] = req.Policy.EmergencyMode
		resp["sanitized_parameters"] = sanitize.Redact(sr.Params).AsMap()
		s.decide(rec, req, set, in, headless)
	}

	resp["decision"] = checkDecision(rec)
	resp["risk_level"] = rec.RiskLevel
	resp["confirmation_required"] = rec.ConfirmationRequired
	resp["reason"] = rec.Reason
	if rec.ErrorType != "" {
		resp["error_type"] = rec.ErrorType
	}
	if s.cfg.Detector != nil {
		related := s.cfg.Detector.AnalyzeContext(anomaly.Query{UserID: ic.User(), ServerID: ic.ServerID, ToolName: tool})
		resp["related_anomalies"] = anomalyList(related)
	}

	rec.LatencyMs = float32(s.now().Sub(start).Microseconds()) / 1000
	s.cfg.Audit.Write(rec)
	s.cfg.Metrics.ObserveDecision(rec.Decision, rec.RiskLevel)

	eventType := "tool_check"
	if rec.Decision == audit.DecisionDenied {
		eventType = "security_violation"
	}
	if s.cfg.Detector != nil {
		s.cfg.Detector.RecordEvent(anomaly.Event{
			Type:       eventType,
			UserID:     ic.User(),
			ServerID:   ic.ServerID,
			ToolName:   tool,
			Parameters: p,
			Timestamp:  start,
		})
	}
	return respond(resp)
}

// decide fills in the decision for a call that passed sanitization.
func (s *GateServer) decide(rec *audit.Record, req confirm.Request, set *permissions.Set, in *structpb.Struct, headless bool) {
	deny := func(errType executor.ErrorType, reason string) {
		rec.Decision = audit.DecisionDenied
		rec.ErrorType = string(errType)
		rec.Reason = reason
	}

	if set != nil {
		if c, ok := executor.CheckPermissions(*set, req.Tool, req.Parameters); !ok {
			deny(executor.ErrPermissionDenied, c.Reason)
			return
		}
		if violations := permissions.CheckResourceLimits(*set, usageFrom(object(in, "resource_usage"))); len(violations) > 0 {
			deny(executor.ErrPermissionDenied, "resource limit exceeded: "+violations[0].String())
			return
		}
	}

	if headless {
		if d := confirm.HandleHeadless(req, req.Policy); !d.Allowed() {
			deny(executor.ErrSecurityDenied, d.Message)
			return
		}
		rec.Decision = audit.DecisionAllowed
		rec.Reason = "Allowed by headless policy"
		return
	}
	rec.Decision = audit.DecisionAllowed
	if req.RequiresConfirmation {
		rec.Decision = audit.DecisionPending
	}
	rec.Reason = req.Reason
}

func checkDecision(rec *audit.Record) string {
	switch rec.Decision {
	case audit.DecisionDenied:
		return CheckDenied
	case audit.DecisionPending:
		return CheckConfirmationRequired
	default:
		return CheckAllowed
	}
}

func usageFrom(s *structpb.Struct) permissions.Usage {
	var u permissions.Usage
	u.CPUPercent, _ = number(s, "cpu_percent")
	u.MemoryMB, _ = number(s, "memory_mb")
	u.ExecutionSeconds, _ = number(s, "execution_seconds")
	u.FileSizeMB, _ = number(s, "file_size_mb")
	u.NetworkRequests, _ = number(s, "network_requests")
	return u
}

// ProcessConfirmation applies a confirmation choice made on a remote surface.
// Choices that change trust state require the admin role.
func (s *GateServer) ProcessConfirmation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	choice, err := confirm.ParseChoice(str(in, "choice"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	changesTrust := choice == confirm.ChoiceAlwaysAllowTool || choice == confirm.ChoiceAlwaysTrustServer || choice == confirm.ChoiceBlockTool
	if _, err := s.authenticate(ctx, changesTrust); err != nil {
		return nil, err
	}
	ic, err := invocationFrom(in)
	if err != nil {
		return nil, err
	}

	req := s.cfg.Confirm.Evaluate(str(in, "tool_name"), object(in, "parameters"), ic)
	if id := str(in, "request_id"); id != "" {
		req.ID = id
	}
	res, err := s.cfg.Confirm.Process(ctx, req, choice)
	out := map[string]any{
		"request_id":    req.ID,
		"decision":      string(res.Decision),
		"choice":        string(res.Choice),
		"message":       res.Message,
		"trust_updated": res.TrustUpdated,
		"audit_logged":  res.AuditLogged,
	}
	if err != nil {
		out["trust_error"] = err.Error()
	}
	return respond(out)
}

// GetEffectivePolicy resolves the policy for a user, server and tool.
func (s *GateServer) GetEffectivePolicy(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.authenticate(ctx, false); err != nil {
		return nil, err
	}
	eff := s.cfg.Policies.Effective(policy.Context{
		UserID:   str(in, "user_id"),
		ServerID: str(in, "server_id"),
		ToolName: str(in, "tool_name"),
	})
	em := s.cfg.Policies.Emergency()
	return respond(map[string]any{
		"settings":         eff.Settings,
		"emergency_mode":   eff.EmergencyMode,
		"applied_policies": eff.AppliedPolicies,
		"evaluated_at":     eff.EvaluationTimestamp,
		"emergency":        emergencyMap(em),
	})
}

// UpsertPolicy creates or replaces the policy given in the "policy" field.
func (s *GateServer) UpsertPolicy(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := s.authenticate(ctx, true)
	if err != nil {
		return nil, err
	}
	doc := object(in, "policy")
	if doc == nil {
		return nil, status.Error(codes.InvalidArgument, "policy is required")
	}
	data := doc.AsMap()
	if _, ok := data["created_by"]; !ok {
		data["created_by"] = p.Name
	}
	rec, err := s.cfg.Policies.Upsert(ctx, data)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]any{"policy": rec.Map()})
}

func (s *GateServer) DeletePolicy(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.authenticate(ctx, true); err != nil {
		return nil, err
	}
	name := str(in, "name")
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	if err := s.cfg.Policies.Delete(ctx, name); err != nil {
		return nil, toStatus(err)
	}
	return respond(map[string]any{"deleted": name})
}

// SetEmergency activates or deactivates emergency mode.
func (s *GateServer) SetEmergency(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := s.authenticate(ctx, true)
	if err != nil {
		return nil, err
	}
	var st policy.EmergencyState
	if flag(in, "active") {
		reason := str(in, "reason")
		if reason == "" {
			return nil, status.Error(codes.InvalidArgument, "reason is required to activate emergency mode")
		}
		st = s.cfg.Policies.ActivateEmergency(reason, p.Name)
	} else {
		st = s.cfg.Policies.DeactivateEmergency(p.Name)
	}
	return respond(emergencyMap(st))
}

// Trust actions.
const (
	TrustGrant     = "grant"
	TrustRevoke    = "revoke"
	TrustWhitelist = "whitelist"
	TrustBlacklist = "blacklist"
)

// UpdateTrust grants or revokes server trust, or whitelists or blacklists a tool.
func (s *GateServer) UpdateTrust(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := s.authenticate(ctx, true)
	if err != nil {
		return nil, err
	}
	serverID := str(in, "server_id")
	if serverID == "" {
		return nil, status.Error(codes.InvalidArgument, "server_id is required")
	}
	tool := str(in, "tool_name")
	needTool := func() error {
		if tool == "" {
			return status.Error(codes.InvalidArgument, "tool_name is required")
		}
		return nil
	}

	switch action := str(in, "action"); action {
	case TrustGrant:
		level, perr := trust.ParseLevel(str(in, "level"))
		if perr != nil {
			return nil, status.Error(codes.InvalidArgument, perr.Error())
		}
		ttl, _ := number(in, "ttl_seconds")
		err = s.cfg.Trust.Grant(ctx, serverID, level, p.Name, time.Duration(ttl*float64(time.Second)))
	case TrustRevoke:
		err = s.cfg.Trust.Revoke(ctx, serverID, p.Name)
	case TrustWhitelist:
		if err := needTool(); err != nil {
			return nil, err
		}
		err = s.cfg.Trust.WhitelistTool(ctx, serverID, tool)
	case TrustBlacklist:
		if err := needTool(); err != nil {
			return nil, err
		}
		err = s.cfg.Trust.BlacklistTool(ctx, serverID, tool)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown trust action %q", action)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(trustMap(s.cfg.Trust.Get(serverID)))
}

// RecordEvent feeds an externally observed security event to the detector.
func (s *GateServer) RecordEvent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.authenticate(ctx, false); err != nil {
		return nil, err
	}
	if s.cfg.Detector == nil {
		return nil, status.Error(codes.FailedPrecondition, "anomaly detection is disabled")
	}
	ev := anomaly.Event{
		Type:       str(in, "event_type"),
		UserID:     str(in, "user_id"),
		ServerID:   str(in, "server_id"),
		ToolName:   str(in, "tool_name"),
		Parameters: object(in, "parameters"),
	}
	if ev.UserID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	if ru := object(in, "resource_usage"); ru != nil {
		ev.ResourceUsage = make(map[string]float64)
		for _, k := range []string{"cpu", "memory"} {
			if v, ok := number(ru, k); ok {
				ev.ResourceUsage[k] = v
			}
		}
	}
	if ts := str(in, "timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "timestamp: %v", err)
		}
		ev.Timestamp = t
	}
	s.cfg.Detector.RecordEvent(ev)
	return respond(map[string]any{"accepted": true})
}

// ListAnomalies returns anomalies related to the given user, server and tool,
// or every active anomaly when no filter is set.
func (s *GateServer) ListAnomalies(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.authenticate(ctx, false); err != nil {
		return nil, err
	}
	if s.cfg.Detector == nil {
		return nil, status.Error(codes.FailedPrecondition, "anomaly detection is disabled")
	}
	q := anomaly.Query{UserID: str(in, "user_id"), ServerID: str(in, "server_id"), ToolName: str(in, "tool_name")}
	var list []anomaly.Anomaly
	switch {
	case q != (anomaly.Query{}):
		list = s.cfg.Detector.AnalyzeContext(q)
	case flag(in, "include_resolved"):
		list = s.cfg.Detector.AllAnomalies()
	default:
		list = s.cfg.Detector.ActiveAnomalies()
	}
	return respond(map[string]any{"anomalies": anomalyList(list)})
}

func (s *GateServer) UpdateAnomalyStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := s.authenticate(ctx, true)
	if err != nil {
		return nil, err
	}
	if s.cfg.Detector == nil {
		return nil, status.Error(codes.FailedPrecondition, "anomaly detection is disabled")
	}
	st, err := anomaly.ParseStatus(str(in, "status"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	a, err := s.cfg.Detector.UpdateStatus(str(in, "id"), st, p.Name)
	if err != nil {
		return nil, toStatus(err)
	}
	return respond(anomalyMap(a))
}

func emergencyMap(st policy.EmergencyState) map[string]any {
	m := map[string]any{"active": st.Active}
	if st.Active {
		m["reason"] = st.Reason
		m["activated_by"] = st.ActivatedBy
		m["activated_at"] = st.ActivatedAt
	}
	return m
}

func trustMap(r trust.Record) map[string]any {
	m := map[string]any{
		"server_id":       r.ServerID,
		"trust_level":     string(r.Level),
		"whitelist_tools": r.WhitelistTools,
		"blacklist_tools": r.BlacklistTools,
		"user_granted":    r.UserGranted,
		"auto_granted":    r.AutoGranted,
		"granted_by":      r.GrantedBy,
	}
	if r.ExpiresAt != nil {
		m["expires_at"] = *r.ExpiresAt
	}
	return m
}

func anomalyMap(a anomaly.Anomaly) map[string]any {
	m := map[string]any{
		"id":          a.ID,
		"type":        string(a.Type),
		"severity":    a.Severity.String(),
		"description": a.Description,
		"user_id":     a.UserID,
		"server_id":   a.ServerID,
		"tool_name":   a.ToolName,
		"status":      string(a.Status),
		"detected_at": a.DetectedAt,
	}
	if a.UpdatedBy != "" {
		m["updated_by"] = a.UpdatedBy
	}
	if a.ResolvedAt != nil {
		m["resolved_at"] = *a.ResolvedAt
	}
	return m
}

func anomalyList(as []anomaly.Anomaly) []any {
	out := make([]any, len(as))
	for i, a := range as {
		out[i] = anomalyMap(a)
	}
	return out
}

func factorNames(fs []risk.Factor) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}
