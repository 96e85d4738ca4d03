package audit

import "go.uber.org/zap"

// LogWriter writes audit records to a zap logger. It is the sink for local
// development and the fallback for the ClickHouse writer.
type LogWriter struct {
	logger *zap.Logger
}

func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(r *Record) {
	w.logger.Info("audit_record",
		zap.String("request_id", r.RequestID),
		zap.Time("timestamp", r.Timestamp),
		zap.String("source", r.Source),
		zap.String("user_id", r.UserID),
		zap.String("server_id", r.ServerID),
		zap.String("session_id", r.SessionID),
		zap.String("tool_name", r.ToolName),
		zap.String("arguments", r.ArgumentsJSON),
		zap.String("decision", r.Decision),
		zap.String("reason", r.Reason),
		zap.String("error_type", r.ErrorType),
		zap.String("risk_level", r.RiskLevel),
		zap.Strings("risk_factors", r.RiskFactors),
		zap.Bool("confirmation_required", r.ConfirmationRequired),
		zap.String("choice", r.Choice),
		zap.Strings("sanitization_warnings", r.SanitizationWarnings),
		zap.Float32("latency_ms", r.LatencyMs),
	)
}

func (w *LogWriter) Close() {}
