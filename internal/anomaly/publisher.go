package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher forwards detected anomalies to downstream monitoring.
type Publisher interface {
	Publish(ctx context.Context, a Anomaly) error
}

// DefaultSubjectPrefix is the NATS subject prefix; the anomaly type is appended.
const DefaultSubjectPrefix = "mcp_gate.anomalies"

// NATSPublisher publishes anomalies as JSON on <prefix>.<type>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url string, logger *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("mcp-gate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("NewNATSPublisher: %w", err)
	}
	return &NATSPublisher{nc: nc, prefix: DefaultSubjectPrefix, logger: logger}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, a Anomaly) error {
	subject, data, err := encodeAnomaly(p.prefix, a)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish anomaly: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("nats drain failed", zap.Error(err))
	}
}

type anomalyMessage struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	UserID      string    `json:"user_id"`
	ServerID    string    `json:"server_id,omitempty"`
	ToolName    string    `json:"tool_name,omitempty"`
	Status      string    `json:"status"`
	DetectedAt  time.Time `json:"detected_at"`
}

func encodeAnomaly(prefix string, a Anomaly) (string, []byte, error) {
	data, err := json.Marshal(anomalyMessage{
		ID:          a.ID,
		Type:        string(a.Type),
		Severity:    a.Severity.String(),
		Description: a.Description,
		UserID:      a.UserID,
		ServerID:    a.ServerID,
		ToolName:    a.ToolName,
		Status:      string(a.Status),
		DetectedAt:  a.DetectedAt,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal anomaly: %w", err)
	}
	return prefix + "." + string(a.Type), data, nil
}
