// Package events publishes verdict events to NATS for downstream automation
// (scoring dashboards, ticketing hooks). Publication observes the write
// path; a broken broker never fails a correlation cycle.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/breachrange/collectors/internal/engine"
	"github.com/breachrange/collectors/internal/logging"
)

// SubjectVerdicts receives one message per verdict.
const SubjectVerdicts = "collector.verdicts"

// VerdictEvent is the published message shape.
type VerdictEvent struct {
	CollectorID   string    `json:"collector_id"`
	Vendor        string    `json:"vendor"`
	ExpectationID string    `json:"expectation_id"`
	Kind          string    `json:"kind"`
	Result        string    `json:"result"`
	Success       bool      `json:"success"`
	AlertID       string    `json:"alert_id,omitempty"`
	AlertName     string    `json:"alert_name,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher sends verdict events over a NATS connection.
type Publisher struct {
	conn        *nats.Conn
	collectorID string
	vendor      string
	log         *logging.Logger
}

// Connect dials NATS and builds the publisher.
func Connect(url, collectorID, vendor string, log *logging.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &Publisher{conn: conn, collectorID: collectorID, vendor: vendor, log: log}, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.log.Warn("nats drain failed", "error", err)
	}
}

// ObserveVerdicts publishes one event per verdict. Failures are logged and
// dropped.
func (p *Publisher) ObserveVerdicts(ctx context.Context, verdicts []engine.Verdict) {
	now := time.Now().UTC()
	for _, v := range verdicts {
		event := VerdictEvent{
			CollectorID:   p.collectorID,
			Vendor:        p.vendor,
			ExpectationID: v.ExpectationID,
			Kind:          string(v.Kind),
			Result:        v.Result,
			Success:       v.Success,
			Timestamp:     now,
		}
		if v.Alert != nil {
			event.AlertID = v.Alert.ID
			event.AlertName = v.Alert.Name
		}

		payload, err := json.Marshal(event)
		if err != nil {
			p.log.Warn("failed to marshal verdict event",
				"expectation_id", v.ExpectationID, "error", err)
			continue
		}
		if err := p.conn.Publish(SubjectVerdicts, payload); err != nil {
			p.log.Warn("failed to publish verdict event",
				"expectation_id", v.ExpectationID, "error", err)
		}
	}
}
