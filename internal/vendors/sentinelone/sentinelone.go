// Package sentinelone fetches deep-visibility alerts and threats from the
// SentinelOne management API. Threats carry the threat identifier that
// prevention expectations require; plain alerts only ever satisfy detection.
package sentinelone

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/breachrange/collectors/internal/engine"
	"github.com/breachrange/collectors/internal/logging"
	"github.com/breachrange/collectors/internal/platform"
)

const defaultMaxAlerts = 1000

// Mitigation states that mean the agent stopped the threat.
var preventedStatuses = map[string]bool{
	"mitigated": true,
	"blocked":   true,
}

// Config holds the management console endpoint and API token.
type Config struct {
	BaseURL   string
	APIToken  string
	MaxAlerts int
	// Offset delays the first call of every fetch. SentinelOne's alert
	// pipeline lags behind agent activity; querying immediately misses
	// alerts that surface seconds later.
	Offset  time.Duration
	Timeout time.Duration
}

// Adapter queries cloud-detection alerts and threats.
type Adapter struct {
	cfg    Config
	client *http.Client
	log    *logging.Logger
}

func New(cfg Config, log *logging.Logger) (*Adapter, error) {
	if cfg.BaseURL == "" || cfg.APIToken == "" {
		return nil, fmt.Errorf("sentinelone: base_url and api_token are required")
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = defaultMaxAlerts
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log.With("vendor", "sentinelone"),
	}, nil
}

func (a *Adapter) Name() string { return "sentinelone" }

func (a *Adapter) SupportedTypes() []platform.SignatureType {
	return []platform.SignatureType{
		platform.SigHostname,
		platform.SigProcessName,
		platform.SigParentProcessName,
		platform.SigThreatID,
		platform.SigStartDate,
		platform.SigEndDate,
	}
}

func (a *Adapter) MissingTypePolicy(platform.SignatureType) engine.MissingPolicy {
	return engine.MissingFail
}

// Fetch combines cloud-detection alerts and threats created in the window.
func (a *Adapter) Fetch(ctx context.Context, window engine.Window, _ engine.Hints) ([]engine.RawAlert, error) {
	if a.cfg.Offset > 0 {
		timer := time.NewTimer(a.cfg.Offset)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	query := url.Values{
		"createdAt__gte": {window.Start.UTC().Format(time.RFC3339)},
		"createdAt__lte": {window.End.UTC().Format(time.RFC3339)},
		"limit":          {fmt.Sprint(a.cfg.MaxAlerts)},
	}

	alerts, err := a.list(ctx, "/web/api/v2.1/cloud-detection/alerts", query)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	for _, alert := range alerts {
		alert["_record_kind"] = "alert"
	}

	threats, err := a.list(ctx, "/web/api/v2.1/threats", query)
	if err != nil {
		return nil, fmt.Errorf("list threats: %w", err)
	}
	for _, threat := range threats {
		threat["_record_kind"] = "threat"
	}

	return append(alerts, threats...), nil
}

func (a *Adapter) list(ctx context.Context, path string, query url.Values) ([]engine.RawAlert, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "ApiToken "+a.cfg.APIToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("sentinelone api returned status %d: %s", resp.StatusCode, string(body))
	}

	var listResp struct {
		Data []engine.RawAlert `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return listResp.Data, nil
}

// Normalize handles both record shapes the fetch produces.
func (a *Adapter) Normalize(raw engine.RawAlert) (engine.NormalizedAlert, error) {
	if engine.StringField(raw, "_record_kind") == "threat" {
		return a.normalizeThreat(raw)
	}
	return a.normalizeAlert(raw)
}

func (a *Adapter) normalizeAlert(raw engine.RawAlert) (engine.NormalizedAlert, error) {
	info := engine.MapField(raw, "alertInfo")
	if info == nil {
		return engine.NormalizedAlert{}, fmt.Errorf("alert record has no alertInfo")
	}
	id := engine.StringField(info, "alertId")
	if id == "" {
		return engine.NormalizedAlert{}, fmt.Errorf("alert record has no alertId")
	}

	alert := engine.NormalizedAlert{
		Ref: engine.AlertRef{
			ID:   id,
			Name: engine.StringField(info, "analystVerdict", "eventType"),
			Date: parseTime(engine.StringField(info, "createdAt")),
		},
	}
	if rule := engine.MapField(raw, "ruleInfo"); rule != nil {
		if name := engine.StringField(rule, "name"); name != "" {
			alert.Ref.Name = name
		}
	}

	alert.Set(platform.SigHostname, engine.Descriptor{
		Algorithm: engine.AlgoExact,
		Values: []string{
			engine.NestedString(raw, "agentDetectionInfo", "name"),
			engine.NestedString(raw, "agentRealtimeInfo", "name"),
		},
	})

	process := engine.MapField(raw, "sourceProcessInfo")
	parent := engine.MapField(raw, "sourceParentProcessInfo")
	var parents []string
	if parent != nil {
		parents = append(parents, engine.Basename(engine.StringField(parent, "name", "filePath")))
	}
	if process != nil {
		alert.Set(platform.SigProcessName, engine.Descriptor{
			Algorithm: engine.AlgoFuzzy,
			Threshold: 95,
			Values:    []string{engine.Basename(engine.StringField(process, "name", "filePath"))},
		})
		// The triggering process doubles as a parent candidate when the
		// expectation names what it spawned.
		parents = append(parents, engine.Basename(engine.StringField(process, "name", "filePath")))
	}
	alert.Set(platform.SigParentProcessName, engine.Descriptor{
		Algorithm: engine.AlgoFuzzy,
		Threshold: 95,
		Values:    engine.DedupeStrings(parents),
	})
	return alert, nil
}

func (a *Adapter) normalizeThreat(raw engine.RawAlert) (engine.NormalizedAlert, error) {
	info := engine.MapField(raw, "threatInfo")
	if info == nil {
		return engine.NormalizedAlert{}, fmt.Errorf("threat record has no threatInfo")
	}
	id := engine.StringField(info, "threatId")
	if id == "" {
		id = engine.StringField(raw, "id")
	}
	if id == "" {
		return engine.NormalizedAlert{}, fmt.Errorf("threat record has no id")
	}

	alert := engine.NormalizedAlert{
		Ref: engine.AlertRef{
			ID:   id,
			Name: engine.StringField(info, "threatName"),
			Date: parseTime(engine.StringField(info, "createdAt")),
		},
		Prevented: preventedStatuses[strings.ToLower(engine.StringField(info, "mitigationStatus"))],
	}

	alert.Set(platform.SigThreatID, engine.Descriptor{
		Algorithm: engine.AlgoExact,
		Values:    []string{id},
	})
	alert.Set(platform.SigHostname, engine.Descriptor{
		Algorithm: engine.AlgoExact,
		Values: []string{
			engine.NestedString(raw, "agentDetectionInfo", "agentComputerName"),
			engine.NestedString(raw, "agentRealtimeInfo", "agentComputerName"),
		},
	})
	alert.Set(platform.SigProcessName, engine.Descriptor{
		Algorithm: engine.AlgoFuzzy,
		Threshold: 95,
		Values: []string{
			engine.Basename(engine.StringField(info, "originatorProcess", "filePath")),
		},
	})
	return alert, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
