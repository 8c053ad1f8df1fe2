// Package tanium fetches Threat Response alerts and walks their process
// artifact trees into signature bags.
package tanium

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/breachrange/collectors/internal/engine"
	"github.com/breachrange/collectors/internal/logging"
	"github.com/breachrange/collectors/internal/platform"
)

const defaultMaxAlerts = 200

// Config holds the Tanium server endpoint and session token.
type Config struct {
	BaseURL   string
	Token     string
	MaxAlerts int
	Timeout   time.Duration
}

// Adapter queries the Threat Response alerts API.
type Adapter struct {
	cfg    Config
	client *http.Client
	log    *logging.Logger
}

func New(cfg Config, log *logging.Logger) (*Adapter, error) {
	if cfg.BaseURL == "" || cfg.Token == "" {
		return nil, fmt.Errorf("tanium: base_url and api_token are required")
	}
	if cfg.MaxAlerts <= 0 || cfg.MaxAlerts > defaultMaxAlerts {
		cfg.MaxAlerts = defaultMaxAlerts
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log.With("vendor", "tanium"),
	}, nil
}

func (a *Adapter) Name() string { return "tanium" }

func (a *Adapter) SupportedTypes() []platform.SignatureType {
	return []platform.SignatureType{
		platform.SigHostname,
		platform.SigProcessName,
		platform.SigParentProcessName,
		platform.SigCommandLine,
		platform.SigFileName,
	}
}

func (a *Adapter) MissingTypePolicy(t platform.SignatureType) engine.MissingPolicy {
	if t == platform.SigCommandLine {
		return engine.MissingPass
	}
	return engine.MissingFail
}

// Fetch lists the newest alerts inside the window. Suppressed alerts are
// operator-dismissed noise and are dropped here rather than during matching.
func (a *Adapter) Fetch(ctx context.Context, window engine.Window, _ engine.Hints) ([]engine.RawAlert, error) {
	query := url.Values{
		"limit":          {fmt.Sprint(a.cfg.MaxAlerts)},
		"sort":           {"-createdAt"},
		"alertedAtFrom":  {window.Start.UTC().Format(time.RFC3339)},
		"alertedAtUntil": {window.End.UTC().Format(time.RFC3339)},
	}
	endpoint := a.cfg.BaseURL + "/plugin/products/threat-response/api/v1/alerts?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("session", a.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("tanium api returned status %d: %s", resp.StatusCode, string(body))
	}

	var listResp struct {
		Data []engine.RawAlert `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, fmt.Errorf("decode alerts: %w", err)
	}

	alerts := listResp.Data[:0:0]
	for _, alert := range listResp.Data {
		if engine.StringField(alert, "state") == "suppressed" {
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// Normalize decodes the alert's details payload and flattens the process
// tree. The details field arrives as a JSON string inside the JSON record.
func (a *Adapter) Normalize(raw engine.RawAlert) (engine.NormalizedAlert, error) {
	id := idField(raw)
	if id == "" {
		return engine.NormalizedAlert{}, fmt.Errorf("alert record has no id")
	}

	alert := engine.NormalizedAlert{
		Ref: engine.AlertRef{
			ID:   id,
			Name: engine.StringField(raw, "intelDocLabel", "name"),
			Date: parseTime(engine.StringField(raw, "alertedAt", "createdAt")),
		},
	}

	alert.Set(platform.SigHostname, engine.Descriptor{
		Algorithm: engine.AlgoExact,
		Values:    engine.StringFields(raw, "computerName"),
	})

	details := detailsField(raw)
	if details == nil {
		return alert, nil
	}
	match := engine.MapField(details, "match")
	if match == nil {
		return alert, nil
	}
	process := engine.MapField(match, "properties")
	if process == nil {
		return alert, nil
	}

	var processes, parents, commandLines, files []string
	collectProcessTree(process, 0, func(depth int, node map[string]interface{}) {
		fullPath := engine.StringField(node, "fullpath", "file")
		name := engine.Basename(fullPath)
		if depth == 0 {
			processes = append(processes, name)
			files = append(files, name)
		} else {
			parents = append(parents, name)
		}
		if args := engine.StringField(node, "args"); args != "" {
			if cmd := engine.CleanCommandLine(args, fullPath); cmd != "" {
				commandLines = append(commandLines, cmd)
			}
		}
	})

	alert.Set(platform.SigProcessName, engine.Descriptor{Algorithm: engine.AlgoFuzzy, Threshold: 95, Values: engine.DedupeStrings(processes)})
	alert.Set(platform.SigParentProcessName, engine.Descriptor{Algorithm: engine.AlgoFuzzy, Threshold: 95, Values: engine.DedupeStrings(parents)})
	alert.Set(platform.SigCommandLine, engine.Descriptor{Algorithm: engine.AlgoFuzzy, Threshold: 60, Values: engine.DedupeStrings(commandLines)})
	alert.Set(platform.SigFileName, engine.Descriptor{Algorithm: engine.AlgoFuzzy, Threshold: 80, Values: engine.DedupeStrings(files)})
	return alert, nil
}

// collectProcessTree visits the process node and its parent chain, stopping
// at engine.MaxParentDepth. Vendor data has been seen with cyclic parent
// links.
func collectProcessTree(node map[string]interface{}, depth int, visit func(depth int, node map[string]interface{})) {
	if node == nil || depth > engine.MaxParentDepth {
		return
	}
	visit(depth, node)
	collectProcessTree(engine.MapField(node, "parent"), depth+1, visit)
}

// detailsField tolerates both encodings Tanium ships: an embedded object and
// a JSON string.
func detailsField(raw engine.RawAlert) map[string]interface{} {
	if m := engine.MapField(raw, "details"); m != nil {
		return m
	}
	s := engine.StringField(raw, "details")
	if s == "" {
		return nil
	}
	var details map[string]interface{}
	if err := json.Unmarshal([]byte(s), &details); err != nil {
		return nil
	}
	return details
}

func idField(raw engine.RawAlert) string {
	switch v := raw["id"].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
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
