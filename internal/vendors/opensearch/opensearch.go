// Package opensearch queries a self-hosted SIEM index for alert documents.
// Field extraction follows the OCSF-style layout the platform's own ingest
// pipeline writes, with flat-field fallbacks for foreign pipelines.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/breachrange/collectors/internal/engine"
	"github.com/breachrange/collectors/internal/logging"
	"github.com/breachrange/collectors/internal/platform"
)

const defaultMaxAlerts = 500

// Statuses in a disposition field that mean the activity was stopped.
var preventedDispositions = map[string]bool{
	"blocked":     true,
	"quarantined": true,
	"dropped":     true,
}

// Config holds the cluster addresses and target index pattern.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
	MaxAlerts int
}

// Adapter searches one index pattern for alert documents.
type Adapter struct {
	client *opensearch.Client
	index  string
	size   int
	log    *logging.Logger
}

func New(cfg Config, log *logging.Logger) (*Adapter, error) {
	if len(cfg.Addresses) == 0 || cfg.Index == "" {
		return nil, fmt.Errorf("opensearch: addresses and index are required")
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = defaultMaxAlerts
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &Adapter{
		client: client,
		index:  cfg.Index,
		size:   cfg.MaxAlerts,
		log:    log.With("vendor", "opensearch"),
	}, nil
}

func (a *Adapter) Name() string { return "opensearch" }

func (a *Adapter) SupportedTypes() []platform.SignatureType {
	return []platform.SignatureType{
		platform.SigHostname,
		platform.SigProcessName,
		platform.SigParentProcessName,
		platform.SigCommandLine,
		platform.SigFileName,
		platform.SigIPv4Address,
		platform.SigIPv6Address,
		platform.SigSourceIPv4,
		platform.SigTargetIPv4,
		platform.SigThreatID,
	}
}

func (a *Adapter) MissingTypePolicy(t platform.SignatureType) engine.MissingPolicy {
	if t == platform.SigCommandLine {
		return engine.MissingPass
	}
	return engine.MissingFail
}

// Fetch searches the index for documents timestamped inside the window,
// newest first. Hostname hints narrow the query when present.
func (a *Adapter) Fetch(ctx context.Context, window engine.Window, hints engine.Hints) ([]engine.RawAlert, error) {
	filters := []map[string]interface{}{
		{
			"range": map[string]interface{}{
				"@timestamp": map[string]interface{}{
					"gte": window.Start.UTC().Format(time.RFC3339),
					"lte": window.End.UTC().Format(time.RFC3339),
				},
			},
		},
	}
	if len(hints.Hostnames) > 0 {
		filters = append(filters, map[string]interface{}{
			"terms": map[string]interface{}{"host.name": lowered(hints.Hostnames)},
		})
	}

	searchBody := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		},
		"size": a.size,
		"sort": []map[string]interface{}{
			{"@timestamp": map[string]string{"order": "desc"}},
		},
	}
	bodyBytes, err := json.Marshal(searchBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search body: %w", err)
	}

	res, err := a.client.Search(
		a.client.Search.WithContext(ctx),
		a.client.Search.WithIndex(a.index),
		a.client.Search.WithBody(bytes.NewReader(bodyBytes)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search alerts: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("opensearch error: %s - %s", res.Status(), string(body))
	}

	var searchResult struct {
		Hits struct {
			Hits []struct {
				ID     string                 `json:"_id"`
				Source map[string]interface{} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&searchResult); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	alerts := make([]engine.RawAlert, 0, len(searchResult.Hits.Hits))
	for _, hit := range searchResult.Hits.Hits {
		doc := engine.RawAlert(hit.Source)
		doc["_id"] = hit.ID
		alerts = append(alerts, doc)
	}
	return alerts, nil
}

// Normalize extracts ECS/OCSF-style fields from one document.
func (a *Adapter) Normalize(raw engine.RawAlert) (engine.NormalizedAlert, error) {
	id := engine.StringField(raw, "_id")
	if id == "" {
		return engine.NormalizedAlert{}, fmt.Errorf("document has no id")
	}

	alert := engine.NormalizedAlert{
		Ref: engine.AlertRef{
			ID:   id,
			Name: firstNonEmpty(
				engine.NestedString(raw, "rule", "name"),
				engine.StringField(raw, "message")),
			Date: parseTime(engine.StringField(raw, "@timestamp")),
		},
	}

	disposition := strings.ToLower(firstNonEmpty(
		engine.NestedString(raw, "event", "disposition"),
		engine.StringField(raw, "disposition")))
	alert.Prevented = preventedDispositions[disposition]

	alert.Set(platform.SigHostname, engine.Descriptor{
		Algorithm: engine.AlgoExact,
		Values: []string{
			engine.NestedString(raw, "host", "name"),
			engine.NestedString(raw, "host", "hostname"),
		},
	})

	process := engine.MapField(raw, "process")
	if process != nil {
		name := engine.Basename(firstNonEmpty(
			engine.StringField(process, "name"),
			engine.StringField(process, "executable")))
		alert.Set(platform.SigProcessName, engine.Descriptor{
			Algorithm: engine.AlgoFuzzy, Threshold: 95, Values: []string{name},
		})
		alert.Set(platform.SigParentProcessName, engine.Descriptor{
			Algorithm: engine.AlgoFuzzy, Threshold: 95,
			Values: []string{engine.Basename(engine.NestedString(process, "parent", "name"))},
		})
		cmd := engine.CleanCommandLine(
			engine.StringField(process, "command_line"),
			engine.StringField(process, "executable"))
		alert.Set(platform.SigCommandLine, engine.Descriptor{
			Algorithm: engine.AlgoFuzzy, Threshold: 60, Values: []string{cmd},
		})
	}

	alert.Set(platform.SigFileName, engine.Descriptor{
		Algorithm: engine.AlgoFuzzy, Threshold: 80,
		Values: []string{engine.NestedString(raw, "file", "name")},
	})

	sourceIP := engine.NestedString(raw, "source", "ip")
	targetIP := engine.NestedString(raw, "destination", "ip")
	alert.Set(platform.SigSourceIPv4, engine.Descriptor{Algorithm: engine.AlgoExact, Values: []string{sourceIP}})
	alert.Set(platform.SigTargetIPv4, engine.Descriptor{Algorithm: engine.AlgoExact, Values: []string{targetIP}})
	alert.Set(platform.SigIPv4Address, engine.Descriptor{
		Algorithm: engine.AlgoExact,
		Values:    engine.DedupeStrings([]string{sourceIP, targetIP, engine.NestedString(raw, "host", "ip")}),
	})
	alert.Set(platform.SigIPv6Address, engine.Descriptor{
		Algorithm: engine.AlgoExact,
		Values:    engine.DedupeStrings([]string{sourceIP, targetIP}),
	})
	alert.Set(platform.SigThreatID, engine.Descriptor{
		Algorithm: engine.AlgoExact,
		Values:    []string{engine.NestedString(raw, "threat", "id")},
	})
	return alert, nil
}

func lowered(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
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
