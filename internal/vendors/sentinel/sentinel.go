// Package sentinel fetches Microsoft Sentinel alerts through the Log
// Analytics query API. Rows come back as positional arrays, so the adapter
// rebuilds keyed records from the column list before normalizing.
package sentinel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/breachrange/collectors/internal/engine"
	"github.com/breachrange/collectors/internal/logging"
	"github.com/breachrange/collectors/internal/platform"
)

const (
	queryBaseURL = "https://api.loganalytics.io/v1"
	loginBaseURL = "https://login.microsoftonline.com"
)

// queryURL is a variable so tests can point fetches at a stub server.
var queryURL = func(workspaceID string) string {
	return fmt.Sprintf("%s/workspaces/%s/query", queryBaseURL, url.PathEscape(workspaceID))
}

// Keywords in an alert name that indicate the activity was stopped rather
// than just observed.
var preventedKeywords = []string{"blocked", "quarantine", "remove", "prevented"}

// Config holds the Entra app registration and target workspace.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	WorkspaceID  string
	Timeout      time.Duration
}

// Adapter runs KQL against the SecurityAlert table.
type Adapter struct {
	cfg    Config
	client *http.Client
	log    *logging.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(cfg Config, log *logging.Logger) (*Adapter, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.WorkspaceID == "" {
		return nil, fmt.Errorf("sentinel: tenant_id, client_id, client_secret and workspace_id are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log.With("vendor", "sentinel"),
	}, nil
}

func (a *Adapter) Name() string { return "sentinel" }

func (a *Adapter) SupportedTypes() []platform.SignatureType {
	return []platform.SignatureType{
		platform.SigHostname,
		platform.SigProcessName,
		platform.SigFileName,
		platform.SigIPv4Address,
		platform.SigIPv6Address,
		platform.SigStartDate,
		platform.SigEndDate,
	}
}

func (a *Adapter) MissingTypePolicy(platform.SignatureType) engine.MissingPolicy {
	return engine.MissingFail
}

// Fetch queries SecurityAlert rows generated inside the window.
func (a *Adapter) Fetch(ctx context.Context, window engine.Window, _ engine.Hints) ([]engine.RawAlert, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	kql := fmt.Sprintf(
		"SecurityAlert | where TimeGenerated between (datetime(%s) .. datetime(%s)) | sort by TimeGenerated desc",
		window.Start.UTC().Format(time.RFC3339), window.End.UTC().Format(time.RFC3339))

	payload, err := json.Marshal(map[string]string{"query": kql})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, queryURL(a.cfg.WorkspaceID), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("log analytics returned status %d: %s", resp.StatusCode, string(body))
	}

	var queryResp struct {
		Tables []struct {
			Columns []struct {
				Name string `json:"name"`
			} `json:"columns"`
			Rows [][]interface{} `json:"rows"`
		} `json:"tables"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queryResp); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}

	var alerts []engine.RawAlert
	for _, table := range queryResp.Tables {
		for _, row := range table.Rows {
			record := make(engine.RawAlert, len(table.Columns))
			for i, col := range table.Columns {
				if i < len(row) {
					record[col.Name] = row[i]
				}
			}
			alerts = append(alerts, record)
		}
	}
	return alerts, nil
}

// Normalize maps one SecurityAlert row. Host and address facts hide inside
// the Entities JSON column; file and process names match fuzzily because
// Sentinel analytics rules rewrite them freely.
func (a *Adapter) Normalize(raw engine.RawAlert) (engine.NormalizedAlert, error) {
	id := engine.StringField(raw, "SystemAlertId")
	if id == "" {
		return engine.NormalizedAlert{}, fmt.Errorf("alert row has no SystemAlertId")
	}
	name := engine.StringField(raw, "AlertName", "DisplayName")

	alert := engine.NormalizedAlert{
		Ref: engine.AlertRef{
			ID:   id,
			Name: name,
			Link: alertLink(raw),
			Date: parseTime(engine.StringField(raw, "TimeGenerated", "StartTime")),
		},
	}

	lowered := strings.ToLower(name)
	for _, kw := range preventedKeywords {
		if strings.Contains(lowered, kw) {
			alert.Prevented = true
			break
		}
	}

	var hostnames, processes, files, ips []string
	for _, entity := range parseEntities(engine.StringField(raw, "Entities")) {
		switch strings.ToLower(engine.StringField(entity, "Type")) {
		case "host":
			hostnames = append(hostnames,
				engine.StringField(entity, "HostName", "NetBiosName", "DnsDomain"))
		case "process":
			if img := engine.MapField(entity, "ImageFile"); img != nil {
				processes = append(processes, engine.StringField(img, "Name"))
			}
			if cmd := engine.StringField(entity, "CommandLine"); cmd != "" {
				if exe := strings.Fields(cmd); len(exe) > 0 {
					processes = append(processes, engine.Basename(exe[0]))
				}
			}
		case "file":
			files = append(files, engine.StringField(entity, "Name"))
		case "ip":
			ips = append(ips, engine.StringField(entity, "Address"))
		}
	}

	alert.Set(platform.SigHostname, engine.Descriptor{Algorithm: engine.AlgoExact, Values: engine.DedupeStrings(hostnames)})
	alert.Set(platform.SigProcessName, engine.Descriptor{Algorithm: engine.AlgoFuzzy, Threshold: 80, Values: engine.DedupeStrings(processes)})
	alert.Set(platform.SigFileName, engine.Descriptor{Algorithm: engine.AlgoFuzzy, Threshold: 80, Values: engine.DedupeStrings(files)})
	v4, v6 := engine.SplitAddressFamilies(engine.DedupeStrings(ips))
	alert.Set(platform.SigIPv4Address, engine.Descriptor{Algorithm: engine.AlgoExact, Values: v4})
	alert.Set(platform.SigIPv6Address, engine.Descriptor{Algorithm: engine.AlgoExact, Values: v6})
	return alert, nil
}

// alertLink prefers the portal link from ExtendedLinks, falling back to the
// AlertLink column.
func alertLink(raw engine.RawAlert) string {
	if link := engine.StringField(raw, "AlertLink"); link != "" {
		return link
	}
	var links []map[string]interface{}
	if err := json.Unmarshal([]byte(engine.StringField(raw, "ExtendedLinks")), &links); err == nil {
		for _, l := range links {
			if href, ok := l["Href"].(string); ok && href != "" {
				return href
			}
		}
	}
	return ""
}

// parseEntities decodes the Entities column, a JSON array serialized into a
// string cell. Malformed payloads yield no entities, not an error.
func parseEntities(s string) []map[string]interface{} {
	if s == "" {
		return nil
	}
	var entities []map[string]interface{}
	if err := json.Unmarshal([]byte(s), &entities); err != nil {
		return nil
	}
	return entities
}

func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && time.Now().Before(a.tokenExpiry) {
		return a.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {a.cfg.ClientID},
		"client_secret": {a.cfg.ClientSecret},
		"scope":         {"https://api.loganalytics.io/.default"},
	}
	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", loginBaseURL, url.PathEscape(a.cfg.TenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	a.token = tokenResp.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn)*time.Second - time.Minute)
	return a.token, nil
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
