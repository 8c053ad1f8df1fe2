// Package crowdstrike fetches alerts from the CrowdStrike Falcon API and
// reduces them to comparable signature bags.
package crowdstrike

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

const defaultMaxAlerts = 500

// Dispositions the platform counts as the activity being stopped, not just
// observed.
var preventedDispositions = []string{
	"blocked", "killed", "quarantined", "operation_blocked",
	"process_killed_by_firmware", "process_killed_by_falcon",
}

// Config holds Falcon API credentials.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	MaxAlerts    int
	Timeout      time.Duration
}

// Adapter queries the Falcon alerts API with OAuth2 client credentials.
type Adapter struct {
	cfg    Config
	client *http.Client
	log    *logging.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New validates the config and builds the adapter.
func New(cfg Config, log *logging.Logger) (*Adapter, error) {
	if cfg.BaseURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("crowdstrike: base_url, client_id and client_secret are required")
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
		log:    log.With("vendor", "crowdstrike"),
	}, nil
}

func (a *Adapter) Name() string { return "crowdstrike" }

func (a *Adapter) SupportedTypes() []platform.SignatureType {
	return []platform.SignatureType{
		platform.SigHostname,
		platform.SigParentProcessName,
	}
}

func (a *Adapter) MissingTypePolicy(platform.SignatureType) engine.MissingPolicy {
	return engine.MissingFail
}

// Fetch lists alert ids created inside the window, then resolves them to
// full alert records in one details call.
func (a *Adapter) Fetch(ctx context.Context, window engine.Window, _ engine.Hints) ([]engine.RawAlert, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	filter := fmt.Sprintf("created_timestamp:>'%s'+created_timestamp:<'%s'",
		window.Start.UTC().Format(time.RFC3339), window.End.UTC().Format(time.RFC3339))
	query := url.Values{
		"filter": {filter},
		"limit":  {fmt.Sprint(a.cfg.MaxAlerts)},
		"sort":   {"created_timestamp.desc"},
	}

	var idsResp struct {
		Resources []string `json:"resources"`
	}
	endpoint := a.cfg.BaseURL + "/alerts/queries/alerts/v2?" + query.Encode()
	if err := a.do(ctx, http.MethodGet, endpoint, token, nil, &idsResp); err != nil {
		return nil, fmt.Errorf("query alert ids: %w", err)
	}
	if len(idsResp.Resources) == 0 {
		return nil, nil
	}

	var detailsResp struct {
		Resources []engine.RawAlert `json:"resources"`
	}
	body := map[string][]string{"composite_ids": idsResp.Resources}
	if err := a.do(ctx, http.MethodPost, a.cfg.BaseURL+"/alerts/entities/alerts/v2", token, body, &detailsResp); err != nil {
		return nil, fmt.Errorf("fetch alert details: %w", err)
	}
	return detailsResp.Resources, nil
}

// Normalize maps one Falcon alert to its signature bag. The device hostname
// is exact; parent process names tolerate minor renames via fuzzy matching.
func (a *Adapter) Normalize(raw engine.RawAlert) (engine.NormalizedAlert, error) {
	id := engine.StringField(raw, "composite_id", "id")
	if id == "" {
		return engine.NormalizedAlert{}, fmt.Errorf("alert record has no id")
	}

	alert := engine.NormalizedAlert{
		Ref: engine.AlertRef{
			ID:   id,
			Name: engine.StringField(raw, "display_name", "description"),
			Link: engine.StringField(raw, "falcon_host_link"),
			Date: parseTime(engine.StringField(raw, "created_timestamp")),
		},
	}

	if device := engine.MapField(raw, "device"); device != nil {
		alert.Set(platform.SigHostname, engine.Descriptor{
			Algorithm: engine.AlgoExact,
			Values:    engine.StringFields(device, "hostname"),
		})
	}

	var parents []string
	if pd := engine.MapField(raw, "parent_details"); pd != nil {
		parents = append(parents, engine.Basename(engine.StringField(pd, "filename", "filepath")))
	}
	parents = append(parents, engine.Basename(engine.StringField(raw, "filename")))
	alert.Set(platform.SigParentProcessName, engine.Descriptor{
		Algorithm: engine.AlgoFuzzy,
		Threshold: 95,
		Values:    engine.DedupeStrings(parents),
	})

	disposition := strings.ToLower(engine.StringField(raw, "pattern_disposition_description"))
	for _, kw := range preventedDispositions {
		if strings.Contains(disposition, kw) {
			alert.Prevented = true
			break
		}
	}
	return alert, nil
}

// accessToken returns a cached OAuth2 token, refreshing it shortly before
// expiry.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && time.Now().Before(a.tokenExpiry) {
		return a.token, nil
	}

	form := url.Values{
		"client_id":     {a.cfg.ClientID},
		"client_secret": {a.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.BaseURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
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

func (a *Adapter) do(ctx context.Context, method, endpoint, token string, in, out interface{}) error {
	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("falcon api returned status %d: %s", resp.StatusCode, string(body))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
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
