// Package defender fetches Microsoft Defender alerts through the Graph
// security API and reduces their evidence chains to signature bags.
package defender

import (
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
	graphBaseURL = "https://graph.microsoft.com/v1.0"
	loginBaseURL = "https://login.microsoftonline.com"
)

// Remediation states that mean Defender stopped the activity.
var preventedStates = map[string]bool{
	"prevented":  true,
	"blocked":    true,
	"remediated": true,
}

// Config holds the Entra app registration used for the client-credential
// flow.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Adapter queries Graph security alerts v2.
type Adapter struct {
	cfg    Config
	client *http.Client
	log    *logging.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(cfg Config, log *logging.Logger) (*Adapter, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("defender: tenant_id, client_id and client_secret are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log.With("vendor", "defender"),
	}, nil
}

func (a *Adapter) Name() string { return "defender" }

func (a *Adapter) SupportedTypes() []platform.SignatureType {
	return []platform.SignatureType{
		platform.SigHostname,
		platform.SigProcessName,
		platform.SigParentProcessName,
		platform.SigCommandLine,
		platform.SigFileName,
		platform.SigIPv4Address,
		platform.SigIPv6Address,
	}
}

// MissingTypePolicy passes on missing command lines: Defender frequently
// redacts them, and their absence says nothing about the detection.
func (a *Adapter) MissingTypePolicy(t platform.SignatureType) engine.MissingPolicy {
	if t == platform.SigCommandLine {
		return engine.MissingPass
	}
	return engine.MissingFail
}

// Fetch lists alerts created inside the window.
func (a *Adapter) Fetch(ctx context.Context, window engine.Window, _ engine.Hints) ([]engine.RawAlert, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	filter := fmt.Sprintf("createdDateTime ge %s and createdDateTime le %s",
		window.Start.UTC().Format(time.RFC3339), window.End.UTC().Format(time.RFC3339))
	endpoint := graphBaseURL + "/security/alerts_v2?" + url.Values{"$filter": {filter}}.Encode()

	var alerts []engine.RawAlert
	for endpoint != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		var page struct {
			Value    []engine.RawAlert `json:"value"`
			NextLink string            `json:"@odata.nextLink"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		status := resp.StatusCode
		resp.Body.Close()
		if status < 200 || status >= 300 {
			return nil, fmt.Errorf("graph api returned status %d", status)
		}
		if err != nil {
			return nil, fmt.Errorf("decode alerts page: %w", err)
		}
		alerts = append(alerts, page.Value...)
		endpoint = page.NextLink
	}
	return alerts, nil
}

// Normalize flattens an alert's evidence list into one signature bag. Every
// process in the chain is a candidate for both process_name and
// parent_process_name; the matcher picks whichever satisfies the
// expectation.
func (a *Adapter) Normalize(raw engine.RawAlert) (engine.NormalizedAlert, error) {
	id := engine.StringField(raw, "id")
	if id == "" {
		return engine.NormalizedAlert{}, fmt.Errorf("alert record has no id")
	}

	alert := engine.NormalizedAlert{
		Ref: engine.AlertRef{
			ID:   id,
			Name: engine.StringField(raw, "title"),
			Link: engine.StringField(raw, "alertWebUrl"),
			Date: parseTime(engine.StringField(raw, "createdDateTime")),
		},
	}

	var hostnames, processes, parents, commandLines, files, ips []string
	for _, ev := range engine.MapSlice(raw, "evidence") {
		if state := strings.ToLower(engine.StringField(ev, "remediationStatus")); preventedStates[state] {
			alert.Prevented = true
		}

		switch engine.StringField(ev, "@odata.type") {
		case "#microsoft.graph.security.deviceEvidence":
			hostnames = append(hostnames,
				hostPart(engine.StringField(ev, "deviceDnsName", "hostName")))
		case "#microsoft.graph.security.processEvidence":
			processes = append(processes,
				engine.Basename(engine.NestedString(ev, "imageFile", "fileName")))
			parents = append(parents,
				engine.Basename(engine.NestedString(ev, "parentProcessImageFile", "fileName")))
			exe := engine.NestedString(ev, "imageFile", "filePath")
			if cmd := engine.CleanCommandLine(engine.StringField(ev, "processCommandLine"), exe); cmd != "" {
				commandLines = append(commandLines, cmd)
			}
		case "#microsoft.graph.security.fileEvidence":
			files = append(files,
				engine.NestedString(ev, "fileDetails", "fileName"))
		case "#microsoft.graph.security.ipEvidence":
			ips = append(ips, engine.StringField(ev, "ipAddress"))
		}
	}

	// A matched process is also a plausible parent and vice versa; the
	// evidence chain does not say which role the expectation meant.
	parents = append(parents, processes...)

	alert.Set(platform.SigHostname, engine.Descriptor{Algorithm: engine.AlgoExact, Values: engine.DedupeStrings(hostnames)})
	alert.Set(platform.SigProcessName, engine.Descriptor{Algorithm: engine.AlgoExact, Values: engine.DedupeStrings(processes)})
	alert.Set(platform.SigParentProcessName, engine.Descriptor{Algorithm: engine.AlgoFuzzy, Threshold: 95, Values: engine.DedupeStrings(parents)})
	alert.Set(platform.SigCommandLine, engine.Descriptor{Algorithm: engine.AlgoFuzzy, Threshold: 60, Values: engine.DedupeStrings(commandLines)})
	alert.Set(platform.SigFileName, engine.Descriptor{Algorithm: engine.AlgoFuzzy, Threshold: 80, Values: engine.DedupeStrings(files)})
	v4, v6 := engine.SplitAddressFamilies(engine.DedupeStrings(ips))
	alert.Set(platform.SigIPv4Address, engine.Descriptor{Algorithm: engine.AlgoExact, Values: v4})
	alert.Set(platform.SigIPv6Address, engine.Descriptor{Algorithm: engine.AlgoExact, Values: v6})
	return alert, nil
}

// hostPart strips the domain suffix off an FQDN so it compares against plain
// asset hostnames.
func hostPart(fqdn string) string {
	if idx := strings.IndexByte(fqdn, '.'); idx > 0 {
		return fqdn[:idx]
	}
	return fqdn
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
		"scope":         {"https://graph.microsoft.com/.default"},
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
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
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
