// Package vendors selects and constructs the security-tool adapter a
// collector runs against. Each vendor lives in its own subpackage and
// implements engine.Adapter; selection is by configured name only.
package vendors

import (
	"fmt"
	"time"

	"github.com/breachrange/collectors/internal/engine"
	"github.com/breachrange/collectors/internal/logging"
	"github.com/breachrange/collectors/internal/vendors/crowdstrike"
	"github.com/breachrange/collectors/internal/vendors/defender"
	"github.com/breachrange/collectors/internal/vendors/opensearch"
	"github.com/breachrange/collectors/internal/vendors/sentinel"
	"github.com/breachrange/collectors/internal/vendors/sentinelone"
	"github.com/breachrange/collectors/internal/vendors/tanium"
)

// Adapter is re-exported so callers configure against this package.
type Adapter = engine.Adapter

// Settings is the flat vendor configuration block. Each adapter reads the
// fields it needs; unused fields are ignored.
type Settings struct {
	Name string `mapstructure:"name"`

	// HTTP API endpoint (crowdstrike, tanium, sentinelone) or addresses
	// (opensearch).
	BaseURL   string   `mapstructure:"base_url"`
	Addresses []string `mapstructure:"addresses"`

	// OAuth2 client-credential flows (crowdstrike, defender, sentinel).
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TenantID     string `mapstructure:"tenant_id"`

	// Static token auth (tanium session, sentinelone api token, opensearch
	// basic auth).
	APIToken string `mapstructure:"api_token"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// Log Analytics workspace (sentinel) or index name (opensearch).
	WorkspaceID string `mapstructure:"workspace_id"`
	Index       string `mapstructure:"index"`

	// MaxAlerts caps one fetch page. Zero means the vendor default.
	MaxAlerts int `mapstructure:"max_alerts"`

	// Offset delays the first vendor call of a fetch, giving slow alert
	// pipelines time to surface data (sentinelone).
	Offset time.Duration `mapstructure:"offset"`

	Timeout time.Duration `mapstructure:"timeout"`
}

// New builds the adapter named in the settings.
func New(s Settings, log *logging.Logger) (Adapter, error) {
	switch s.Name {
	case "crowdstrike":
		return crowdstrike.New(crowdstrike.Config{
			BaseURL:      s.BaseURL,
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			MaxAlerts:    s.MaxAlerts,
			Timeout:      s.Timeout,
		}, log)
	case "defender":
		return defender.New(defender.Config{
			TenantID:     s.TenantID,
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			Timeout:      s.Timeout,
		}, log)
	case "sentinel":
		return sentinel.New(sentinel.Config{
			TenantID:     s.TenantID,
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			WorkspaceID:  s.WorkspaceID,
			Timeout:      s.Timeout,
		}, log)
	case "tanium":
		return tanium.New(tanium.Config{
			BaseURL:   s.BaseURL,
			Token:     s.APIToken,
			MaxAlerts: s.MaxAlerts,
			Timeout:   s.Timeout,
		}, log)
	case "sentinelone":
		return sentinelone.New(sentinelone.Config{
			BaseURL:   s.BaseURL,
			APIToken:  s.APIToken,
			MaxAlerts: s.MaxAlerts,
			Offset:    s.Offset,
			Timeout:   s.Timeout,
		}, log)
	case "opensearch":
		return opensearch.New(opensearch.Config{
			Addresses: s.Addresses,
			Username:  s.Username,
			Password:  s.Password,
			Index:     s.Index,
			MaxAlerts: s.MaxAlerts,
		}, log)
	default:
		return nil, fmt.Errorf("unknown vendor %q", s.Name)
	}
}
