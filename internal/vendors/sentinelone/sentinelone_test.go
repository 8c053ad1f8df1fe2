package sentinelone

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breachrange/collectors/internal/engine"
	"github.com/breachrange/collectors/internal/logging"
	"github.com/breachrange/collectors/internal/platform"
)

func newTestAdapter(t *testing.T, baseURL string, offset time.Duration) *Adapter {
	t.Helper()
	a, err := New(Config{
		BaseURL:  baseURL,
		APIToken: "s1-token",
		Offset:   offset,
	}, logging.New(slog.LevelError, "text"))
	require.NoError(t, err)
	return a
}

func TestFetchCombinesAlertsAndThreats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ApiToken s1-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.URL.Query().Get("createdAt__gte"))

		switch r.URL.Path {
		case "/web/api/v2.1/cloud-detection/alerts":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{"alertInfo": map[string]interface{}{"alertId": "a-1"}},
				},
			})
		case "/web/api/v2.1/threats":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{"threatInfo": map[string]interface{}{"threatId": "t-1"}},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, 0)
	records, err := a.Fetch(context.Background(), engine.Window{
		Start: time.Now().Add(-time.Hour),
		End:   time.Now(),
	}, engine.Hints{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "alert", engine.StringField(records[0], "_record_kind"))
	assert.Equal(t, "threat", engine.StringField(records[1], "_record_kind"))
}

func TestFetchOffsetRespectsCancellation(t *testing.T) {
	a := newTestAdapter(t, "https://s1.example.com", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Fetch(ctx, engine.Window{End: time.Now()}, engine.Hints{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeAlert(t *testing.T) {
	a := newTestAdapter(t, "https://s1.example.com", 0)

	alert, err := a.Normalize(engine.RawAlert{
		"_record_kind": "alert",
		"alertInfo": map[string]interface{}{
			"alertId":   "a-7",
			"createdAt": "2026-08-30T11:55:00Z",
		},
		"ruleInfo": map[string]interface{}{"name": "Living off the land"},
		"agentRealtimeInfo": map[string]interface{}{
			"name": "ws-042",
		},
		"sourceProcessInfo": map[string]interface{}{
			"name":     "rundll32.exe",
			"filePath": `C:\Windows\System32\rundll32.exe`,
		},
		"sourceParentProcessInfo": map[string]interface{}{
			"name": "cmd.exe",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "a-7", alert.Ref.ID)
	assert.Equal(t, "Living off the land", alert.Ref.Name)
	assert.Equal(t, []string{"ws-042"}, alert.Signatures[platform.SigHostname].Values)
	assert.Equal(t, []string{"rundll32.exe"}, alert.Signatures[platform.SigProcessName].Values)
	assert.ElementsMatch(t, []string{"cmd.exe", "rundll32.exe"},
		alert.Signatures[platform.SigParentProcessName].Values)
	assert.False(t, alert.HasThreatID())
}

func TestNormalizeThreatCarriesThreatID(t *testing.T) {
	a := newTestAdapter(t, "https://s1.example.com", 0)

	alert, err := a.Normalize(engine.RawAlert{
		"_record_kind": "threat",
		"threatInfo": map[string]interface{}{
			"threatId":          "t-42",
			"threatName":        "Mimikatz",
			"mitigationStatus":  "mitigated",
			"originatorProcess": "mimikatz.exe",
		},
		"agentRealtimeInfo": map[string]interface{}{
			"agentComputerName": "ws-042",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "t-42", alert.Ref.ID)
	assert.True(t, alert.HasThreatID())
	assert.True(t, alert.Prevented)
	assert.Equal(t, []string{"t-42"}, alert.Signatures[platform.SigThreatID].Values)
	assert.Equal(t, []string{"ws-042"}, alert.Signatures[platform.SigHostname].Values)
}
