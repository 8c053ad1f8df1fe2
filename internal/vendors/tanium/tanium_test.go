package tanium

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

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	a, err := New(Config{BaseURL: baseURL, Token: "session-token"}, logging.New(slog.LevelError, "text"))
	require.NoError(t, err)
	return a
}

func TestFetchFiltersSuppressed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/plugin/products/threat-response/api/v1/alerts", r.URL.Path)
		assert.Equal(t, "session-token", r.Header.Get("session"))
		assert.Equal(t, "200", r.URL.Query().Get("limit"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"id": 1, "state": "unresolved", "computerName": "ws-042"},
				{"id": 2, "state": "suppressed", "computerName": "ws-042"},
			},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	alerts, err := a.Fetch(context.Background(), engine.Window{
		Start: time.Now().Add(-time.Hour),
		End:   time.Now(),
	}, engine.Hints{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "unresolved", engine.StringField(alerts[0], "state"))
}

func processChain(depth int) map[string]interface{} {
	node := map[string]interface{}{
		"fullpath": `C:\Windows\System32\node0.exe`,
		"args":     `C:\Windows\System32\node0.exe /level 0`,
	}
	current := node
	for i := 1; i <= depth; i++ {
		parent := map[string]interface{}{
			"fullpath": `C:\Windows\System32\parent.exe`,
		}
		current["parent"] = parent
		current = parent
	}
	return node
}

func alertWithDetails(details map[string]interface{}) engine.RawAlert {
	return engine.RawAlert{
		"id":           float64(7),
		"computerName": "ws-042",
		"alertedAt":    "2026-08-30T11:55:00Z",
		"details": map[string]interface{}{
			"match": map[string]interface{}{
				"properties": details,
			},
		},
	}
}

func TestNormalizeProcessTree(t *testing.T) {
	a := newTestAdapter(t, "https://tanium.example.com")

	alert, err := a.Normalize(alertWithDetails(processChain(2)))
	require.NoError(t, err)

	assert.Equal(t, "7", alert.Ref.ID)
	assert.Equal(t, []string{"ws-042"}, alert.Signatures[platform.SigHostname].Values)
	assert.Equal(t, []string{"node0.exe"}, alert.Signatures[platform.SigProcessName].Values)
	assert.Equal(t, []string{"parent.exe"}, alert.Signatures[platform.SigParentProcessName].Values)
	assert.Equal(t, []string{"/level 0"}, alert.Signatures[platform.SigCommandLine].Values,
		"the executable path is stripped from the arguments")
}

func TestNormalizeParentWalkIsBounded(t *testing.T) {
	a := newTestAdapter(t, "https://tanium.example.com")

	// A chain far deeper than the cap must terminate and keep the data
	// gathered on the way down.
	alert, err := a.Normalize(alertWithDetails(processChain(engine.MaxParentDepth * 4)))
	require.NoError(t, err)
	assert.NotEmpty(t, alert.Signatures[platform.SigParentProcessName].Values)
}

func TestNormalizeCyclicParentTerminates(t *testing.T) {
	a := newTestAdapter(t, "https://tanium.example.com")

	node := map[string]interface{}{"fullpath": `C:\evil\loop.exe`}
	node["parent"] = node

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := a.Normalize(alertWithDetails(node))
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("parent walk did not terminate on a cyclic chain")
	}
}

func TestNormalizeStringDetails(t *testing.T) {
	a := newTestAdapter(t, "https://tanium.example.com")

	payload, err := json.Marshal(map[string]interface{}{
		"match": map[string]interface{}{
			"properties": map[string]interface{}{
				"fullpath": "/usr/bin/curl",
			},
		},
	})
	require.NoError(t, err)

	alert, err := a.Normalize(engine.RawAlert{
		"id":           "alert-9",
		"computerName": "web-01",
		"details":      string(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"curl"}, alert.Signatures[platform.SigProcessName].Values)
}
