package defender

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breachrange/collectors/internal/engine"
	"github.com/breachrange/collectors/internal/logging"
	"github.com/breachrange/collectors/internal/platform"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(Config{
		TenantID:     "tenant",
		ClientID:     "client",
		ClientSecret: "secret",
	}, logging.New(slog.LevelError, "text"))
	require.NoError(t, err)
	return a
}

func sampleAlert() engine.RawAlert {
	return engine.RawAlert{
		"id":              "da637-1",
		"title":           "Suspicious PowerShell activity",
		"alertWebUrl":     "https://security.microsoft.com/alerts/da637-1",
		"createdDateTime": "2026-08-30T11:55:00Z",
		"evidence": []interface{}{
			map[string]interface{}{
				"@odata.type":   "#microsoft.graph.security.deviceEvidence",
				"deviceDnsName": "ws-042.corp.local",
			},
			map[string]interface{}{
				"@odata.type":        "#microsoft.graph.security.processEvidence",
				"processCommandLine": `"C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe" -enc SQBFAFgA`,
				"imageFile": map[string]interface{}{
					"fileName": "powershell.exe",
					"filePath": `C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`,
				},
				"parentProcessImageFile": map[string]interface{}{
					"fileName": "explorer.exe",
				},
			},
			map[string]interface{}{
				"@odata.type": "#microsoft.graph.security.fileEvidence",
				"fileDetails": map[string]interface{}{"fileName": "payload.ps1"},
			},
			map[string]interface{}{
				"@odata.type": "#microsoft.graph.security.ipEvidence",
				"ipAddress":   "10.0.0.5",
			},
			map[string]interface{}{
				"@odata.type": "#microsoft.graph.security.ipEvidence",
				"ipAddress":   "fe80::1c4f:2a11",
			},
		},
	}
}

func TestNormalizeEvidenceChain(t *testing.T) {
	a := newTestAdapter(t)

	alert, err := a.Normalize(sampleAlert())
	require.NoError(t, err)

	assert.Equal(t, "da637-1", alert.Ref.ID)
	assert.Equal(t, []string{"ws-042"}, alert.Signatures[platform.SigHostname].Values,
		"the domain suffix is stripped off the device FQDN")
	assert.Equal(t, []string{"powershell.exe"}, alert.Signatures[platform.SigProcessName].Values)
	assert.Contains(t, alert.Signatures[platform.SigParentProcessName].Values, "explorer.exe")
	assert.Contains(t, alert.Signatures[platform.SigParentProcessName].Values, "powershell.exe",
		"the triggering process is also a parent candidate")
	assert.Equal(t, []string{"-enc SQBFAFgA"}, alert.Signatures[platform.SigCommandLine].Values)
	assert.Equal(t, []string{"payload.ps1"}, alert.Signatures[platform.SigFileName].Values)
	assert.Equal(t, []string{"10.0.0.5"}, alert.Signatures[platform.SigIPv4Address].Values)
	assert.Equal(t, []string{"fe80::1c4f:2a11"}, alert.Signatures[platform.SigIPv6Address].Values)
	assert.False(t, alert.Prevented)
}

func TestNormalizePreventedStates(t *testing.T) {
	a := newTestAdapter(t)

	for _, state := range []string{"Prevented", "Blocked", "Remediated"} {
		raw := sampleAlert()
		raw["evidence"] = []interface{}{
			map[string]interface{}{
				"@odata.type":       "#microsoft.graph.security.deviceEvidence",
				"deviceDnsName":     "ws-042",
				"remediationStatus": state,
			},
		}
		alert, err := a.Normalize(raw)
		require.NoError(t, err)
		assert.True(t, alert.Prevented, "state %q", state)
	}
}

func TestNormalizeMissingID(t *testing.T) {
	a := newTestAdapter(t)
	_, err := a.Normalize(engine.RawAlert{"title": "no id"})
	require.Error(t, err)
}

func TestMissingCommandLinePasses(t *testing.T) {
	a := newTestAdapter(t)
	assert.Equal(t, engine.MissingPass, a.MissingTypePolicy(platform.SigCommandLine))
	assert.Equal(t, engine.MissingFail, a.MissingTypePolicy(platform.SigProcessName))
}
