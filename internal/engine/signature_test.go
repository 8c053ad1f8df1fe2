package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breachrange/collectors/internal/platform"
)

var allTestTypes = []platform.SignatureType{
	platform.SigHostname, platform.SigProcessName, platform.SigCommandLine,
	platform.SigStartDate, platform.SigEndDate,
}

func TestSplitSignatures(t *testing.T) {
	exp := &platform.Expectation{
		ID: "exp-1",
		Signatures: []platform.Signature{
			{Type: platform.SigHostname, Value: "ws-042"},
			{Type: platform.SigProcessName, Value: "cmd.exe"},
			{Type: platform.SigStartDate, Value: "2026-08-30T10:00:00Z"},
			{Type: platform.SigFileName, Value: "payload.dll"}, // unsupported here
		},
	}

	search, matching, err := SplitSignatures(exp, allTestTypes)
	require.NoError(t, err)

	assert.Len(t, search, 3, "unsupported types are dropped")
	assert.Len(t, matching, 2, "date signatures steer the query only")
	for _, sig := range matching {
		assert.NotEqual(t, platform.SigStartDate, sig.Type)
	}
}

func TestSplitSignaturesMalformed(t *testing.T) {
	tests := []struct {
		name string
		sig  platform.Signature
	}{
		{"empty value", platform.Signature{Type: platform.SigProcessName, Value: ""}},
		{"empty type", platform.Signature{Type: "", Value: "cmd.exe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := &platform.Expectation{
				ID: "exp-1",
				Signatures: []platform.Signature{
					{Type: platform.SigHostname, Value: "ws-042"},
					tt.sig,
				},
			}
			_, _, err := SplitSignatures(exp, allTestTypes)
			require.Error(t, err, "one bad signature poisons the whole expectation")
			assert.ErrorIs(t, err, ErrMalformedSignature)
		})
	}
}

func TestSplitSignaturesAllUnsupported(t *testing.T) {
	exp := &platform.Expectation{
		ID: "exp-1",
		Signatures: []platform.Signature{
			{Type: platform.SigIPv6Address, Value: "::1"},
		},
	}
	search, matching, err := SplitSignatures(exp, allTestTypes)
	require.NoError(t, err)
	assert.Empty(t, search)
	assert.Empty(t, matching)
}

func TestBasename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`C:\Windows\System32\cmd.exe`, "cmd.exe"},
		{"/usr/bin/bash", "bash"},
		{"cmd.exe", "cmd.exe"},
		{`C:\Windows\`, "Windows"},
		{"  ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Basename(tt.in), "input %q", tt.in)
	}
}

func TestCleanCommandLine(t *testing.T) {
	got := CleanCommandLine(`"C:\Windows\System32\cmd.exe" /c whoami`, `C:\Windows\System32\cmd.exe`)
	assert.Equal(t, "/c whoami", got)

	assert.Equal(t, "whoami /all", CleanCommandLine("whoami /all", ""))
}

func TestSplitAddressFamilies(t *testing.T) {
	v4, v6 := SplitAddressFamilies([]string{"10.0.0.5", "fe80::1c4f:2a11", "192.168.1.9", "::1"})
	assert.Equal(t, []string{"10.0.0.5", "192.168.1.9"}, v4)
	assert.Equal(t, []string{"fe80::1c4f:2a11", "::1"}, v6)

	v4, v6 = SplitAddressFamilies(nil)
	assert.Empty(t, v4)
	assert.Empty(t, v6)
}

func TestStringFields(t *testing.T) {
	raw := map[string]interface{}{
		"host":  "ws-042",
		"fqdn":  "ws-042",
		"addrs": []interface{}{"10.0.0.5", "10.0.0.5", ""},
	}
	assert.Equal(t, []string{"ws-042"}, StringFields(raw, "host", "fqdn"))
	assert.Equal(t, []string{"10.0.0.5"}, StringFields(raw, "addrs"))
	assert.Empty(t, StringFields(raw, "missing"))
}
