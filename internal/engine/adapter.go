package engine

import (
	"context"
	"time"

	"github.com/breachrange/collectors/internal/platform"
)

// Window is the time range a vendor fetch covers.
type Window struct {
	Start time.Time
	End   time.Time
}

// Hints carry optional query narrowing derived from search signatures.
// Adapters use what their query language supports and ignore the rest.
type Hints struct {
	ProcessNames []string
	Hostnames    []string
}

// RawAlert is one vendor-native alert or event record, as decoded JSON.
type RawAlert map[string]interface{}

// MissingPolicy decides how the matcher treats a signature type the
// expectation requires but the alert carries no data for.
type MissingPolicy int

const (
	// MissingFail disqualifies the alert (the default).
	MissingFail MissingPolicy = iota
	// MissingPass skips the signature, mirroring vendors where absence of
	// the data (typically command lines) is not disqualifying.
	MissingPass
)

// Adapter is one vendor integration. Each vendor implements fetching raw
// records for a window and reducing a record to a comparable signature bag.
// Concrete adapters are selected by configuration at startup.
type Adapter interface {
	// Name identifies the vendor in logs and metrics.
	Name() string

	// SupportedTypes declares which signature types this vendor can
	// produce data for. Signatures outside the set are ignored.
	SupportedTypes() []platform.SignatureType

	// Fetch returns raw alert records in the window, optionally narrowed
	// by hints. The result is a bounded page; an empty result is not an
	// error.
	Fetch(ctx context.Context, window Window, hints Hints) ([]RawAlert, error)

	// Normalize reduces one raw record to a typed signature bag.
	Normalize(raw RawAlert) (NormalizedAlert, error)

	// MissingTypePolicy reports how to treat a required signature type the
	// alert has no data for.
	MissingTypePolicy(t platform.SignatureType) MissingPolicy
}
