package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/breachrange/collectors/internal/platform"
)

// AssetResolver looks up the endpoint an expectation targets. The concrete
// resolver is the platform client, optionally fronted by a cache.
type AssetResolver interface {
	Asset(ctx context.Context, id string) (*platform.Asset, error)
}

// MatchResult is the outcome of comparing one expectation against a batch of
// normalized alerts.
type MatchResult struct {
	// Matched means at least one alert satisfied every required signature
	// and, for prevention expectations, carried prevention-grade evidence.
	Matched bool
	// Prevented means the satisfying alert reported the activity as
	// blocked or remediated.
	Prevented bool
	// Alert references the satisfying record, for trace creation.
	Alert AlertRef
}

// Matcher compares expectation signature sets against normalized alerts.
// Every required signature must be satisfied by the same alert; there is no
// majority vote.
type Matcher struct {
	// Resolver provides the asset whose hostname gates alert candidacy.
	Resolver AssetResolver
	// Policy decides what a missing signature type on the alert means.
	// When nil, any missing type disqualifies the alert.
	Policy func(platform.SignatureType) MissingPolicy
}

func (m *Matcher) policy(t platform.SignatureType) MissingPolicy {
	if m.Policy == nil {
		return MissingFail
	}
	return m.Policy(t)
}

// Match evaluates exp's matching signatures against alerts. A detection
// expectation matches on the first alert satisfying all signatures. A
// prevention expectation additionally requires the satisfying alert to carry
// a threat identifier or a vendor prevented status; alerts that match on
// signatures alone are provisional and the scan continues.
//
// An unknown signature type is a hard error so new platform vocabulary is
// surfaced instead of silently ignored.
func (m *Matcher) Match(ctx context.Context, exp *platform.Expectation, sigs []platform.Signature, alerts []NormalizedAlert) (MatchResult, error) {
	for _, sig := range sigs {
		if !platform.KnownSignatureType(sig.Type) {
			return MatchResult{}, fmt.Errorf("expectation %s: type %q: %w", exp.ID, sig.Type, ErrUnknownSignatureType)
		}
	}

	var hostname string
	if exp.AssetID != "" && m.Resolver != nil {
		asset, err := m.Resolver.Asset(ctx, exp.AssetID)
		if err != nil {
			return MatchResult{}, fmt.Errorf("resolve asset %s: %w", exp.AssetID, err)
		}
		if asset != nil {
			hostname = asset.Hostname
		}
	}

	for i := range alerts {
		alert := &alerts[i]
		if hostname != "" && !m.hostnameGate(alert, hostname) {
			continue
		}
		if !m.satisfies(alert, sigs) {
			continue
		}

		if exp.Kind != platform.KindPrevention {
			return MatchResult{Matched: true, Prevented: alert.Prevented, Alert: alert.Ref}, nil
		}

		// Prevention needs the vendor's own word for it. A threat
		// carrier is authoritative even when an earlier alert matched
		// on signatures alone.
		if alert.Prevented || alert.HasThreatID() {
			return MatchResult{Matched: true, Prevented: true, Alert: alert.Ref}, nil
		}
	}
	return MatchResult{}, nil
}

// hostnameGate requires the alert's hostname to equal the asset's, ignoring
// case. Alerts with no hostname data cannot be attributed to the asset and
// are rejected.
func (m *Matcher) hostnameGate(alert *NormalizedAlert, hostname string) bool {
	d, ok := alert.Signatures[platform.SigHostname]
	if !ok {
		return false
	}
	for _, v := range d.Values {
		if strings.EqualFold(v, hostname) {
			return true
		}
	}
	return false
}

// satisfies reports whether every signature finds a satisfying value on the
// alert, honoring the missing-type policy.
func (m *Matcher) satisfies(alert *NormalizedAlert, sigs []platform.Signature) bool {
	for _, sig := range sigs {
		d, ok := alert.Signatures[sig.Type]
		if !ok {
			if m.policy(sig.Type) == MissingPass {
				continue
			}
			return false
		}
		if !matchDescriptor(sig, d) {
			return false
		}
	}
	return true
}

func matchDescriptor(sig platform.Signature, d Descriptor) bool {
	for _, v := range d.Values {
		switch d.Algorithm {
		case AlgoFuzzy:
			if Similarity(sig.Value, v) >= d.Threshold {
				return true
			}
		default:
			if exactEqual(sig.Type, sig.Value, v) {
				return true
			}
		}
	}
	return false
}

// exactEqual compares case-insensitively for hostnames, which vendors report
// in wildly inconsistent casing, and byte-exact otherwise.
func exactEqual(t platform.SignatureType, want, got string) bool {
	if t == platform.SigHostname {
		return strings.EqualFold(want, got)
	}
	return want == got
}

// Similarity scores two strings 0-100 by normalized Levenshtein distance,
// ignoring case. Identical strings score 100.
func Similarity(a, b string) int {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 100
	}
	lev := metrics.NewLevenshtein()
	lev.CaseSensitive = false
	return int(strutil.Similarity(a, b, lev) * 100)
}
