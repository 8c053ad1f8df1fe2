// Package platform provides the client and data model for the breach-and-attack
// simulation platform the collectors report back to.
package platform

import "time"

// ExpectationKind distinguishes what a pending verification asks for.
type ExpectationKind string

const (
	KindDetection  ExpectationKind = "DETECTION"
	KindPrevention ExpectationKind = "PREVENTION"
)

// Verdict strings the platform accepts for an expectation result.
const (
	ResultDetected     = "Detected"
	ResultNotDetected  = "Not Detected"
	ResultPrevented    = "Prevented"
	ResultNotPrevented = "Not Prevented"
)

// SignatureType identifies which fact a signature carries.
type SignatureType string

const (
	SigHostname          SignatureType = "hostname"
	SigProcessName       SignatureType = "process_name"
	SigParentProcessName SignatureType = "parent_process_name"
	SigCommandLine       SignatureType = "command_line"
	SigFileName          SignatureType = "file_name"
	SigIPv4Address       SignatureType = "ipv4_address"
	SigIPv6Address       SignatureType = "ipv6_address"
	SigSourceIPv4        SignatureType = "source_ipv4"
	SigTargetIPv4        SignatureType = "target_ipv4"
	SigThreatID          SignatureType = "threat_id"
	SigStartDate         SignatureType = "start_date"
	SigEndDate           SignatureType = "end_date"
)

// KnownSignatureType reports whether t belongs to the fixed signature
// vocabulary.
func KnownSignatureType(t SignatureType) bool {
	switch t {
	case SigHostname, SigProcessName, SigParentProcessName, SigCommandLine,
		SigFileName, SigIPv4Address, SigIPv6Address, SigSourceIPv4,
		SigTargetIPv4, SigThreatID, SigStartDate, SigEndDate:
		return true
	}
	return false
}

// Signature is a typed, comparable fact attached to an expectation.
type Signature struct {
	Type  SignatureType `json:"type"`
	Value string        `json:"value"`
}

// ExpectationResult is a result already recorded on an expectation by some
// collector. Used to filter out expectations this collector has answered.
type ExpectationResult struct {
	SourceID string `json:"source_id"`
	Result   string `json:"result"`
}

// Expectation is a pending verification request created by the platform when
// a simulated technique executes.
type Expectation struct {
	ID         string              `json:"expectation_id"`
	Kind       ExpectationKind     `json:"expectation_kind"`
	AssetID    string              `json:"expectation_asset,omitempty"`
	InjectID   string              `json:"expectation_inject"`
	CreatedAt  time.Time           `json:"expectation_created_at"`
	Signatures []Signature         `json:"expectation_signatures"`
	Results    []ExpectationResult `json:"expectation_results,omitempty"`

	// Tracking window of the inject execution, when the platform knows it.
	TrackingSentAt *time.Time `json:"tracking_sent_date,omitempty"`
	TrackingEndAt  *time.Time `json:"tracking_end_date,omitempty"`
}

// FilledBy reports whether sourceID already recorded a result on this
// expectation.
func (e *Expectation) FilledBy(sourceID string) bool {
	for _, r := range e.Results {
		if r.SourceID == sourceID {
			return true
		}
	}
	return false
}

// NegativeResult returns the terminal negative verdict string for the kind.
func (k ExpectationKind) NegativeResult() string {
	if k == KindPrevention {
		return ResultNotPrevented
	}
	return ResultNotDetected
}

// PositiveResult returns the terminal positive verdict string for the kind.
func (k ExpectationKind) PositiveResult() string {
	if k == KindPrevention {
		return ResultPrevented
	}
	return ResultDetected
}

// Asset is the endpoint an expectation targets.
type Asset struct {
	ID       string   `json:"asset_id"`
	Hostname string   `json:"asset_hostname"`
	IPs      []string `json:"asset_ips,omitempty"`
}

// UpdateInput is the payload for writing a verdict onto an expectation.
type UpdateInput struct {
	CollectorID string            `json:"collector_id"`
	Result      string            `json:"result"`
	IsSuccess   bool              `json:"is_success"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Trace is an evidentiary record linking a matched expectation to the vendor
// alert that satisfied it. The platform deduplicates traces itself.
type Trace struct {
	ExpectationID string    `json:"trace_expectation"`
	SourceID      string    `json:"trace_source_id"`
	AlertName     string    `json:"trace_alert_name"`
	AlertLink     string    `json:"trace_alert_link"`
	Date          time.Time `json:"trace_date"`
}
