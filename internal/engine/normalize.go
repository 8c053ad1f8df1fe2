package engine

import (
	"strings"
	"time"

	"github.com/breachrange/collectors/internal/platform"
)

// Algorithm selects how an alert value is compared against an expectation
// signature.
type Algorithm string

const (
	// AlgoExact requires string equality (case rules per type).
	AlgoExact Algorithm = "exact"
	// AlgoFuzzy requires edit-distance similarity at or above a threshold.
	AlgoFuzzy Algorithm = "fuzzy"
)

// Descriptor holds the candidate values an alert exposes for one signature
// type, plus how to compare them.
type Descriptor struct {
	Algorithm Algorithm
	Values    []string
	// Threshold is the minimum similarity (0-100) for fuzzy comparison.
	Threshold int
}

// AlertRef identifies the vendor alert that satisfied an expectation, for
// trace creation.
type AlertRef struct {
	ID   string
	Name string
	Link string
	Date time.Time
}

// NormalizedAlert is a vendor record reduced to a signature-type keyed bag of
// comparison descriptors. Ephemeral; rebuilt every fetch cycle.
type NormalizedAlert struct {
	Signatures map[platform.SignatureType]Descriptor
	Ref        AlertRef
	// Prevented is set when the vendor record itself says the activity was
	// blocked, quarantined or otherwise remediated.
	Prevented bool
}

// HasThreatID reports whether the vendor attached prevention-grade threat
// metadata to this record.
func (a NormalizedAlert) HasThreatID() bool {
	_, ok := a.Signatures[platform.SigThreatID]
	return ok
}

// Set stores a descriptor, dropping empty candidate value lists.
func (a *NormalizedAlert) Set(t platform.SignatureType, d Descriptor) {
	values := d.Values[:0:0]
	for _, v := range d.Values {
		if v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return
	}
	d.Values = values
	if a.Signatures == nil {
		a.Signatures = make(map[platform.SignatureType]Descriptor)
	}
	a.Signatures[t] = d
}

// MaxParentDepth caps parent-process chain ascent. Vendor data occasionally
// contains cyclic or absurdly deep parent links.
const MaxParentDepth = 25

// Basename extracts the final path element from a Windows or POSIX path.
// Returns "" when the path has no usable final element.
func Basename(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.TrimRight(path, "/")
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		path = path[idx+1:]
	}
	return path
}

// CleanCommandLine strips the executable path out of an argument string so
// fuzzy comparison sees only the arguments. Quoting around the path is
// removed as well.
func CleanCommandLine(args, exePath string) string {
	cleaned := args
	if exePath != "" {
		cleaned = strings.ReplaceAll(cleaned, exePath, "")
	}
	cleaned = strings.ReplaceAll(cleaned, `""`, "")
	return strings.TrimSpace(cleaned)
}

// SplitAddressFamilies partitions mixed address candidates into IPv4 and
// IPv6 lists. Vendors rarely tag the family, so a colon in the value is the
// discriminator.
func SplitAddressFamilies(addrs []string) (v4, v6 []string) {
	for _, a := range addrs {
		if strings.Contains(a, ":") {
			v6 = append(v6, a)
			continue
		}
		v4 = append(v4, a)
	}
	return v4, v6
}

// DedupeStrings returns values with blanks and duplicates removed, keeping
// first-seen order. Used when a vendor exposes the same address under several
// field names.
func DedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// StringField reads a string value out of a raw record, trying field names in
// order.
func StringField(raw map[string]interface{}, names ...string) string {
	for _, name := range names {
		if v, ok := raw[name].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// MapField reads a nested object out of a raw record.
func MapField(raw map[string]interface{}, name string) map[string]interface{} {
	if m, ok := raw[name].(map[string]interface{}); ok {
		return m
	}
	return nil
}

// MapSlice reads an array of objects out of a raw record.
func MapSlice(raw map[string]interface{}, name string) []map[string]interface{} {
	items, ok := raw[name].([]interface{})
	if !ok {
		return nil
	}
	var out []map[string]interface{}
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// NestedString walks a path of object keys and returns the string at the
// leaf, or "" anywhere the path breaks.
func NestedString(raw map[string]interface{}, path ...string) string {
	current := raw
	for i, key := range path {
		if i == len(path)-1 {
			if v, ok := current[key].(string); ok {
				return v
			}
			return ""
		}
		current = MapField(current, key)
		if current == nil {
			return ""
		}
	}
	return ""
}

// StringFields collects every non-empty string found under the given field
// names, de-duplicated.
func StringFields(raw map[string]interface{}, names ...string) []string {
	var out []string
	for _, name := range names {
		switch v := raw[name].(type) {
		case string:
			out = append(out, v)
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return DedupeStrings(out)
}
