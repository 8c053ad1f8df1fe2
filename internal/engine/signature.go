package engine

import (
	"fmt"

	"github.com/breachrange/collectors/internal/platform"
)

// SplitSignatures validates an expectation's signatures and splits them into
// the set used to build vendor queries and the subset compared against
// alerts. Date signatures steer the query window but are not alert attributes,
// so they appear only in the search set.
//
// A signature with an empty type or value fails the whole extraction; the
// caller treats that as a data error, not something to retry.
func SplitSignatures(exp *platform.Expectation, supported []platform.SignatureType) (search, matching []platform.Signature, err error) {
	supportedSet := make(map[platform.SignatureType]struct{}, len(supported))
	for _, t := range supported {
		supportedSet[t] = struct{}{}
	}

	for _, sig := range exp.Signatures {
		if sig.Type == "" || sig.Value == "" {
			return nil, nil, fmt.Errorf("expectation %s: %w", exp.ID, ErrMalformedSignature)
		}
		if _, ok := supportedSet[sig.Type]; !ok {
			continue
		}
		search = append(search, sig)
		if sig.Type == platform.SigStartDate || sig.Type == platform.SigEndDate {
			continue
		}
		matching = append(matching, sig)
	}
	return search, matching, nil
}
