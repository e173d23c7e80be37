package agreement

import "strings"

// Decision is the outcome of evaluating a signature request against the
// versions a contributor has already signed.
type Decision string

const (
	DecisionInvalidVersion Decision = "invalid_requested_version"
	DecisionAlreadySigned  Decision = "already_signed_same_version"
	DecisionAllowNew       Decision = "allow_new_signature"
	DecisionMaxVersions    Decision = "max_versions_reached"
)

// DefaultMaxVersions caps how many distinct agreement versions a contributor
// may sign over their lifetime. The only legitimate second signature is a
// re-sign after a new agreement version is published; a third attempt is a
// bug or abuse and must fail loudly.
const DefaultMaxVersions = 2

// Decide evaluates a signature request. It is a pure function of its inputs:
// a blank requested version is invalid, re-signing an already-signed version
// is a no-op, and once the distinct-version cap is reached every new version
// is rejected.
func Decide(existingVersions []string, requestedVersion string) Decision {
	return DecideWithLimit(existingVersions, requestedVersion, DefaultMaxVersions)
}

// DecideWithLimit is Decide with a configurable distinct-version cap.
func DecideWithLimit(existingVersions []string, requestedVersion string, maxVersions int) Decision {
	if strings.TrimSpace(requestedVersion) == "" {
		return DecisionInvalidVersion
	}
	if maxVersions <= 0 {
		maxVersions = DefaultMaxVersions
	}
	distinct := make(map[string]struct{}, len(existingVersions))
	for _, v := range existingVersions {
		if v == requestedVersion {
			return DecisionAlreadySigned
		}
		distinct[v] = struct{}{}
	}
	if len(distinct) >= maxVersions {
		return DecisionMaxVersions
	}
	return DecisionAllowNew
}
