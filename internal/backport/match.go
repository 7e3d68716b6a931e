package backport

import (
	"github.com/ehr/backport/internal/domain/topic"
	"github.com/ehr/backport/internal/platform/fhir"
)

// MatchResult is what a trigger contributes to a notification.
type MatchResult struct {
	Resources []fhir.RawResource
	// DeleteOnly is set when the only applicable method is delete, which the
	// poller cannot observe.
	DeleteOnly bool
}

// Match applies the trigger's methodCriteria to the observed changes.
// update wins over create: it reports every changed resource. create reports
// only new ones. delete is never matched.
func Match(trig topic.ResourceTrigger, ch Changes) MatchResult {
	switch {
	case trig.HasMethod(topic.MethodUpdate) && len(ch.New)+len(ch.Modified) > 0:
		return MatchResult{Resources: ch.All()}
	case trig.HasMethod(topic.MethodCreate) && len(ch.New) > 0:
		return MatchResult{Resources: ch.New}
	case trig.HasMethod(topic.MethodDelete):
		return MatchResult{DeleteOnly: true}
	}
	return MatchResult{}
}

// mergeResources appends add to base skipping identities already present.
func mergeResources(base []fhir.RawResource, seen map[string]bool, add []fhir.RawResource) []fhir.RawResource {
	for _, r := range add {
		if seen[r.Key()] {
			continue
		}
		seen[r.Key()] = true
		base = append(base, r)
	}
	return base
}
