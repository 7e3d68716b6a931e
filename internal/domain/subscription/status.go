package subscription

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/backport/internal/platform/fhir"
)

// BuildStatus renders the backport SubscriptionStatus Parameters for sub.
// eventsInNotification is included only when non-nil.
func BuildStatus(sub *Subscription, resourceServer, notificationType string, eventsInNotification *int64) *fhir.Parameters {
	base := strings.TrimRight(resourceServer, "/")
	p := fhir.NewParameters(uuid.NewString(), fhir.BackportSubscriptionStatusURL)
	p.Add(fhir.Parameter{
		Name:           "subscription",
		ValueReference: &fhir.Reference{Reference: fmt.Sprintf("%s/Subscription/%s", base, sub.ID)},
	}).Add(fhir.Parameter{
		Name:           "topic",
		ValueCanonical: sub.TopicURL(),
	}).Add(fhir.Parameter{
		Name:      "status",
		ValueCode: sub.Status,
	}).Add(fhir.Parameter{
		Name:      "type",
		ValueCode: notificationType,
	}).Add(fhir.Parameter{
		Name:             "events-since-subscription-start",
		ValueUnsignedInt: fhir.UnsignedInt(sub.NumEventsSinceStart),
	})
	if eventsInNotification != nil {
		p.Add(fhir.Parameter{
			Name:             "events-in-notification",
			ValueUnsignedInt: fhir.UnsignedInt(*eventsInNotification),
		})
	}
	return p
}

// StatusBundle wraps query-status Parameters for subs in a searchset Bundle.
func StatusBundle(subs []*Subscription, resourceServer string) (*fhir.Bundle, error) {
	now := time.Now().UTC()
	total := len(subs)
	bundle := &fhir.Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
	}
	for _, sub := range subs {
		entry, err := fhir.NewEntry(BuildStatus(sub, resourceServer, fhir.NotificationTypeQueryStatus, nil), resourceServer)
		if err != nil {
			return nil, err
		}
		entry.Search = &fhir.BundleSearch{Mode: "match"}
		bundle.Entry = append(bundle.Entry, entry)
	}
	return bundle, nil
}
