package backport

import (
	"context"
	"fmt"

	"github.com/ehr/backport/internal/domain/pollstate"
	"github.com/ehr/backport/internal/platform/fhir"
)

// Changes splits one fetch into resources seen for the first time and
// resources that were already known. Both keep fetch order.
type Changes struct {
	New      []fhir.RawResource
	Modified []fhir.RawResource
}

// All returns new followed by modified resources.
func (c Changes) All() []fhir.RawResource {
	all := make([]fhir.RawResource, 0, len(c.New)+len(c.Modified))
	all = append(all, c.New...)
	return append(all, c.Modified...)
}

// Classify sorts fetched resources by whether a marker already existed. It
// only reads: markers are committed with Markers once the poll has
// succeeded, so a failed poll leaves no trace and its resources stay new.
func Classify(ctx context.Context, store pollstate.Store, resources []fhir.RawResource) (Changes, error) {
	seen, err := store.Seen(ctx, Markers(resources))
	if err != nil {
		return Changes{}, fmt.Errorf("look up resource markers: %w", err)
	}
	var ch Changes
	for _, r := range resources {
		if seen[markerOf(r)] {
			ch.Modified = append(ch.Modified, r)
		} else {
			ch.New = append(ch.New, r)
		}
	}
	return ch, nil
}

// Markers returns the marker of every resource.
func Markers(resources []fhir.RawResource) []pollstate.Marker {
	out := make([]pollstate.Marker, len(resources))
	for i, r := range resources {
		out[i] = markerOf(r)
	}
	return out
}

func markerOf(r fhir.RawResource) pollstate.Marker {
	return pollstate.Marker{ResourceType: r.ResourceType, ID: r.ID}
}
