package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/backport/internal/platform/fhir"
)

func paramsFor(t *testing.T, target string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		target     string
		wantLimit  int
		wantOffset int
	}{
		{"/fhir/Subscription", DefaultLimit, 0},
		{"/fhir/Subscription?_count=5&_offset=10", 5, 10},
		{"/fhir/Subscription?_count=1000", MaxLimit, 0},
		{"/fhir/Subscription?_count=-3&_offset=-1", DefaultLimit, 0},
		{"/fhir/Subscription?_count=abc", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := paramsFor(t, tt.target)
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("%s: expected %d/%d, got %d/%d", tt.target, tt.wantLimit, tt.wantOffset, p.Limit, p.Offset)
		}
	}
}

func TestFromContext_KeepsFilters(t *testing.T) {
	p := paramsFor(t, "/fhir/Subscription?status=active&_count=2")
	if got := p.Filters.Get("status"); got != "active" {
		t.Errorf("expected status filter active, got %q", got)
	}
	if p.Filters.Has("_count") {
		t.Error("expected _count to be stripped from filters")
	}
}

func TestParams_Offsets(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if !p.HasNext(16) || p.HasNext(15) {
		t.Error("unexpected HasNext result")
	}
	if !p.HasPrevious() {
		t.Error("expected HasPrevious with offset 5")
	}
	if p.NextOffset() != 15 {
		t.Errorf("expected next offset 15, got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected previous offset clamped to 0, got %d", p.PreviousOffset())
	}
}

func TestParams_FHIRLinks_FirstPage(t *testing.T) {
	p := Params{Limit: 10, Offset: 0}
	links := p.FHIRLinks("/fhir/Subscription", 25)
	if len(links) != 2 {
		t.Fatalf("expected self and next, got %d links", len(links))
	}
	if links[0].Relation != "self" || links[0].URL != "/fhir/Subscription?_count=10&_offset=0" {
		t.Errorf("unexpected self link %+v", links[0])
	}
	if links[1].Relation != "next" || links[1].URL != "/fhir/Subscription?_count=10&_offset=10" {
		t.Errorf("unexpected next link %+v", links[1])
	}
}

func TestParams_FHIRLinks_LastPageWithFilter(t *testing.T) {
	p := paramsFor(t, "/fhir/Subscription?status=error&_count=10&_offset=20")
	links := p.FHIRLinks("/fhir/Subscription", 25)
	if len(links) != 2 {
		t.Fatalf("expected self and previous, got %d links", len(links))
	}
	if links[1].Relation != "previous" || links[1].URL != "/fhir/Subscription?_count=10&_offset=10&status=error" {
		t.Errorf("unexpected previous link %+v", links[1])
	}
}

func TestParams_FHIRLinks_NoResults(t *testing.T) {
	links := Params{Limit: 10}.FHIRLinks("/fhir/SubscriptionTopic", 0)
	if len(links) != 1 || links[0].Relation != "self" {
		t.Errorf("expected only self link, got %+v", links)
	}
}

func TestParams_FHIRLinks_BuildSearchBundle(t *testing.T) {
	p := Params{Limit: 1}
	bundle, err := fhir.NewSearchBundle([]interface{}{
		map[string]string{"resourceType": "SubscriptionTopic", "id": "t1"},
	}, 2, p.FHIRLinks("/fhir/SubscriptionTopic", 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bundle.NextLink() != "/fhir/SubscriptionTopic?_count=1&_offset=1" {
		t.Errorf("unexpected next link %q", bundle.NextLink())
	}
	if bundle.Link[0].Relation != "self" {
		t.Errorf("expected self link first, got %+v", bundle.Link[0])
	}
}
