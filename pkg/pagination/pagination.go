// Package pagination reads _count/_offset from FHIR search requests and
// builds the matching Bundle links.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/backport/internal/platform/fhir"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
	// Filters are the remaining search parameters, repeated on every link.
	Filters url.Values
}

// FromContext extracts pagination parameters from the echo context.
func FromContext(c echo.Context) Params {
	q := c.QueryParams()

	limit, _ := strconv.Atoi(q.Get("_count"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(q.Get("_offset"))
	if offset < 0 {
		offset = 0
	}

	filters := url.Values{}
	for k, vs := range q {
		if k == "_count" || k == "_offset" {
			continue
		}
		filters[k] = append([]string(nil), vs...)
	}
	return Params{Limit: limit, Offset: offset, Filters: filters}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page, never negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// FHIRLinks generates self, next and previous links for a search result.
// basePath should be the request path (e.g., "/fhir/Subscription").
func (p Params) FHIRLinks(basePath string, total int) []FHIRLink {
	links := []FHIRLink{{Relation: "self", URL: p.link(basePath, p.Offset)}}
	if p.HasNext(total) {
		links = append(links, FHIRLink{Relation: "next", URL: p.link(basePath, p.NextOffset())})
	}
	if p.HasPrevious() {
		links = append(links, FHIRLink{Relation: "previous", URL: p.link(basePath, p.PreviousOffset())})
	}
	return links
}

func (p Params) link(basePath string, offset int) string {
	q := url.Values{}
	for k, vs := range p.Filters {
		q[k] = vs
	}
	q.Set("_offset", strconv.Itoa(offset))
	q.Set("_count", strconv.Itoa(p.Limit))
	return basePath + "?" + q.Encode()
}

// FHIRLink is a Bundle link, so FHIRLinks can be assigned to Bundle.Link
// as is.
type FHIRLink = fhir.BundleLink
