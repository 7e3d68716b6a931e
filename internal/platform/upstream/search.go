package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ehr/backport/internal/platform/fhir"
)

// InstantFormat is how the _lastUpdated watermark is rendered.
const InstantFormat = "2006-01-02T15:04:05.000Z"

// Query is one time-bounded search for a resource type.
type Query struct {
	ResourceType string
	// Criteria is a static query string such as "status=finished". A leading
	// "Encounter?" is tolerated.
	Criteria string
	// Since, when set, restricts the search to resources updated after it.
	Since *time.Time
}

// Result is what a search returned across all fetched pages.
type Result struct {
	Total     int
	Resources []fhir.RawResource
	// Truncated is set when the page limit stopped the search before the
	// last page.
	Truncated bool
	// Resume is where the next search of a truncated result should start.
	// It is nil when the pages were not ordered by _lastUpdated or a fetched
	// resource had no meta.lastUpdated.
	Resume *time.Time
}

// BuildSearchParams renders the query string for q.
func BuildSearchParams(q Query) url.Values {
	params := url.Values{}
	criteria := q.Criteria
	if i := strings.Index(criteria, "?"); i >= 0 {
		criteria = criteria[i+1:]
	}
	for _, pair := range strings.Split(criteria, "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		key, err := url.QueryUnescape(kv[0])
		if err != nil {
			key = kv[0]
		}
		value := ""
		if len(kv) == 2 {
			if value, err = url.QueryUnescape(kv[1]); err != nil {
				value = kv[1]
			}
		}
		params.Set(key, value)
	}
	if q.Since != nil {
		params.Set("_lastUpdated", "gt"+q.Since.UTC().Format(InstantFormat))
	}
	return params
}

// Fetch runs q against the upstream server, following next links up to the
// configured page limit (0 means unlimited). Unless the criteria choose their
// own order, results are requested oldest first so a truncated search can
// resume where it stopped. token may be empty for an open server.
func (c *Client) Fetch(ctx context.Context, token string, q Query) (*Result, error) {
	if q.ResourceType == "" {
		return nil, &Error{Op: "search", URL: c.cfg.BaseURL, Err: fmt.Errorf("resource type is required")}
	}
	pageURL := c.cfg.BaseURL + "/" + q.ResourceType
	params := BuildSearchParams(q)
	sorted := !params.Has("_sort")
	if sorted {
		params.Set("_sort", "_lastUpdated")
	}

	result := &Result{}
	totalSet := false
	for page := 0; pageURL != "" && (c.cfg.MaxPages == 0 || page < c.cfg.MaxPages); page++ {
		bundle, err := c.searchPage(ctx, token, pageURL, params)
		if err != nil {
			return nil, err
		}
		if !totalSet && bundle.Total != nil {
			result.Total = *bundle.Total
			totalSet = true
		}
		for _, entry := range bundle.Entry {
			if entry.Search != nil && entry.Search.Mode != "" && entry.Search.Mode != "match" {
				continue
			}
			res, err := fhir.ParseRawResource(entry.Resource)
			if err != nil {
				c.logger.Warn().Err(err).Str("url", pageURL).Msg("skipping unreadable bundle entry")
				continue
			}
			result.Resources = append(result.Resources, res)
		}

		// next links already carry the full query
		params = nil
		pageURL = c.resolve(bundle.NextLink())
	}
	if !totalSet {
		result.Total = len(result.Resources)
	}
	if pageURL != "" {
		result.Truncated = true
		if sorted {
			result.Resume = resumePoint(result.Resources)
		}
		c.logger.Warn().Str("resource_type", q.ResourceType).Int("max_pages", c.cfg.MaxPages).
			Bool("resumable", result.Resume != nil).
			Msg("page limit reached, remaining results deferred to next poll")
	}
	return result, nil
}

// resumePoint is one millisecond before the newest lastUpdated so resources
// sharing that instant on the unread pages are not skipped. Those already
// read come back on the next search and are classified as seen.
func resumePoint(resources []fhir.RawResource) *time.Time {
	var newest time.Time
	for _, r := range resources {
		if r.LastUpdated == nil {
			return nil
		}
		if r.LastUpdated.After(newest) {
			newest = *r.LastUpdated
		}
	}
	if newest.IsZero() {
		return nil
	}
	resume := newest.Add(-time.Millisecond)
	return &resume
}

func (c *Client) searchPage(ctx context.Context, token, pageURL string, params url.Values) (*fhir.Bundle, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: "search", URL: pageURL, Err: err}
	}
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/fhir+json")
	if token != "" {
		req.SetAuthToken(token)
	}
	if params != nil {
		req.SetQueryParamsFromValues(params)
	}
	resp, err := req.Get(pageURL)
	if err != nil {
		return nil, &Error{Op: "search", URL: pageURL, Err: err}
	}
	if !resp.IsSuccess() {
		return nil, &Error{Op: "search", URL: pageURL, StatusCode: resp.StatusCode()}
	}
	var bundle fhir.Bundle
	if err := json.Unmarshal(resp.Body(), &bundle); err != nil {
		return nil, &Error{Op: "search", URL: pageURL, StatusCode: resp.StatusCode(), Err: fmt.Errorf("decode bundle: %w", err)}
	}
	if bundle.ResourceType != "Bundle" {
		return nil, &Error{Op: "search", URL: pageURL, StatusCode: resp.StatusCode(),
			Err: fmt.Errorf("expected Bundle, got %q", bundle.ResourceType)}
	}
	return &bundle, nil
}

// resolve turns a possibly relative next link into an absolute url.
func (c *Client) resolve(link string) string {
	if link == "" {
		return ""
	}
	ref, err := url.Parse(link)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return link
	}
	base, err := url.Parse(c.cfg.BaseURL + "/")
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
