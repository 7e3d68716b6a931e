// Package backport is the polling and notification engine of the FHIR
// Subscriptions backport. A cycle resolves the triggers of every active
// subscription's topic, polls the upstream server once per distinct trigger,
// classifies what came back and notifies the subscriptions that care.
package backport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/backport/internal/domain/pollstate"
	"github.com/ehr/backport/internal/domain/subscription"
	"github.com/ehr/backport/internal/domain/topic"
	"github.com/ehr/backport/internal/platform/fhir"
	"github.com/ehr/backport/internal/platform/upstream"
)

// DefaultMaxConcurrent caps concurrent trigger polls when none is configured.
const DefaultMaxConcurrent = 4

// SubscriptionStore is the subset of the subscription repository the
// engine needs.
type SubscriptionStore interface {
	ListActive(ctx context.Context) ([]*subscription.Subscription, error)
	UpdateStatus(ctx context.Context, id string, status string, errorText *string) error
	AddEvents(ctx context.Context, id string, n int64) (int64, error)
}

// TopicStore resolves topic canonicals.
type TopicStore interface {
	ListByURLs(ctx context.Context, urls []string) ([]*topic.Topic, error)
}

// Fetcher queries the upstream server.
type Fetcher interface {
	Token(ctx context.Context) (string, error)
	Fetch(ctx context.Context, token string, q upstream.Query) (*upstream.Result, error)
}

// Notifier delivers one notification to one subscription.
type Notifier interface {
	Dispatch(ctx context.Context, sub *subscription.Subscription, resources []fhir.RawResource) error
}

// Scope limits a cycle to the triggers of the given topics. The zero value
// polls everything.
type Scope struct {
	TopicURLs []string
}

// Report summarises one cycle.
type Report struct {
	Triggers      int
	Polled        int
	Failed        int
	Fetched       int
	Notifications int
	Delivered     int
}

// Engine runs poll cycles. Only one cycle runs at a time.
type Engine struct {
	subs          SubscriptionStore
	topics        TopicStore
	state         pollstate.Store
	upstream      Fetcher
	notifier      Notifier
	maxConcurrent int
	logger        zerolog.Logger

	cycleMu sync.Mutex
}

// NewEngine creates a new polling engine.
func NewEngine(subs SubscriptionStore, topics TopicStore, state pollstate.Store, fetcher Fetcher, notifier Notifier, maxConcurrent int, logger zerolog.Logger) *Engine {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Engine{
		subs:          subs,
		topics:        topics,
		state:         state,
		upstream:      fetcher,
		notifier:      notifier,
		maxConcurrent: maxConcurrent,
		logger:        logger.With().Str("component", "engine").Logger(),
	}
}

// pollTarget is one distinct trigger with every subscription listening to it.
type pollTarget struct {
	fingerprint string
	trigger     topic.ResourceTrigger
	subs        []*subscription.Subscription
}

// pollOutcome is what one trigger poll produced.
type pollOutcome struct {
	fetched int
	matches map[string][]fhir.RawResource
	// markers are committed after every trigger has been classified.
	markers []pollstate.Marker
	// watermark is nil when the poll must not advance the trigger.
	watermark *time.Time
	err       error
}

// RunCycle performs one poll cycle. Failures of individual triggers and
// deliveries are collected into the returned error and never stop the
// remaining work. Setup failures abort the cycle.
func (e *Engine) RunCycle(ctx context.Context, scope Scope) (*Report, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	report := &Report{}
	subs, targets, err := e.resolve(ctx, scope)
	if err != nil {
		return report, err
	}
	report.Triggers = len(targets)
	if len(targets) == 0 {
		e.logger.Info().Msg("no subscription topics to poll")
		return report, nil
	}

	token, err := e.upstream.Token(ctx)
	if err != nil {
		return report, fmt.Errorf("acquire upstream token: %w", err)
	}

	e.logger.Info().Int("triggers", len(targets)).Int("subscriptions", len(subs)).Msg("polling subscription topics")

	outcomes := make([]pollOutcome, len(targets))
	var g errgroup.Group
	g.SetLimit(e.maxConcurrent)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			outcomes[i] = e.pollTrigger(ctx, token, target)
			return nil
		})
	}
	// pollTrigger reports failures in its outcome, never through the group.
	g.Wait()

	// Every trigger classified against the markers as they stood before the
	// cycle. A trigger whose markers cannot be stored fails as a whole and
	// is polled again next cycle.
	for i := range outcomes {
		out := &outcomes[i]
		if out.err != nil || len(out.markers) == 0 {
			continue
		}
		if err := e.state.MarkSeen(ctx, out.markers); err != nil {
			e.logger.Error().Err(err).Str("trigger", targets[i].fingerprint).Msg("failed to record resource markers")
			*out = pollOutcome{err: fmt.Errorf("trigger %s: record resource markers: %w", targets[i].fingerprint, err)}
		}
	}

	var result *multierror.Error
	perSub := make(map[string][]fhir.RawResource)
	seen := make(map[string]map[string]bool)
	for i, out := range outcomes {
		if out.err != nil {
			report.Failed++
			result = multierror.Append(result, out.err)
			continue
		}
		report.Polled++
		report.Fetched += out.fetched
		for _, sub := range targets[i].subs {
			matched, ok := out.matches[sub.ID]
			if !ok {
				continue
			}
			if seen[sub.ID] == nil {
				seen[sub.ID] = make(map[string]bool)
			}
			perSub[sub.ID] = mergeResources(perSub[sub.ID], seen[sub.ID], matched)
		}
	}

	if err := e.dispatchAll(ctx, subs, perSub, report); err != nil {
		result = multierror.Append(result, err)
	}

	for i, out := range outcomes {
		if out.err != nil || out.watermark == nil {
			continue
		}
		if err := e.state.RecordPoll(ctx, targets[i].fingerprint, *out.watermark); err != nil {
			result = multierror.Append(result, fmt.Errorf("record poll %s: %w", targets[i].fingerprint, err))
		}
	}

	e.logger.Info().
		Int("polled", report.Polled).
		Int("failed", report.Failed).
		Int("fetched", report.Fetched).
		Int("notifications", report.Notifications).
		Int("delivered", report.Delivered).
		Msg("poll cycle finished")
	return report, result.ErrorOrNil()
}

// resolve loads active subscriptions and groups them by distinct trigger.
// With a non-empty scope only triggers declared by the scoped topics are
// kept, but each keeps every subscription listening to it.
func (e *Engine) resolve(ctx context.Context, scope Scope) ([]*subscription.Subscription, []*pollTarget, error) {
	active, err := e.subs.ListActive(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list active subscriptions: %w", err)
	}

	var (
		subs []*subscription.Subscription
		urls []string
	)
	urlSeen := make(map[string]bool)
	for _, sub := range active {
		url := sub.TopicURL()
		if url == "" {
			continue
		}
		subs = append(subs, sub)
		if !urlSeen[url] {
			urlSeen[url] = true
			urls = append(urls, url)
		}
	}
	if len(urls) == 0 {
		return subs, nil, nil
	}

	topics, err := e.topics.ListByURLs(ctx, urls)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve topics: %w", err)
	}
	byURL := make(map[string]*topic.Topic, len(topics))
	for _, t := range topics {
		if _, dup := byURL[t.URL]; !dup {
			byURL[t.URL] = t
		}
	}

	inScope := func(string) bool { return true }
	if len(scope.TopicURLs) > 0 {
		allowed := make(map[string]bool)
		for _, u := range scope.TopicURLs {
			if t, ok := byURL[u]; ok {
				for _, trig := range t.ResourceTrigger {
					allowed[trig.Fingerprint()] = true
				}
			}
		}
		inScope = func(fp string) bool { return allowed[fp] }
	}

	var targets []*pollTarget
	byFingerprint := make(map[string]*pollTarget)
	for _, sub := range subs {
		t, ok := byURL[sub.TopicURL()]
		if !ok {
			e.logger.Warn().Str("subscription", sub.ID).Str("topic", sub.TopicURL()).Msg("subscription topic not found")
			continue
		}
		for _, trig := range t.ResourceTrigger {
			fp := trig.Fingerprint()
			if !inScope(fp) {
				continue
			}
			target, ok := byFingerprint[fp]
			if !ok {
				target = &pollTarget{fingerprint: fp, trigger: trig}
				byFingerprint[fp] = target
				targets = append(targets, target)
			}
			if !containsSub(target.subs, sub.ID) {
				target.subs = append(target.subs, sub)
			}
		}
	}
	return subs, targets, nil
}

func containsSub(subs []*subscription.Subscription, id string) bool {
	for _, s := range subs {
		if s.ID == id {
			return true
		}
	}
	return false
}

// pollTrigger fetches, classifies and matches one trigger. It writes nothing:
// markers are committed before dispatch and the watermark after it.
func (e *Engine) pollTrigger(ctx context.Context, token string, target *pollTarget) pollOutcome {
	trig := target.trigger
	log := e.logger.With().Str("trigger", target.fingerprint).Str("resource_type", trig.ResourceType).Logger()

	startedAt := time.Now().UTC()
	q := upstream.Query{ResourceType: trig.ResourceType, Criteria: trig.CurrentCriteria()}
	last, found, err := e.state.GetLastPoll(ctx, target.fingerprint)
	if err != nil {
		log.Error().Err(err).Msg("failed to read poll state")
		return pollOutcome{err: fmt.Errorf("trigger %s: read poll state: %w", target.fingerprint, err)}
	}
	if found {
		q.Since = &last
	}
	log.Info().Time("since", last).Bool("first_poll", !found).Msg("polling upstream")

	res, err := e.upstream.Fetch(ctx, token, q)
	if err != nil {
		log.Error().Err(err).Msg("upstream search failed")
		return pollOutcome{err: fmt.Errorf("trigger %s: %w", target.fingerprint, err)}
	}

	out := pollOutcome{fetched: len(res.Resources), matches: make(map[string][]fhir.RawResource)}
	switch {
	case !res.Truncated:
		out.watermark = &startedAt
	case res.Resume != nil:
		out.watermark = res.Resume
		log.Warn().Time("resume", *res.Resume).Msg("search truncated, resuming from the newest fetched resource")
	default:
		log.Warn().Msg("search truncated without a resume point, watermark left unchanged")
	}
	if len(res.Resources) == 0 {
		return out
	}
	out.markers = Markers(res.Resources)

	changes, err := Classify(ctx, e.state, res.Resources)
	if err != nil {
		log.Error().Err(err).Msg("failed to classify fetched resources")
		return pollOutcome{err: fmt.Errorf("trigger %s: %w", target.fingerprint, err)}
	}
	log.Info().Int("new", len(changes.New)).Int("modified", len(changes.Modified)).Msg("classified fetched resources")

	m := Match(trig, changes)
	for _, sub := range target.subs {
		switch {
		case m.DeleteOnly:
			log.Error().Str("subscription", sub.ID).Msg("delete methodCriteria not implemented")
		case len(m.Resources) > 0:
			out.matches[sub.ID] = m.Resources
		}
	}
	return out
}

// dispatchAll sends at most one notification per subscription.
func (e *Engine) dispatchAll(ctx context.Context, subs []*subscription.Subscription, perSub map[string][]fhir.RawResource, report *Report) error {
	var (
		mu     sync.Mutex
		result *multierror.Error
		g      errgroup.Group
	)
	g.SetLimit(e.maxConcurrent)
	for _, sub := range subs {
		sub := sub
		resources := perSub[sub.ID]
		if len(resources) == 0 {
			continue
		}
		report.Notifications++
		g.Go(func() error {
			err := e.notifier.Dispatch(ctx, sub, resources)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result = multierror.Append(result, err)
				return nil
			}
			report.Delivered++
			return nil
		})
	}
	// delivery errors are collected in result
	g.Wait()
	return result.ErrorOrNil()
}
