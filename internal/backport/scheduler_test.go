package backport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/backport/internal/domain/subscription"
	"github.com/ehr/backport/internal/platform/fhir"
)

type recordingCycler struct {
	mu     sync.Mutex
	scopes []Scope
	calls  chan Scope
}

func newRecordingCycler() *recordingCycler {
	return &recordingCycler{calls: make(chan Scope, 16)}
}

func (r *recordingCycler) RunCycle(_ context.Context, scope Scope) (*Report, error) {
	r.mu.Lock()
	r.scopes = append(r.scopes, scope)
	r.mu.Unlock()
	r.calls <- scope
	return &Report{}, nil
}

func waitScope(t *testing.T, calls <-chan Scope) Scope {
	t.Helper()
	select {
	case s := <-calls:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a poll cycle")
		return Scope{}
	}
}

func TestScheduler_StartupCycle(t *testing.T) {
	cy := newRecordingCycler()
	s := NewScheduler(cy, time.Hour, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	scope := waitScope(t, cy.calls)
	assert.Empty(t, scope.TopicURLs)
}

func TestScheduler_SubscriptionCreatedIsScoped(t *testing.T) {
	cy := newRecordingCycler()
	s := NewScheduler(cy, time.Hour, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	waitScope(t, cy.calls)

	s.SubscriptionCreated(context.Background(), &subscription.Subscription{
		ID:        "s1",
		Extension: []fhir.Extension{{URL: fhir.BackportTopicCanonicalURL, ValueURI: "http://example.org/topic/enc"}},
	})
	scope := waitScope(t, cy.calls)
	assert.Equal(t, []string{"http://example.org/topic/enc"}, scope.TopicURLs)
}

func TestScheduler_SubscriptionWithoutTopic(t *testing.T) {
	cy := newRecordingCycler()
	s := NewScheduler(cy, time.Hour, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	waitScope(t, cy.calls)

	s.SubscriptionCreated(context.Background(), &subscription.Subscription{ID: "s1"})
	s.Stop()

	cy.mu.Lock()
	defer cy.mu.Unlock()
	assert.Len(t, cy.scopes, 1)
}

func TestScheduler_IntervalCycles(t *testing.T) {
	cy := newRecordingCycler()
	s := NewScheduler(cy, time.Second, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	waitScope(t, cy.calls)
	waitScope(t, cy.calls)
}

func TestScheduler_RejectsZeroInterval(t *testing.T) {
	s := NewScheduler(newRecordingCycler(), 0, zerolog.Nop())
	assert.Error(t, s.Start(context.Background()))
}

func TestScheduler_TriggerConcurrentWithStart(t *testing.T) {
	cy := newRecordingCycler()
	s := NewScheduler(cy, time.Hour, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Trigger(Scope{}, "test")
		}()
	}
	require.NoError(t, s.Start(context.Background()))
	wg.Wait()
	waitScope(t, cy.calls)
	s.Stop()

	cy.mu.Lock()
	defer cy.mu.Unlock()
	assert.LessOrEqual(t, len(cy.scopes), 9)
}

func TestScheduler_TriggerAfterStopIsNoop(t *testing.T) {
	cy := newRecordingCycler()
	s := NewScheduler(cy, time.Hour, zerolog.Nop())
	s.Trigger(Scope{}, "before-start")
	require.NoError(t, s.Start(context.Background()))
	waitScope(t, cy.calls)
	s.Stop()

	s.Trigger(Scope{}, "after-stop")
	s.Stop()

	cy.mu.Lock()
	defer cy.mu.Unlock()
	assert.Len(t, cy.scopes, 1)
	assert.Error(t, s.Start(context.Background()), "a stopped scheduler cannot be restarted")
}
