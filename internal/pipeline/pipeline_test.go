package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/cmdsched/internal/intent"
	"github.com/kalambet/cmdsched/internal/retrieval"
	"github.com/kalambet/cmdsched/internal/scheduler"
	"github.com/kalambet/cmdsched/internal/storage"
	"github.com/kalambet/cmdsched/internal/summarize"
	"github.com/kalambet/cmdsched/internal/task"
)

const koreanCmd = "aaa.pdf 내용을 요약해서 hong@example.com에게 오전 10시에 메일 보내줘"

var kst = time.FixedZone("KST", 9*60*60)

type fakeRetriever struct {
	mu       sync.Mutex
	items    []retrieval.RetrievedItem
	err      error
	keywords []string
	topK     []int
}

func (r *fakeRetriever) Retrieve(_ context.Context, keywords string, topK int) ([]retrieval.RetrievedItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keywords = append(r.keywords, keywords)
	r.topK = append(r.topK, topK)
	return r.items, r.err
}

type fakeSummarizer struct {
	text      string
	err       error
	calls     int
	maxLength int
}

func (s *fakeSummarizer) Summarize(_ context.Context, items []retrieval.RetrievedItem, maxLength int) (summarize.Summary, error) {
	s.calls++
	s.maxLength = maxLength
	if s.err != nil {
		return summarize.Summary{}, s.err
	}
	return summarize.Summary{Text: s.text}, nil
}

type fixture struct {
	p     *Pipeline
	store *storage.Store
	ret   *fakeRetriever
	sum   *fakeSummarizer
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := func() time.Time { return now }
	sch := scheduler.New(st, scheduler.DefaultConfig()).WithClock(clock)
	ret := &fakeRetriever{items: []retrieval.RetrievedItem{
		{ID: "doc-1", Content: "Quarterly results were strong.", Score: 0.9, SourceKind: retrieval.KindDocument},
		{ID: "doc-2", Content: "Hiring is on track.", Score: 0.7, SourceKind: retrieval.KindText},
	}}
	sum := &fakeSummarizer{text: "Results strong; hiring on track."}
	p := New(ret, sum, sch, Config{Location: kst}).WithClock(clock)
	return &fixture{p: p, store: st, ret: ret, sum: sum}
}

func (f *fixture) tasks(t *testing.T) []task.Record {
	t.Helper()
	recs, err := f.store.ListTasks(context.Background(), storage.TaskFilter{})
	require.NoError(t, err)
	return recs
}

func TestProcess_SummarizeAndEmailLaterToday(t *testing.T) {
	f := newFixture(t, time.Date(2026, 4, 1, 9, 0, 0, 0, kst))

	resp, err := f.p.Process(context.Background(), Command{Text: koreanCmd})
	require.NoError(t, err)

	assert.Equal(t, intent.SearchSummarizeEmail, resp.Intent)
	assert.Equal(t, []string{"hong@example.com"}, resp.Entities.Recipients)
	assert.Equal(t, []string{"aaa.pdf 내용을"}, f.ret.keywords)
	assert.Len(t, resp.SearchResults, 2)
	assert.Equal(t, "Results strong; hiring on track.", resp.Summary)
	assert.NotEmpty(t, resp.RequestID)
	assert.Empty(t, resp.Warnings)
	assert.Equal(t, "Found 2 relevant results. Generated summary of the results. Scheduled 1 action(s).", resp.ResponseText)

	require.Len(t, resp.ScheduledActions, 1)
	a := resp.ScheduledActions[0]
	assert.Equal(t, task.KindEmail, a.Kind)
	assert.Equal(t, task.StatusPending, a.Status)
	require.NotNil(t, a.ScheduledAt)
	want := time.Date(2026, 4, 1, 10, 0, 0, 0, kst)
	assert.True(t, a.ScheduledAt.Equal(want), "scheduled at %v, want %v", a.ScheduledAt, want)
	assert.Equal(t, "hong@example.com", a.Params["to"])
	assert.Equal(t, DefaultSubject, a.Params["subject"])
	assert.Equal(t, "Results strong; hiring on track.", a.Params["body"])

	recs := f.tasks(t)
	require.Len(t, recs, 1)
	assert.Equal(t, a.ID, recs[0].ID)
	assert.True(t, recs[0].NextAttemptAt.Equal(want))
}

func TestProcess_PassedTimeRollsToTomorrow(t *testing.T) {
	f := newFixture(t, time.Date(2026, 4, 1, 11, 0, 0, 0, kst))

	resp, err := f.p.Process(context.Background(), Command{Text: koreanCmd})
	require.NoError(t, err)
	require.Len(t, resp.ScheduledActions, 1)
	want := time.Date(2026, 4, 2, 10, 0, 0, 0, kst)
	assert.True(t, resp.ScheduledActions[0].ScheduledAt.Equal(want), "scheduled at %v", resp.ScheduledActions[0].ScheduledAt)
}

func TestProcess_RetrievalFailureStillEmails(t *testing.T) {
	f := newFixture(t, time.Date(2026, 4, 1, 9, 0, 0, 0, kst))
	f.ret.err = &retrieval.RetrievalError{Query: "aaa.pdf", Errs: []error{context.DeadlineExceeded}}

	resp, err := f.p.Process(context.Background(), Command{Text: koreanCmd})
	require.NoError(t, err)

	assert.Empty(t, resp.SearchResults)
	assert.Empty(t, resp.Summary)
	assert.Zero(t, f.sum.calls, "summary is skipped without results")
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "search failed")

	require.Len(t, resp.ScheduledActions, 1)
	assert.Equal(t, placeholderBody, resp.ScheduledActions[0].Params["body"])
	assert.Equal(t, "Scheduled 1 action(s).", resp.ResponseText)
}

func TestProcess_SummaryFailureStillEmails(t *testing.T) {
	f := newFixture(t, time.Date(2026, 4, 1, 9, 0, 0, 0, kst))
	f.sum.err = &summarize.GenerationError{Reason: "timed out", Err: context.DeadlineExceeded}

	resp, err := f.p.Process(context.Background(), Command{Text: koreanCmd})
	require.NoError(t, err)

	assert.Len(t, resp.SearchResults, 2)
	assert.Empty(t, resp.Summary)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "summary failed")
	require.Len(t, resp.ScheduledActions, 1)
	assert.Equal(t, placeholderBody, resp.ScheduledActions[0].Params["body"])
}

func TestProcess_UnknownShortCircuits(t *testing.T) {
	f := newFixture(t, time.Date(2026, 4, 1, 9, 0, 0, 0, kst))

	resp, err := f.p.Process(context.Background(), Command{Text: "  ?!  "})
	require.NoError(t, err)
	assert.Equal(t, intent.Unknown, resp.Intent)
	assert.Equal(t, notUnderstoodReply, resp.ResponseText)
	assert.Empty(t, resp.ScheduledActions)
	assert.Empty(t, f.ret.keywords)
	assert.Empty(t, f.tasks(t))
}

func TestProcess_SearchOnly(t *testing.T) {
	f := newFixture(t, time.Date(2026, 4, 1, 9, 0, 0, 0, kst))

	resp, err := f.p.Process(context.Background(), Command{
		Text:    "search quarterly results",
		Context: map[string]any{"top_k": 3.0},
	})
	require.NoError(t, err)
	assert.Equal(t, intent.Search, resp.Intent)
	assert.Equal(t, []int{3}, f.ret.topK)
	assert.Zero(t, f.sum.calls)
	assert.Empty(t, resp.ScheduledActions)
	assert.Equal(t, "Found 2 relevant results.", resp.ResponseText)
	assert.Empty(t, f.tasks(t))
}

func TestProcess_NoResults(t *testing.T) {
	f := newFixture(t, time.Date(2026, 4, 1, 9, 0, 0, 0, kst))
	f.ret.items = nil

	resp, err := f.p.Process(context.Background(), Command{Text: "summarize the incident log"})
	require.NoError(t, err)
	assert.Equal(t, intent.Summarize, resp.Intent)
	assert.Zero(t, f.sum.calls)
	assert.Equal(t, "Query processed successfully.", resp.ResponseText)
}

func TestProcess_ContextOverrides(t *testing.T) {
	f := newFixture(t, time.Date(2026, 4, 1, 9, 0, 0, 0, kst))

	resp, err := f.p.Process(context.Background(), Command{
		Text:      "summarize roadmap and email a@b.io and c@d.io",
		Context:   map[string]any{"subject": "Roadmap", "max_length": 120.0},
		RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, 120, f.sum.maxLength)
	require.Len(t, resp.ScheduledActions, 2, "one action per recipient")
	for _, a := range resp.ScheduledActions {
		assert.Equal(t, "Roadmap", a.Params["subject"])
		assert.Nil(t, a.ScheduledAt, "no time means immediate")
	}
	assert.Equal(t, "a@b.io", resp.ScheduledActions[0].Params["to"])
	assert.Equal(t, "c@d.io", resp.ScheduledActions[1].Params["to"])
}

func TestProcess_BadContext(t *testing.T) {
	f := newFixture(t, time.Date(2026, 4, 1, 9, 0, 0, 0, kst))

	for _, c := range []map[string]any{
		{"top_k": "many"},
		{"top_k": -1.0},
		{"max_length": 0.0},
		{"subject": 5.0},
	} {
		_, err := f.p.Process(context.Background(), Command{Text: "search x", Context: c})
		var verr *task.ValidationError
		require.ErrorAs(t, err, &verr, "context %v", c)
		assert.True(t, IsClientError(err))
	}
}

func TestProcess_RejectsOutOfWindowTime(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, kst)
	f := newFixture(t, now)
	f.p.WithClock(func() time.Time { return now.Add(-48 * time.Hour) })

	// Entities resolve against a clock two days behind the scheduler's, so
	// the resolved time is already in the past for the scheduler.
	_, err := f.p.Process(context.Background(), Command{Text: "email a@b.io and b@c.io at 10am"})
	var serr *task.SchedulingError
	require.ErrorAs(t, err, &serr)
	assert.True(t, IsClientError(err))
	assert.Empty(t, f.tasks(t), "validation runs before any task is created")
}

func TestProcess_ConcurrentCommands(t *testing.T) {
	f := newFixture(t, time.Date(2026, 4, 1, 9, 0, 0, 0, kst))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.p.Process(context.Background(), Command{Text: "send a@b.io the checklist"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, f.tasks(t), 10)
}

func TestProcess_CallerCancelled(t *testing.T) {
	f := newFixture(t, time.Date(2026, 4, 1, 9, 0, 0, 0, kst))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.ret.err = ctx.Err()

	_, err := f.p.Process(ctx, Command{Text: koreanCmd})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, f.tasks(t))
}

func TestResponse_JSONShape(t *testing.T) {
	f := newFixture(t, time.Date(2026, 4, 1, 9, 0, 0, 0, kst))
	resp, err := f.p.Process(context.Background(), Command{Text: "search roadmap"})
	require.NoError(t, err)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	for _, key := range []string{"request_id", "intent", "entities", "search_results", "scheduled_actions", "response_text", "execution_time"} {
		assert.Contains(t, m, key)
	}
	assert.NotContains(t, m, "summary")
	assert.NotContains(t, m, "warnings")
	assert.Equal(t, []any{}, m["scheduled_actions"])
}
