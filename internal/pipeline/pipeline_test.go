package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mailcal/internal/calsync"
	"mailcal/internal/database"
	"mailcal/internal/database/databasetest"
	"mailcal/internal/extract"
	"mailcal/internal/models"
	"mailcal/internal/reconcile"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

type fakeSource struct {
	messages []models.Message
	err      error
}

func (f *fakeSource) FetchSince(_ context.Context, since *time.Time) ([]models.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Message
	for _, m := range f.messages {
		if since != nil && m.DeliveredAt.Before(*since) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// fakeGateway answers per message id; failures[id] errors are returned (and consumed) first
type fakeGateway struct {
	mu       sync.Mutex
	answers  map[string][]models.Candidate
	failures map[string][]error
	calls    map[string]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		answers:  map[string][]models.Candidate{},
		failures: map[string][]error{},
		calls:    map[string]int{},
	}
}

func (g *fakeGateway) Extract(_ context.Context, msg models.Message, _ []models.Occurrence) ([]models.Candidate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[msg.ID]++
	if errs := g.failures[msg.ID]; len(errs) > 0 {
		g.failures[msg.ID] = errs[1:]
		return nil, errs[0]
	}
	return g.answers[msg.ID], nil
}

type fakeCalendar struct {
	down    bool
	pushed  []string
	removed []string
}

func (c *fakeCalendar) Push(_ context.Context, occ models.Occurrence) error {
	if c.down {
		return errors.New("connection refused")
	}
	c.pushed = append(c.pushed, occ.Summary)
	return nil
}

func (c *fakeCalendar) Remove(_ context.Context, uid string) error {
	if c.down {
		return errors.New("connection refused")
	}
	c.removed = append(c.removed, uid)
	return nil
}

type recordingNotifier struct {
	successes []string
	failures  []string
}

func (n *recordingNotifier) NotifySuccess(_ context.Context, msg models.Message, _ []reconcile.Result) error {
	n.successes = append(n.successes, msg.ID)
	return nil
}

func (n *recordingNotifier) NotifyFailure(_ context.Context, msg *models.Message, reason error) error {
	id := "<cycle>"
	if msg != nil {
		id = msg.ID
	}
	n.failures = append(n.failures, fmt.Sprintf("%s: %v", id, reason))
	return nil
}

type harness struct {
	db       *sqlx.DB
	source   *fakeSource
	gateway  *fakeGateway
	calendar *fakeCalendar
	notifier *recordingNotifier
	proc     *Processor
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		db:       databasetest.New(t),
		source:   &fakeSource{},
		gateway:  newFakeGateway(),
		calendar: &fakeCalendar{},
		notifier: &recordingNotifier{},
	}
	h.proc = New(h.db, h.source, h.gateway,
		reconcile.New(nil, zerolog.Nop()),
		calsync.NewCoordinator(h.db, h.calendar, zerolog.Nop()),
		h.notifier, opts, zerolog.Nop())
	return h
}

func message(id string, delivered time.Time) models.Message {
	return models.Message{
		ID:          id,
		Subject:     "Newsletter " + id,
		Sender:      "office@school.example",
		DeliveredAt: delivered,
		Body:        "events for " + id,
		ContentKind: models.ContentPlain,
	}
}

func event(summary string, day int, hour int) models.Candidate {
	start := time.Date(2024, 3, day, hour, 0, 0, 0, time.UTC)
	return models.Candidate{Start: start, End: start.Add(2 * time.Hour), Summary: summary}
}

func timeline(t *testing.T, db *sqlx.DB) []string {
	t.Helper()
	occs, err := database.ListOccurrences(context.Background(), db, 0)
	require.NoError(t, err)
	out := make([]string, len(occs))
	for i, o := range occs {
		out[i] = fmt.Sprintf("%s@%d", o.Summary, o.Start.Day())
	}
	return out
}

func TestRunCycle_ProcessesSupersedesAndSyncs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Backfill: true, ContextLimit: 10})

	h.source.messages = []models.Message{
		message("a", base),
		message("b", base.Add(time.Hour)),
	}
	h.gateway.answers["a"] = []models.Candidate{event("Sports day", 5, 9)}
	h.gateway.answers["b"] = []models.Candidate{event("Sports day", 6, 9), event("Bake sale", 12, 14)}

	run, err := h.proc.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, run.Selected)
	assert.Equal(t, 2, run.Processed)
	assert.Zero(t, run.Failed)
	assert.Equal(t, 3, run.Pushed)
	require.NotNil(t, run.FinishedAt)

	assert.Equal(t, []string{"Sports day@6", "Bake sale@12"}, timeline(t, h.db))
	assert.Equal(t, []string{"Sports day", "Sports day", "Bake sale"}, h.calendar.pushed)
	// The superseded, already-pushed occurrence is removed remotely at the end of the cycle
	assert.Len(t, h.calendar.removed, 1)
	assert.Equal(t, []string{"a", "b"}, h.notifier.successes)

	count, err := database.CountMessages(ctx, h.db, models.StatusProcessed)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	runs, err := database.ListRuns(ctx, h.db, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Processed)
	assert.Empty(t, runs[0].Error)

	// Nothing new: no extraction calls, nothing selected
	run, err = h.proc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, run.Selected)
	assert.Equal(t, 1, h.gateway.calls["a"])
	assert.Equal(t, 1, h.gateway.calls["b"])
}

func TestRunCycle_FailedMessageIsRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Backfill: true})

	h.source.messages = []models.Message{
		message("a", base),
		message("b", base.Add(time.Hour)),
	}
	h.gateway.answers["a"] = []models.Candidate{event("Concert", 7, 18)}
	h.gateway.answers["b"] = []models.Candidate{event("Bake sale", 12, 14)}
	h.gateway.failures["a"] = []error{errors.New("context deadline exceeded")}

	run, err := h.proc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Processed)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, []string{"Bake sale@12"}, timeline(t, h.db))

	_, err = database.GetMessage(ctx, h.db, "a")
	assert.ErrorIs(t, err, database.ErrNotFound)
	failure, err := database.GetFailure(ctx, h.db, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, failure.Attempts)

	// "b" moved the watermark past "a"; the failure record still brings it back
	run, err = h.proc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Selected)
	assert.Equal(t, 1, run.Processed)
	assert.Equal(t, []string{"Concert@7", "Bake sale@12"}, timeline(t, h.db))

	_, err = database.GetFailure(ctx, h.db, "a")
	assert.ErrorIs(t, err, database.ErrNotFound)

	run, err = h.proc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, run.Selected)
	assert.Equal(t, 2, h.gateway.calls["a"])
	assert.Equal(t, 1, h.gateway.calls["b"])
}

func TestRunCycle_SingleLatestWithoutBackfill(t *testing.T) {
	h := newHarness(t, Options{Backfill: false})

	h.source.messages = []models.Message{
		message("a", base),
		message("b", base.Add(time.Hour)),
		message("c", base.Add(2*time.Hour)),
	}
	h.gateway.answers["c"] = []models.Candidate{event("Disco", 20, 19)}

	run, err := h.proc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, run.Selected)
	assert.Equal(t, map[string]int{"c": 1}, h.gateway.calls)
}

func TestRunCycle_SourceErrorIsRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Backfill: true})
	h.source.err = errors.New("oauth token expired")

	run, err := h.proc.RunCycle(ctx)
	require.Error(t, err)
	assert.Contains(t, run.Error, "oauth token expired")

	runs, err := database.ListRuns(ctx, h.db, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0].Error, "oauth token expired")
	require.Len(t, h.notifier.failures, 1)
	assert.Contains(t, h.notifier.failures[0], "<cycle>")
}

func TestRunCycle_CalendarDownStillPersists(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{Backfill: true})
	h.calendar.down = true

	h.source.messages = []models.Message{message("a", base)}
	h.gateway.answers["a"] = []models.Candidate{event("Sports day", 5, 9)}

	run, err := h.proc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Processed)
	assert.Zero(t, run.Pushed)

	unsynced, err := database.ListUnsynced(ctx, h.db)
	require.NoError(t, err)
	assert.Len(t, unsynced, 1)

	h.calendar.down = false
	run, err = h.proc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, run.Selected)
	assert.Equal(t, 1, run.Pushed)
	assert.Equal(t, []string{"Sports day"}, h.calendar.pushed)
}

func TestRunCycle_CancelledBeforeFirstMessage(t *testing.T) {
	h := newHarness(t, Options{Backfill: true})
	h.source.messages = []models.Message{message("a", base)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.proc.RunCycle(ctx)
	require.Error(t, err)
	assert.Zero(t, h.gateway.calls["a"])
}

func TestProcessMessage_EmptyBody(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	msg := message("a", base)
	msg.Body = "   \n"

	_, err := h.proc.ProcessMessage(ctx, msg)
	require.ErrorIs(t, err, ErrEmptyBody)
	assert.Zero(t, h.gateway.calls["a"])

	_, err = database.GetMessage(ctx, h.db, "a")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestProcessMessage_CancelledEventsAreNotReconciled(t *testing.T) {
	h := newHarness(t, Options{})

	cancelled := event("Disco", 20, 19)
	cancelled.Cancelled = true
	h.gateway.answers["a"] = []models.Candidate{event("Concert", 7, 18), cancelled}

	outcome, err := h.proc.ProcessMessage(context.Background(), message("a", base))
	require.NoError(t, err)
	assert.Len(t, outcome.Results, 1)
	assert.Equal(t, []string{"Concert@7"}, timeline(t, h.db))
}

func TestProcessMessage_ZeroEventsStillPersists(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	_, err := h.proc.ProcessMessage(ctx, message("a", base))
	require.NoError(t, err)

	stored, err := database.GetMessage(ctx, h.db, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, stored.Status)
}

func TestProcessMessage_DeadLetterAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{MaxAttempts: 2})

	malformed := fmt.Errorf("%w: invalid JSON", extract.ErrMalformedOutput)
	h.gateway.failures["a"] = []error{malformed, malformed, malformed}
	msg := message("a", base)

	outcome, err := h.proc.ProcessMessage(ctx, msg)
	require.Error(t, err)
	assert.False(t, outcome.DeadLetter)

	outcome, err = h.proc.ProcessMessage(ctx, msg)
	require.ErrorIs(t, err, extract.ErrMalformedOutput)
	assert.True(t, outcome.DeadLetter)

	stored, err := database.GetMessage(ctx, h.db, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeadLetter, stored.Status)

	_, err = database.GetFailure(ctx, h.db, "a")
	assert.ErrorIs(t, err, database.ErrNotFound)

	watermark, err := database.Watermark(ctx, h.db)
	require.NoError(t, err)
	require.NotNil(t, watermark)
	assert.True(t, watermark.Equal(base))

	require.Len(t, h.notifier.failures, 2)
	assert.Contains(t, h.notifier.failures[1], "gave up after 2 attempts")
}

func TestProcessMessage_RetriesForeverByDefault(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})

	h.gateway.failures["a"] = []error{errors.New("x"), errors.New("x"), errors.New("x")}
	msg := message("a", base)

	for i := 0; i < 3; i++ {
		outcome, err := h.proc.ProcessMessage(ctx, msg)
		require.Error(t, err)
		assert.False(t, outcome.DeadLetter)
	}

	failure, err := database.GetFailure(ctx, h.db, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, failure.Attempts)

	_, err = database.GetMessage(ctx, h.db, "a")
	assert.ErrorIs(t, err, database.ErrNotFound)
}
