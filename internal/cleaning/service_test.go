package cleaning_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flourmill/flourmill/internal/cleaning"
	"github.com/flourmill/flourmill/internal/cleaning/cleaningtest"
	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/shared"
)

type counter struct {
	marks []string
}

func (c *counter) AddCleaningEvent(mark string) { c.marks = append(c.marks, mark) }

var t0 = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

func start(t *testing.T, store *cleaningtest.Store, binID int64, class ledger.CleaningClass) cleaning.Process {
	return startAt(t, store, binID, class, t0)
}

func startAt(t *testing.T, store *cleaningtest.Store, binID int64, class ledger.CleaningClass, at time.Time) cleaning.Process {
	t.Helper()
	var p cleaning.Process
	err := store.WithTx(context.Background(), func(ctx context.Context, tx cleaning.TxRepository) error {
		var err error
		p, err = cleaning.StartTx(ctx, tx, cleaning.StartInput{
			OrderID: 1, JobID: 1, BinID: binID, Class: class, QuantityKg: ledger.Kg(700), StartTS: at,
		})
		return err
	})
	require.NoError(t, err)
	return p
}

func TestSchedule(t *testing.T) {
	p := cleaning.Process{ID: 9, DurationH: 24, StartTS: t0, EndTS: t0.Add(24 * time.Hour)}
	events := cleaning.Schedule(p)
	require.Len(t, events, 5)

	want := map[cleaning.Mark]time.Time{
		cleaning.MarkProgress50: t0.Add(12 * time.Hour),
		cleaning.MarkProgress90: t0.Add(21*time.Hour + 36*time.Minute),
		cleaning.MarkOverdue5m:  t0.Add(24*time.Hour + 5*time.Minute),
		cleaning.MarkOverdue10m: t0.Add(24*time.Hour + 10*time.Minute),
		cleaning.MarkOverdue30m: t0.Add(24*time.Hour + 30*time.Minute),
	}
	for i, ev := range events {
		assert.Equal(t, int64(9), ev.ProcessID)
		assert.True(t, want[ev.Mark].Equal(ev.DueAt), "mark %s due %s", ev.Mark, ev.DueAt)
		if i > 0 {
			assert.True(t, ev.DueAt.After(events[i-1].DueAt))
		}
	}
}

func TestStartRejectsBusyBin(t *testing.T) {
	store := cleaningtest.NewStore()
	p := start(t, store, 4, ledger.Class12h)
	assert.Equal(t, 12, p.DurationH)
	assert.True(t, p.EndTS.Equal(t0.Add(12*time.Hour)))

	err := store.WithTx(context.Background(), func(ctx context.Context, tx cleaning.TxRepository) error {
		_, err := cleaning.StartTx(ctx, tx, cleaning.StartInput{BinID: 4, Class: ledger.Class12h, StartTS: t0})
		return err
	})
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestTickEmitsEachEventOnce(t *testing.T) {
	store := cleaningtest.NewStore()
	metrics := &counter{}
	svc := cleaning.NewService(store, metrics, nil)
	p := start(t, store, 3, ledger.Class24h)
	ctx := context.Background()

	n, err := svc.Tick(ctx, t0.Add(11*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = svc.Tick(ctx, t0.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.Tick(ctx, t0.Add(12*time.Hour+time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	// A worker outage collapses the missed marks into one tick.
	n, err = svc.Tick(ctx, t0.Add(24*time.Hour+11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"progress_50", "progress_90", "overdue_5m", "overdue_10m"}, metrics.marks)

	events, err := svc.Events(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.NotNil(t, events[3].EmittedAt)
	assert.Nil(t, events[4].EmittedAt)

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, cleaning.StatusRunning, got.Status)
}

func TestCancelClearsFutureEvents(t *testing.T) {
	store := cleaningtest.NewStore()
	svc := cleaning.NewService(store, nil, nil)
	p := start(t, store, 3, ledger.Class24h)
	ctx := context.Background()

	_, err := svc.Tick(ctx, t0.Add(13*time.Hour))
	require.NoError(t, err)

	err = store.WithTx(ctx, func(ctx context.Context, tx cleaning.TxRepository) error {
		_, err := cleaning.CancelTx(ctx, tx, p.ID, t0.Add(14*time.Hour))
		return err
	})
	require.NoError(t, err)

	events, err := svc.Events(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, cleaning.MarkProgress50, events[0].Mark)

	n, err := svc.Tick(ctx, t0.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	err = store.WithTx(ctx, func(ctx context.Context, tx cleaning.TxRepository) error {
		_, err := cleaning.CancelTx(ctx, tx, p.ID, t0.Add(15*time.Hour))
		return err
	})
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
}

func TestCompleteNotBeforeEnd(t *testing.T) {
	store := cleaningtest.NewStore()
	p24 := start(t, store, 3, ledger.Class24h)
	ctx := context.Background()

	complete := func(id int64, at time.Time, in cleaning.CompleteInput) (cleaning.Process, error) {
		var out cleaning.Process
		err := store.WithTx(ctx, func(ctx context.Context, tx cleaning.TxRepository) error {
			var err error
			out, err = cleaning.CompleteTx(ctx, tx, id, at, in)
			return err
		})
		return out, err
	}

	_, err := complete(p24.ID, t0.Add(23*time.Hour), cleaning.CompleteInput{})
	require.ErrorIs(t, err, cleaning.ErrTooEarly)

	_, err = complete(p24.ID, t0.Add(25*time.Hour), cleaning.CompleteInput{WaterAddedL: ledger.Kg(40)})
	require.ErrorIs(t, err, shared.ErrValidation)

	done, err := complete(p24.ID, t0.Add(25*time.Hour), cleaning.CompleteInput{WasteKg: ledger.Kg(3.5)})
	require.NoError(t, err)
	assert.Equal(t, cleaning.StatusCompleted, done.Status)
	require.NotNil(t, done.ActualEndTS)

	p12 := start(t, store, 4, ledger.Class12h)
	done, err = complete(p12.ID, t0.Add(12*time.Hour), cleaning.CompleteInput{WaterAddedL: ledger.Kg(40)})
	require.NoError(t, err)
	assert.True(t, ledger.Kg(40).Equal(done.WaterAddedL))
}

func TestOverdueHandler(t *testing.T) {
	store := cleaningtest.NewStore()
	svc := cleaning.NewService(store, nil, nil)
	now := time.Now()
	startAt(t, store, 3, ledger.Class12h, now.Add(-13*time.Hour))
	startAt(t, store, 4, ledger.Class24h, now.Add(-time.Hour))

	r := chi.NewRouter()
	cleaning.NewHandler(nil, svc).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/overdue", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"bin_id":3`)
	assert.NotContains(t, rec.Body.String(), `"bin_id":4`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/77/events", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
