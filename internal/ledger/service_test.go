package ledger_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/ledger/ledgertest"
	"github.com/flourmill/flourmill/internal/shared"
)

type auditSpy struct {
	logs []shared.AuditLog
}

func (a *auditSpy) Record(_ context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func seedBins(store *ledgertest.Store, stocks ...float64) []ledger.Location {
	out := make([]ledger.Location, 0, len(stocks))
	for i, stock := range stocks {
		out = append(out, store.AddLocation(ledger.Location{
			Kind:       ledger.KindPrecleaningBin,
			Name:       "PC-" + string(rune('A'+i)),
			CapacityKg: ledger.Kg(1000),
			StockKg:    ledger.Kg(stock),
		}))
	}
	return out
}

func requireKg(t *testing.T, want float64, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, ledger.Kg(want).Equal(got), "want %v kg, got %s kg", want, got)
}

func TestApplyIsAllOrNothing(t *testing.T) {
	store := ledgertest.NewStore()
	svc := ledger.NewService(store, nil)
	bins := seedBins(store, 300, 100)

	_, err := svc.Apply(context.Background(), []ledger.Delta{
		{LocationID: bins[1].ID, Qty: ledger.Kg(500)},
		{LocationID: bins[0].ID, Qty: ledger.Kg(-500)},
	})
	require.ErrorIs(t, err, ledger.ErrNegativeStock)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	requireKg(t, 300, store.Location(bins[0].ID).StockKg)
	requireKg(t, 100, store.Location(bins[1].ID).StockKg)
}

func TestApplyCapacityExceeded(t *testing.T) {
	store := ledgertest.NewStore()
	svc := ledger.NewService(store, nil)
	bins := seedBins(store, 900, 500)

	_, err := svc.Apply(context.Background(), []ledger.Delta{
		{LocationID: bins[1].ID, Qty: ledger.Kg(-200)},
		{LocationID: bins[0].ID, Qty: ledger.Kg(200)},
	})
	require.ErrorIs(t, err, shared.ErrCapacityExceeded)
	requireKg(t, 900, store.Location(bins[0].ID).StockKg)
	requireKg(t, 500, store.Location(bins[1].ID).StockKg)
}

func TestApplyNetsDeltasAndLocksInAscendingOrder(t *testing.T) {
	store := ledgertest.NewStore()
	svc := ledger.NewService(store, nil)
	bins := seedBins(store, 100, 100, 100)

	locs, err := svc.Apply(context.Background(), []ledger.Delta{
		{LocationID: bins[2].ID, Qty: ledger.Kg(-50)},
		{LocationID: bins[0].ID, Qty: ledger.Kg(25.0004)},
		{LocationID: bins[2].ID, Qty: ledger.Kg(10)},
		{LocationID: bins[1].ID, Qty: ledger.Kg(14.9996)},
	})
	require.NoError(t, err)
	requireKg(t, 60, locs[bins[2].ID].StockKg)
	requireKg(t, 125, store.Location(bins[0].ID).StockKg)
	requireKg(t, 115, store.Location(bins[1].ID).StockKg)

	calls := store.LockCalls()
	require.NotEmpty(t, calls)
	assert.Equal(t, []int64{bins[0].ID, bins[1].ID, bins[2].ID}, calls[len(calls)-1])
}

func TestApplyRejectsEmptyAndUnknown(t *testing.T) {
	store := ledgertest.NewStore()
	svc := ledger.NewService(store, nil)

	_, err := svc.Apply(context.Background(), nil)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Apply(context.Background(), []ledger.Delta{{LocationID: 42, Qty: ledger.Kg(1)}})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestReserveHoldsStock(t *testing.T) {
	store := ledgertest.NewStore()
	svc := ledger.NewService(store, nil)
	bins := seedBins(store, 400)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, bins[0].ID, ledger.Delta{Qty: ledger.Kg(300)}, "plan:1")
	require.NoError(t, err)
	requireKg(t, 300, res.Qty)
	requireKg(t, 300, store.Location(bins[0].ID).ReservedKg)

	_, err = svc.Reserve(ctx, bins[0].ID, ledger.Delta{Qty: ledger.Kg(150)}, "plan:2")
	require.ErrorIs(t, err, ledger.ErrInsufficientAvailable)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	_, err = svc.Apply(ctx, []ledger.Delta{{LocationID: bins[0].ID, Qty: ledger.Kg(-150)}})
	require.ErrorIs(t, err, ledger.ErrReservedStock)

	released, err := svc.Release(ctx, "plan:1")
	require.NoError(t, err)
	require.Len(t, released, 1)
	requireKg(t, 0, store.Location(bins[0].ID).ReservedKg)
	require.Empty(t, store.Reservations())

	_, err = svc.Apply(ctx, []ledger.Delta{{LocationID: bins[0].ID, Qty: ledger.Kg(-150)}})
	require.NoError(t, err)
}

func TestCorrectIsAudited(t *testing.T) {
	store := ledgertest.NewStore()
	audit := &auditSpy{}
	svc := ledger.NewService(store, audit)
	bins := seedBins(store, 400)
	ctx := shared.ContextWithOperator(context.Background(), "asha")

	corr, err := svc.Correct(ctx, ledger.CorrectionInput{LocationID: bins[0].ID, NewKg: ledger.Kg(382.5), Reason: "physical count"})
	require.NoError(t, err)
	requireKg(t, 400, corr.OldKg)
	requireKg(t, 382.5, store.Location(bins[0].ID).StockKg)
	require.Equal(t, "asha", corr.Actor)

	require.Len(t, audit.logs, 1)
	assert.Equal(t, "ledger:stock_correct", audit.logs[0].Action)
	assert.Equal(t, "asha", audit.logs[0].Actor)

	history, err := svc.Corrections(ctx, bins[0].ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestCorrectRejectsInvalidValues(t *testing.T) {
	store := ledgertest.NewStore()
	svc := ledger.NewService(store, nil)
	bins := seedBins(store, 400)
	ctx := context.Background()

	_, err := svc.Correct(ctx, ledger.CorrectionInput{LocationID: bins[0].ID, NewKg: ledger.Kg(10), Reason: ""})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Correct(ctx, ledger.CorrectionInput{LocationID: bins[0].ID, NewKg: ledger.Kg(1200), Reason: "recount"})
	require.ErrorIs(t, err, shared.ErrCapacityExceeded)

	_, err = svc.Reserve(ctx, bins[0].ID, ledger.Delta{Qty: ledger.Kg(200)}, "plan:9")
	require.NoError(t, err)
	_, err = svc.Correct(ctx, ledger.CorrectionInput{LocationID: bins[0].ID, NewKg: ledger.Kg(100), Reason: "recount"})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	requireKg(t, 400, store.Location(bins[0].ID).StockKg)
}

func TestCreateValidatesKindSpecificFields(t *testing.T) {
	store := ledgertest.NewStore()
	svc := ledger.NewService(store, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, ledger.NewLocationInput{Kind: ledger.KindGodown, Name: "G1", CapacityKg: ledger.Kg(50000)})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Create(ctx, ledger.NewLocationInput{Kind: ledger.KindCleaningBin, Name: "CB1", CapacityKg: ledger.Kg(5000), CleaningClass: "6h"})
	require.ErrorIs(t, err, shared.ErrValidation)

	bin, err := svc.Create(ctx, ledger.NewLocationInput{Kind: ledger.KindCleaningBin, Name: "CB1", CapacityKg: ledger.Kg(5000), CleaningClass: ledger.Class24h})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusEmpty, bin.Status)
	requireKg(t, 0, bin.StockKg)

	_, err = svc.Create(ctx, ledger.NewLocationInput{Kind: ledger.KindCleaningBin, Name: "CB1", CapacityKg: ledger.Kg(5000), CleaningClass: ledger.Class24h})
	require.True(t, errors.Is(err, shared.ErrConflict))
}

func TestSummaryAndSnapshot(t *testing.T) {
	store := ledgertest.NewStore()
	svc := ledger.NewService(store, nil)
	seedBins(store, 400, 350)
	store.AddLocation(ledger.Location{Kind: ledger.KindStorageArea, Name: "SA-1", CapacityKg: ledger.Kg(20000), StockKg: ledger.Kg(1250)})
	ctx := context.Background()

	summary, err := svc.Summary(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, ledger.KindPrecleaningBin, summary[0].Kind)
	assert.Equal(t, 2, summary[0].Count)
	requireKg(t, 750, summary[0].StockKg)

	locs, err := svc.List(ctx, "")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ledger.WriteSnapshot(&buf, locs, summary))

	book, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer book.Close()
	rows, err := book.GetRows("Locations")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "SA-1", rows[3][2])
	sumRows, err := book.GetRows("Summary")
	require.NoError(t, err)
	require.Len(t, sumRows, 3)
}
