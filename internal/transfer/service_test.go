package transfer_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/ledger/ledgertest"
	"github.com/flourmill/flourmill/internal/shared"
	"github.com/flourmill/flourmill/internal/transfer"
)

type memoryIdempotency struct {
	keys map[string]string
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	if m.keys == nil {
		m.keys = map[string]string{}
	}
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

type fixture struct {
	store      *ledgertest.Store
	engine     *transfer.Engine
	idem       *memoryIdempotency
	godown     ledger.Location
	precleanA  ledger.Location
	precleanB  ledger.Location
	clean24    ledger.Location
	clean12    ledger.Location
	storage    ledger.Location
	vehicle    ledger.Location
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledgertest.NewStore()
	millType := int64(1)
	f := &fixture{store: store, idem: &memoryIdempotency{}}
	f.godown = store.AddLocation(ledger.Location{Kind: ledger.KindGodown, Name: "G-1", CapacityKg: ledger.Kg(100000), StockKg: ledger.Kg(5000), GodownTypeID: &millType, GodownType: "Mill"})
	f.precleanA = store.AddLocation(ledger.Location{Kind: ledger.KindPrecleaningBin, Name: "PC-A", CapacityKg: ledger.Kg(1000), StockKg: ledger.Kg(300)})
	f.precleanB = store.AddLocation(ledger.Location{Kind: ledger.KindPrecleaningBin, Name: "PC-B", CapacityKg: ledger.Kg(1000), StockKg: ledger.Kg(400)})
	f.clean24 = store.AddLocation(ledger.Location{Kind: ledger.KindCleaningBin, Name: "CB-24", CapacityKg: ledger.Kg(2000), CleaningClass: ledger.Class24h})
	f.clean12 = store.AddLocation(ledger.Location{Kind: ledger.KindCleaningBin, Name: "CB-12", CapacityKg: ledger.Kg(2000), CleaningClass: ledger.Class12h})
	f.storage = store.AddLocation(ledger.Location{Kind: ledger.KindStorageArea, Name: "FG-1", CapacityKg: ledger.Kg(50000), StockKg: ledger.Kg(1000)})
	f.vehicle = store.AddLocation(ledger.Location{Kind: ledger.KindDispatchVehicle, Name: "RJ14CD2000", CapacityKg: ledger.Kg(20000)})
	f.engine = transfer.NewEngine(store, f.idem, nil, nil)
	return f
}

func requireKg(t *testing.T, want float64, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, ledger.Kg(want).Equal(got), "want %v kg, got %s kg", want, got)
}

func TestTransferMoreThanSourceChangesNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Execute(context.Background(), transfer.ExecuteInput{
		Leg:      transfer.LegPrecleaningToCleaning,
		SourceID: f.precleanA.ID,
		DestID:   f.clean24.ID,
		Qty:      ledger.Kg(500),
	}, "")
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	requireKg(t, 300, f.store.Location(f.precleanA.ID).StockKg)
	requireKg(t, 0, f.store.Location(f.clean24.ID).StockKg)
	assert.Equal(t, ledger.StatusEmpty, f.store.Location(f.clean24.ID).Status)
	assert.Empty(t, f.store.Movements())
}

func TestTransferFillsEmptyCleaningBin(t *testing.T) {
	f := newFixture(t)
	ctx := shared.ContextWithOperator(context.Background(), "ramesh")

	tr, err := f.engine.Execute(ctx, transfer.ExecuteInput{
		Leg:      transfer.LegPrecleaningToCleaning,
		SourceID: f.precleanA.ID,
		DestID:   f.clean24.ID,
		Qty:      ledger.Kg(200.0004),
	}, "")
	require.NoError(t, err)
	requireKg(t, 200, tr.Qty)
	assert.Equal(t, "ramesh", tr.Operator)
	assert.Equal(t, string(transfer.LegPrecleaningToCleaning), tr.Leg)

	bin := f.store.Location(f.clean24.ID)
	requireKg(t, 200, bin.StockKg)
	assert.Equal(t, ledger.StatusFilling, bin.Status)
	requireKg(t, 100, f.store.Location(f.precleanA.ID).StockKg)

	_, err = f.engine.Execute(ctx, transfer.ExecuteInput{
		Leg:      transfer.LegPrecleaningToCleaning,
		SourceID: f.precleanB.ID,
		DestID:   f.clean24.ID,
		Qty:      ledger.Kg(50),
	}, "")
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
	require.ErrorIs(t, err, transfer.ErrLocationState)
}

func TestTransferBatchFillsOneBinFromSeveralSources(t *testing.T) {
	f := newFixture(t)

	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.TxRepository) error {
		_, err := transfer.ExecuteTx(ctx, tx,
			transfer.ExecuteInput{Leg: transfer.LegPrecleaningToCleaning, SourceID: f.precleanB.ID, DestID: f.clean24.ID, Qty: ledger.Kg(400)},
			transfer.ExecuteInput{Leg: transfer.LegPrecleaningToCleaning, SourceID: f.precleanA.ID, DestID: f.clean24.ID, Qty: ledger.Kg(300)},
		)
		return err
	})
	require.NoError(t, err)

	requireKg(t, 700, f.store.Location(f.clean24.ID).StockKg)
	assert.Len(t, f.store.Movements(), 2)
	calls := f.store.LockCalls()
	require.NotEmpty(t, calls)
	assert.Equal(t, []int64{f.precleanA.ID, f.precleanB.ID, f.clean24.ID}, calls[0])
}

func TestTransferKindMismatch(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Execute(context.Background(), transfer.ExecuteInput{
		Leg:      transfer.LegGodownToPrecleaning,
		SourceID: f.storage.ID,
		DestID:   f.precleanA.ID,
		Qty:      ledger.Kg(10),
	}, "")
	require.ErrorIs(t, err, transfer.ErrKindMismatch)
	require.ErrorIs(t, err, shared.ErrInvariantViolation)
}

func TestTransferValidatesEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   transfer.ExecuteInput
	}{
		{"unknown leg", transfer.ExecuteInput{Leg: "teleport", SourceID: f.godown.ID, DestID: f.precleanA.ID, Qty: ledger.Kg(1)}},
		{"zero quantity", transfer.ExecuteInput{Leg: transfer.LegGodownToPrecleaning, SourceID: f.godown.ID, DestID: f.precleanA.ID}},
		{"missing source", transfer.ExecuteInput{Leg: transfer.LegGodownToPrecleaning, DestID: f.precleanA.ID, Qty: ledger.Kg(1)}},
		{"source on sink leg", transfer.ExecuteInput{Leg: transfer.LegIntakeUnload, SourceID: f.godown.ID, DestID: f.godown.ID, Qty: ledger.Kg(1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Execute(ctx, tc.in, "")
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}
}

func TestIntakeUnloadChecksCategory(t *testing.T) {
	f := newFixture(t)

	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.TxRepository) error {
		_, err := transfer.ExecuteTx(ctx, tx, transfer.ExecuteInput{
			Leg: transfer.LegIntakeUnload, DestID: f.godown.ID, Qty: ledger.Kg(25000), Category: "Low Mill",
		})
		return err
	})
	require.ErrorIs(t, err, transfer.ErrCategoryMismatch)

	err = f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.TxRepository) error {
		_, err := transfer.ExecuteTx(ctx, tx, transfer.ExecuteInput{
			Leg: transfer.LegIntakeUnload, DestID: f.godown.ID, Qty: ledger.Kg(25000), Category: "mill",
			RefModule: "intake", RefID: 7,
		})
		return err
	})
	require.NoError(t, err)
	requireKg(t, 30000, f.store.Location(f.godown.ID).StockKg)
	moves := f.store.Movements()
	require.Len(t, moves, 1)
	assert.Nil(t, moves[0].SourceID)
	require.NotNil(t, moves[0].RefID)
	assert.Equal(t, int64(7), *moves[0].RefID)
}

func TestCleaningToGrindingDrainsBin(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Update(func(tx *ledgertest.Tx) error {
		loc := f.clean24
		loc.StockKg = ledger.Kg(600)
		loc.Status = ledger.StatusCleaning
		return tx.SaveLocation(context.Background(), loc)
	}))

	grind := func() error {
		return f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.TxRepository) error {
			_, err := transfer.ExecuteTx(ctx, tx, transfer.ExecuteInput{
				Leg: transfer.LegCleaningToGrinding, SourceID: f.clean24.ID, Qty: ledger.Kg(600),
			})
			return err
		})
	}
	require.ErrorIs(t, grind(), shared.ErrIllegalTransition)

	_, err := f.storeSetStatus(f.clean24.ID, ledger.StatusCompleted)
	require.NoError(t, err)
	require.NoError(t, grind())

	bin := f.store.Location(f.clean24.ID)
	requireKg(t, 0, bin.StockKg)
	assert.Equal(t, ledger.StatusEmpty, bin.Status)
}

func TestCleaningBinRefillNeedsDrain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Update(func(tx *ledgertest.Tx) error {
		loc := f.clean24
		loc.StockKg = ledger.Kg(300)
		return tx.SaveLocation(ctx, loc)
	}))
	fill := transfer.ExecuteInput{Leg: transfer.LegPrecleaningToCleaning, SourceID: f.precleanB.ID, DestID: f.clean24.ID, Qty: ledger.Kg(100)}

	_, err := f.engine.Execute(ctx, fill, "")
	require.ErrorIs(t, err, transfer.ErrBinNotDrained)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)

	_, err = f.engine.Execute(ctx, transfer.ExecuteInput{
		Leg: transfer.LegCleaningToPrecleaning, SourceID: f.clean24.ID, DestID: f.precleanA.ID, Qty: ledger.Kg(300),
	}, "")
	require.NoError(t, err)
	bin := f.store.Location(f.clean24.ID)
	requireKg(t, 0, bin.StockKg)
	assert.Equal(t, ledger.StatusEmpty, bin.Status)
	requireKg(t, 600, f.store.Location(f.precleanA.ID).StockKg)

	_, err = f.engine.Execute(ctx, fill, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFilling, f.store.Location(f.clean24.ID).Status)
}

func TestTwelveHourBinRefillNeedsDrain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Update(func(tx *ledgertest.Tx) error {
		src := f.clean24
		src.StockKg = ledger.Kg(500)
		src.Status = ledger.StatusCompleted
		if err := tx.SaveLocation(ctx, src); err != nil {
			return err
		}
		dst := f.clean12
		dst.StockKg = ledger.Kg(40)
		return tx.SaveLocation(ctx, dst)
	}))

	err := f.store.WithTx(ctx, func(ctx context.Context, tx ledger.TxRepository) error {
		_, err := transfer.ExecuteTx(ctx, tx, transfer.ExecuteInput{
			Leg: transfer.LegCleaningToCleaning, SourceID: f.clean24.ID, DestID: f.clean12.ID, Qty: ledger.Kg(500),
		})
		return err
	})
	require.ErrorIs(t, err, transfer.ErrBinNotDrained)
	requireKg(t, 500, f.store.Location(f.clean24.ID).StockKg)
}

func TestDrainOnlyFromReleasedBin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Update(func(tx *ledgertest.Tx) error {
		loc := f.clean24
		loc.StockKg = ledger.Kg(300)
		loc.Status = ledger.StatusCleaning
		return tx.SaveLocation(ctx, loc)
	}))

	_, err := f.engine.Execute(ctx, transfer.ExecuteInput{
		Leg: transfer.LegCleaningToPrecleaning, SourceID: f.clean24.ID, DestID: f.precleanA.ID, Qty: ledger.Kg(300),
	}, "")
	require.ErrorIs(t, err, transfer.ErrLocationState)
	requireKg(t, 300, f.store.Location(f.clean24.ID).StockKg)
	assert.True(t, transfer.LegCleaningToPrecleaning.Manual())
	assert.False(t, transfer.LegCleaningToCleaning.Manual())
}

func (f *fixture) storeSetStatus(id int64, status ledger.Status) (ledger.Location, error) {
	var out ledger.Location
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.TxRepository) error {
		var err error
		out, err = ledger.SetStatusTx(ctx, tx, id, status)
		return err
	})
	return out, err
}

func TestStorageToDispatchNeedsAvailableVehicle(t *testing.T) {
	f := newFixture(t)
	_, err := f.storeSetStatus(f.vehicle.ID, ledger.StatusDispatched)
	require.NoError(t, err)

	err = f.store.WithTx(context.Background(), func(ctx context.Context, tx ledger.TxRepository) error {
		_, err := transfer.ExecuteTx(ctx, tx, transfer.ExecuteInput{
			Leg: transfer.LegStorageToDispatch, SourceID: f.storage.ID, DestID: f.vehicle.ID, Qty: ledger.Kg(500),
		})
		return err
	})
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
	requireKg(t, 1000, f.store.Location(f.storage.ID).StockKg)
}

func TestIdempotentReplayIsConflict(t *testing.T) {
	f := newFixture(t)
	in := transfer.ExecuteInput{Leg: transfer.LegGodownToPrecleaning, SourceID: f.godown.ID, DestID: f.precleanA.ID, Qty: ledger.Kg(100)}

	_, err := f.engine.Execute(context.Background(), in, "req-1")
	require.NoError(t, err)
	_, err = f.engine.Execute(context.Background(), in, "req-1")
	require.ErrorIs(t, err, shared.ErrConflict)
	requireKg(t, 400, f.store.Location(f.precleanA.ID).StockKg)

	failing := in
	failing.Qty = ledger.Kg(900)
	_, err = f.engine.Execute(context.Background(), failing, "req-2")
	require.ErrorIs(t, err, shared.ErrCapacityExceeded)
	assert.NotContains(t, f.idem.keys, "req-2")
}

func TestHandlerRejectsPipelineLegs(t *testing.T) {
	f := newFixture(t)
	r := chi.NewRouter()
	transfer.NewHandler(nil, f.engine).MountRoutes(r)

	body := `{"leg":"storage_to_dispatch","source_id":` + strconv.FormatInt(f.storage.ID, 10) +
		`,"dest_id":` + strconv.FormatInt(f.vehicle.ID, 10) + `,"quantity_kg":"100"}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = `{"leg":"godown_to_precleaning","source_id":` + strconv.FormatInt(f.godown.ID, 10) +
		`,"dest_id":` + strconv.FormatInt(f.precleanB.ID, 10) + `,"quantity_kg":"250"}`
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?leg=godown_to_precleaning&location_id="+strconv.FormatInt(f.precleanB.ID, 10), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"leg":"godown_to_precleaning"`)
}
