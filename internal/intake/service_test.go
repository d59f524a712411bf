package intake_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flourmill/flourmill/internal/intake"
	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/ledger/ledgertest"
	"github.com/flourmill/flourmill/internal/masterdata"
	"github.com/flourmill/flourmill/internal/shared"
)

type intakeState struct {
	vehicles map[int64]intake.Vehicle
	tests    []intake.QualityTest
	nextV    int64
	nextQ    int64
}

func (s *intakeState) clone() *intakeState {
	out := &intakeState{
		vehicles: make(map[int64]intake.Vehicle, len(s.vehicles)),
		tests:    append([]intake.QualityTest(nil), s.tests...),
		nextV:    s.nextV,
		nextQ:    s.nextQ,
	}
	for k, v := range s.vehicles {
		out.vehicles[k] = v
	}
	return out
}

type memoryRepo struct {
	store *ledgertest.Store
	mu    sync.Mutex
	st    *intakeState
}

func newMemoryRepo(store *ledgertest.Store) *memoryRepo {
	return &memoryRepo{store: store, st: &intakeState{vehicles: map[int64]intake.Vehicle{}}}
}

type memoryTx struct {
	*ledgertest.Tx
	st *intakeState
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, intake.TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.st.clone()
	err := r.store.Update(func(ltx *ledgertest.Tx) error {
		return fn(ctx, &memoryTx{Tx: ltx, st: work})
	})
	if err != nil {
		return err
	}
	r.st = work
	return nil
}

func (r *memoryRepo) GetVehicle(_ context.Context, id int64) (intake.Vehicle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.st.vehicles[id]
	if !ok {
		return intake.Vehicle{}, fmt.Errorf("%w %d", intake.ErrVehicleNotFound, id)
	}
	return v, nil
}

func (r *memoryRepo) ListVehicles(_ context.Context, status intake.Status) ([]intake.Vehicle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []intake.Vehicle
	for _, v := range r.st.vehicles {
		if status == "" || v.Status == status {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) QualityTests(_ context.Context, vehicleID int64) ([]intake.QualityTest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []intake.QualityTest
	for _, qt := range r.st.tests {
		if qt.VehicleID == vehicleID {
			out = append(out, qt)
		}
	}
	return out, nil
}

func (t *memoryTx) InsertVehicle(_ context.Context, v intake.Vehicle) (int64, error) {
	t.st.nextV++
	v.ID = t.st.nextV
	t.st.vehicles[v.ID] = v
	return v.ID, nil
}

func (t *memoryTx) LockVehicle(_ context.Context, id int64) (intake.Vehicle, error) {
	v, ok := t.st.vehicles[id]
	if !ok {
		return intake.Vehicle{}, fmt.Errorf("%w %d", intake.ErrVehicleNotFound, id)
	}
	return v, nil
}

func (t *memoryTx) UpdateVehicle(_ context.Context, v intake.Vehicle) error {
	t.st.vehicles[v.ID] = v
	return nil
}

func (t *memoryTx) InsertQualityTest(_ context.Context, qt intake.QualityTest) (int64, error) {
	t.st.nextQ++
	qt.ID = t.st.nextQ
	t.st.tests = append(t.st.tests, qt)
	return qt.ID, nil
}

func (t *memoryTx) LatestQualityTest(_ context.Context, vehicleID int64) (intake.QualityTest, bool, error) {
	for i := len(t.st.tests) - 1; i >= 0; i-- {
		if t.st.tests[i].VehicleID == vehicleID {
			return t.st.tests[i], true, nil
		}
	}
	return intake.QualityTest{}, false, nil
}

type supplierStub map[int64]masterdata.Supplier

func (s supplierStub) GetSupplier(_ context.Context, id int64) (masterdata.Supplier, error) {
	sup, ok := s[id]
	if !ok {
		return masterdata.Supplier{}, fmt.Errorf("%w %d", masterdata.ErrSupplierNotFound, id)
	}
	return sup, nil
}

type approvalSpy struct {
	actions []shared.ApprovalAction
	logs    []shared.ApprovalLog
}

func (a *approvalSpy) Record(_ context.Context, log shared.ApprovalLog) error {
	a.actions = append(a.actions, log.Action)
	a.logs = append(a.logs, log)
	return nil
}

func (a *approvalSpy) Trail(_ context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error) {
	var out []shared.ApprovalLog
	for _, l := range a.logs {
		if l.Module == module && l.RefID == ref {
			out = append(out, l)
		}
	}
	return out, nil
}

type fixture struct {
	store     *ledgertest.Store
	repo      *memoryRepo
	svc       *intake.Service
	approvals *approvalSpy
	mill      ledger.Location
	hd        ledger.Location
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledgertest.NewStore()
	millType, hdType := int64(1), int64(2)
	f := &fixture{store: store, repo: newMemoryRepo(store), approvals: &approvalSpy{}}
	f.mill = store.AddLocation(ledger.Location{Kind: ledger.KindGodown, Name: "G-Mill", CapacityKg: ledger.Kg(500000), GodownTypeID: &millType, GodownType: "Mill"})
	f.hd = store.AddLocation(ledger.Location{Kind: ledger.KindGodown, Name: "G-HD", CapacityKg: ledger.Kg(500000), GodownTypeID: &hdType, GodownType: "HD"})
	suppliers := supplierStub{1: {ID: 1, CompanyName: "Sharma Traders"}}
	f.svc = intake.NewService(f.repo, suppliers, nil, nil, nil, intake.WithApprovals(f.approvals))
	return f
}

func (f *fixture) approvedVehicle(t *testing.T, plate, category string) intake.Vehicle {
	t.Helper()
	ctx := context.Background()
	v, err := f.svc.RegisterArrival(ctx, intake.RegisterInput{VehicleNumber: plate, SupplierID: 1, BillRef: "bill-001.jpg"})
	require.NoError(t, err)
	_, err = f.svc.RecordQualityTest(ctx, v.ID, intake.QualityTestInput{
		SampleBagsTested: 5,
		TotalBags:        100,
		CategoryAssigned: category,
		MoistureContent:  decimal.RequireFromString("12.1"),
		Approved:         true,
	})
	require.NoError(t, err)
	v, err = f.svc.Approve(ctx, v.ID)
	require.NoError(t, err)
	return v
}

func TestIntakeHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v := f.approvedVehicle(t, "rj14 ab-1000", "Mill")
	assert.Equal(t, "RJ14AB1000", v.VehicleNumber)
	assert.Equal(t, intake.StatusApproved, v.Status)
	assert.True(t, v.OwnerApproved)
	assert.Equal(t, "Mill", v.QualityCategory)

	v, err := f.svc.WeighIn(ctx, v.ID, intake.WeighInInput{
		GrossKg:  ledger.Kg(32000),
		TareKg:   ledger.Kg(7000),
		GodownID: f.mill.ID,
	}, "")
	require.NoError(t, err)

	assert.Equal(t, intake.StatusUnloaded, v.Status)
	require.NotNil(t, v.NetKg)
	assert.True(t, ledger.Kg(25000).Equal(*v.NetKg))
	assert.True(t, ledger.Kg(25000).Equal(f.store.Location(f.mill.ID).StockKg))

	moves := f.store.Movements()
	require.Len(t, moves, 1)
	assert.Equal(t, "intake_unload", moves[0].Leg)
	assert.Equal(t, "intake", moves[0].RefModule)

	assert.Equal(t, []shared.ApprovalAction{shared.ApprovalSubmit, shared.ApprovalApprove}, f.approvals.actions)
	trail, err := f.svc.ApprovalTrail(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, shared.ApprovalApprove, trail[1].Action)

	awaiting, err := f.svc.AwaitingUnload(ctx)
	require.NoError(t, err)
	assert.Empty(t, awaiting)
}

func TestWeighInRejectsDoubleSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.approvedVehicle(t, "RJ14AB1001", "Mill")
	in := intake.WeighInInput{GrossKg: ledger.Kg(30000), TareKg: ledger.Kg(8000), GodownID: f.mill.ID}

	_, err := f.svc.WeighIn(ctx, v.ID, in, "")
	require.NoError(t, err)
	_, err = f.svc.WeighIn(ctx, v.ID, in, "")
	require.ErrorIs(t, err, shared.ErrConflict)
	assert.True(t, ledger.Kg(22000).Equal(f.store.Location(f.mill.ID).StockKg))
}

func TestWeighInCategoryMismatchChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.approvedVehicle(t, "RJ14AB1002", "Mill")

	_, err := f.svc.WeighIn(ctx, v.ID, intake.WeighInInput{GrossKg: ledger.Kg(30000), TareKg: ledger.Kg(8000), GodownID: f.hd.ID}, "")
	require.ErrorIs(t, err, shared.ErrInvariantViolation)

	got, err := f.svc.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, intake.StatusApproved, got.Status)
	assert.False(t, got.Weighed())
	assert.True(t, f.store.Location(f.hd.ID).StockKg.IsZero())
	assert.Empty(t, f.store.Movements())
}

func TestWeighInRejectsNonPositiveNet(t *testing.T) {
	f := newFixture(t)
	v := f.approvedVehicle(t, "RJ14AB1003", "Mill")

	_, err := f.svc.WeighIn(context.Background(), v.ID, intake.WeighInInput{GrossKg: ledger.Kg(7000), TareKg: ledger.Kg(7000), GodownID: f.mill.ID}, "")
	require.ErrorIs(t, err, intake.ErrNonPositiveNet)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestLifecycleGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RegisterArrival(ctx, intake.RegisterInput{VehicleNumber: "RJ14AB2000", SupplierID: 9})
	require.ErrorIs(t, err, shared.ErrNotFound)

	v, err := f.svc.RegisterArrival(ctx, intake.RegisterInput{VehicleNumber: "RJ14AB2000", SupplierID: 1})
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, v.ID)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)

	_, err = f.svc.WeighIn(ctx, v.ID, intake.WeighInInput{GrossKg: ledger.Kg(30000), TareKg: ledger.Kg(8000), GodownID: f.mill.ID}, "")
	require.ErrorIs(t, err, shared.ErrIllegalTransition)

	_, err = f.svc.RecordQualityTest(ctx, v.ID, intake.QualityTestInput{SampleBagsTested: 10, TotalBags: 5, Approved: false})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.RecordQualityTest(ctx, v.ID, intake.QualityTestInput{SampleBagsTested: 5, TotalBags: 80, Approved: false})
	require.NoError(t, err)
	v, err = f.svc.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, intake.StatusRejected, v.Status)

	_, err = f.svc.Reject(ctx, v.ID, intake.RejectInput{Reason: "second opinion"})
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
	_, err = f.svc.RecordQualityTest(ctx, v.ID, intake.QualityTestInput{SampleBagsTested: 5, TotalBags: 80, CategoryAssigned: "Mill", Approved: true})
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
}

func TestHandlerWeighIn(t *testing.T) {
	f := newFixture(t)
	v := f.approvedVehicle(t, "RJ14AB3000", "low mill")

	r := chi.NewRouter()
	intake.NewHandler(nil, f.svc).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/awaiting-unload", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"quality_category":"low mill"`)

	body := fmt.Sprintf(`{"gross_kg":"20000","tare_kg":"6000","godown_id":%d}`, f.mill.ID)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/%d/weigh-in", v.ID), strings.NewReader(body)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"vehicle_number":""}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
