package dispatch_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flourmill/flourmill/internal/dispatch"
	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/ledger/ledgertest"
	"github.com/flourmill/flourmill/internal/masterdata"
	"github.com/flourmill/flourmill/internal/shared"
)

type dispatchState struct {
	orders     map[int64]dispatch.SalesOrder
	vehicles   map[int64]dispatch.Vehicle
	dispatches map[int64]dispatch.Dispatch
	nextOrder  int64
	nextItem   int64
	nextDisp   int64
}

func cloneOrder(o dispatch.SalesOrder) dispatch.SalesOrder {
	o.Items = append([]dispatch.SalesItem(nil), o.Items...)
	return o
}

func cloneDispatch(d dispatch.Dispatch) dispatch.Dispatch {
	d.Items = append([]dispatch.DispatchItem(nil), d.Items...)
	return d
}

func (s *dispatchState) clone() *dispatchState {
	out := &dispatchState{
		orders:     make(map[int64]dispatch.SalesOrder, len(s.orders)),
		vehicles:   make(map[int64]dispatch.Vehicle, len(s.vehicles)),
		dispatches: make(map[int64]dispatch.Dispatch, len(s.dispatches)),
		nextOrder:  s.nextOrder,
		nextItem:   s.nextItem,
		nextDisp:   s.nextDisp,
	}
	for k, v := range s.orders {
		out.orders[k] = cloneOrder(v)
	}
	for k, v := range s.vehicles {
		out.vehicles[k] = v
	}
	for k, v := range s.dispatches {
		out.dispatches[k] = cloneDispatch(v)
	}
	return out
}

type memoryRepo struct {
	store *ledgertest.Store
	mu    sync.Mutex
	st    *dispatchState
}

func newMemoryRepo(store *ledgertest.Store) *memoryRepo {
	return &memoryRepo{store: store, st: &dispatchState{
		orders:     map[int64]dispatch.SalesOrder{},
		vehicles:   map[int64]dispatch.Vehicle{},
		dispatches: map[int64]dispatch.Dispatch{},
	}}
}

type memoryTx struct {
	*ledgertest.Tx
	st *dispatchState
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, dispatch.TxRepository) error) error {
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

func (r *memoryRepo) GetSalesOrder(_ context.Context, id int64) (dispatch.SalesOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.st.orders[id]
	if !ok {
		return dispatch.SalesOrder{}, fmt.Errorf("%w %d", dispatch.ErrSalesOrderNotFound, id)
	}
	return cloneOrder(o), nil
}

func (r *memoryRepo) ListSalesOrders(_ context.Context, status dispatch.SalesStatus) ([]dispatch.SalesOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []dispatch.SalesOrder
	for _, o := range r.st.orders {
		if status == "" || o.Status == status {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *memoryRepo) vehicle(id int64) (dispatch.Vehicle, bool) {
	v, ok := r.st.vehicles[id]
	if !ok {
		return dispatch.Vehicle{}, false
	}
	loc := r.store.Location(id)
	v.CapacityKg, v.LoadKg, v.Status = loc.CapacityKg, loc.StockKg, loc.Status
	return v, true
}

func (r *memoryRepo) GetVehicle(_ context.Context, id int64) (dispatch.Vehicle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vehicle(id)
	if !ok {
		return dispatch.Vehicle{}, fmt.Errorf("%w %d", dispatch.ErrVehicleNotFound, id)
	}
	return v, nil
}

func (r *memoryRepo) ListVehicles(_ context.Context) ([]dispatch.Vehicle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []dispatch.Vehicle
	for id := range r.st.vehicles {
		v, _ := r.vehicle(id)
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleNumber < out[j].VehicleNumber })
	return out, nil
}

func (r *memoryRepo) GetDispatch(_ context.Context, id int64) (dispatch.Dispatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.st.dispatches[id]
	if !ok {
		return dispatch.Dispatch{}, fmt.Errorf("%w %d", dispatch.ErrDispatchNotFound, id)
	}
	return cloneDispatch(d), nil
}

func (r *memoryRepo) ListDispatches(_ context.Context, salesOrderID int64) ([]dispatch.Dispatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []dispatch.Dispatch
	for _, d := range r.st.dispatches {
		if salesOrderID == 0 || d.SalesOrderID == salesOrderID {
			out = append(out, cloneDispatch(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (t *memoryTx) InsertVehicle(_ context.Context, v dispatch.Vehicle) error {
	for _, other := range t.st.vehicles {
		if other.VehicleNumber == v.VehicleNumber {
			return fmt.Errorf("%w: dispatch_vehicles_vehicle_number_key", shared.ErrConflict)
		}
	}
	t.st.vehicles[v.LocationID] = v
	return nil
}

func (t *memoryTx) InsertSalesOrder(_ context.Context, o dispatch.SalesOrder) (dispatch.SalesOrder, error) {
	t.st.nextOrder++
	o.ID = t.st.nextOrder
	o = cloneOrder(o)
	for i := range o.Items {
		t.st.nextItem++
		o.Items[i].ID = t.st.nextItem
		o.Items[i].SalesOrderID = o.ID
	}
	t.st.orders[o.ID] = o
	return cloneOrder(o), nil
}

func (t *memoryTx) LockSalesOrder(_ context.Context, id int64) (dispatch.SalesOrder, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return dispatch.SalesOrder{}, fmt.Errorf("%w %d", dispatch.ErrSalesOrderNotFound, id)
	}
	return cloneOrder(o), nil
}

func (t *memoryTx) UpdateSalesOrder(_ context.Context, o dispatch.SalesOrder) error {
	if o.DeliveredQty.IsNegative() || o.DeliveredQty.GreaterThan(o.TotalQty) {
		return fmt.Errorf("%w: sales_orders_delivered_bounds", shared.ErrInvariantViolation)
	}
	t.st.orders[o.ID] = cloneOrder(o)
	return nil
}

func (t *memoryTx) InsertDispatch(_ context.Context, d dispatch.Dispatch) (dispatch.Dispatch, error) {
	t.st.nextDisp++
	d.ID = t.st.nextDisp
	d = cloneDispatch(d)
	for i := range d.Items {
		d.Items[i].ID = int64(i + 1)
		d.Items[i].DispatchID = d.ID
	}
	t.st.dispatches[d.ID] = d
	return cloneDispatch(d), nil
}

func (t *memoryTx) LockDispatch(_ context.Context, id int64) (dispatch.Dispatch, error) {
	d, ok := t.st.dispatches[id]
	if !ok {
		return dispatch.Dispatch{}, fmt.Errorf("%w %d", dispatch.ErrDispatchNotFound, id)
	}
	return cloneDispatch(d), nil
}

func (t *memoryTx) LockOpenDispatch(_ context.Context, vehicleID int64) (dispatch.Dispatch, bool, error) {
	var (
		out   dispatch.Dispatch
		found bool
	)
	for _, d := range t.st.dispatches {
		if d.VehicleID != vehicleID || d.Returned || d.Status == dispatch.DispatchCancelled {
			continue
		}
		if !found || d.ID > out.ID {
			out, found = d, true
		}
	}
	return cloneDispatch(out), found, nil
}

func (t *memoryTx) UpdateDispatch(_ context.Context, d dispatch.Dispatch) error {
	t.st.dispatches[d.ID] = cloneDispatch(d)
	return nil
}

type registryStub struct{}

func (registryStub) GetCustomer(_ context.Context, id int64) (masterdata.Customer, error) {
	if id != 1 {
		return masterdata.Customer{}, fmt.Errorf("%w %d", masterdata.ErrCustomerNotFound, id)
	}
	return masterdata.Customer{ID: 1, CompanyName: "Annapurna Foods"}, nil
}

func (registryStub) GetProduct(_ context.Context, id int64) (masterdata.Product, error) {
	switch id {
	case flour:
		return masterdata.Product{ID: flour, Name: "Maida", Category: masterdata.CategoryMainProduct}, nil
	case bran:
		return masterdata.Product{ID: bran, Name: "Bran", Category: masterdata.CategoryByProduct}, nil
	}
	return masterdata.Product{}, fmt.Errorf("%w %d", masterdata.ErrProductNotFound, id)
}

type idemStub struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (s *idemStub) CheckAndInsert(_ context.Context, key, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = true
	return nil
}

func (s *idemStub) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

const (
	flour int64 = 10
	bran  int64 = 11
)

type fixture struct {
	store   *ledgertest.Store
	repo    *memoryRepo
	idem    *idemStub
	svc     *dispatch.Service
	storage ledger.Location
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledgertest.NewStore()
	f := &fixture{store: store, repo: newMemoryRepo(store), idem: &idemStub{keys: map[string]bool{}}}
	f.storage = store.AddLocation(ledger.Location{Kind: ledger.KindStorageArea, Name: "FG-1", CapacityKg: ledger.Kg(50000), StockKg: ledger.Kg(5000)})
	clock := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Minute)
		return clock
	}
	f.svc = dispatch.NewService(f.repo, registryStub{}, f.idem, nil, nil, dispatch.WithClock(now))
	return f
}

func (f *fixture) vehicle(t *testing.T, plate string, capacity float64) dispatch.Vehicle {
	t.Helper()
	v, err := f.svc.CreateVehicle(context.Background(), dispatch.CreateVehicleInput{
		VehicleNumber: plate,
		DriverName:    "Ramesh",
		CapacityKg:    ledger.Kg(capacity),
	})
	require.NoError(t, err)
	return v
}

func (f *fixture) order(t *testing.T, lines ...dispatch.SalesItemInput) dispatch.SalesOrder {
	t.Helper()
	o, err := f.svc.CreateSalesOrder(context.Background(), dispatch.CreateSalesOrderInput{CustomerID: 1, Salesman: "Verma", Items: lines})
	require.NoError(t, err)
	return o
}

func line(product int64, kg float64) dispatch.SalesItemInput {
	return dispatch.SalesItemInput{ProductID: product, Quantity: ledger.Kg(kg)}
}

func load(orderID, vehicleID, storageID int64, product int64, kg float64) dispatch.CreateDispatchInput {
	return dispatch.CreateDispatchInput{
		SalesOrderID:  orderID,
		VehicleID:     vehicleID,
		StorageAreaID: storageID,
		Items:         []dispatch.DispatchItemInput{{ProductID: product, QuantityKg: ledger.Kg(kg), BagCount: int(kg / 50)}},
	}
}

func kgEqual(t *testing.T, want float64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, ledger.Kg(want).Equal(got), "want %v kg, got %s kg", want, got)
}

func TestDeriveStatus(t *testing.T) {
	total := ledger.Kg(1000)
	cases := []struct {
		delivered float64
		want      dispatch.SalesStatus
	}{
		{0, dispatch.SalesPending},
		{0.001, dispatch.SalesPartial},
		{999.999, dispatch.SalesPartial},
		{1000, dispatch.SalesCompleted},
	}
	for _, tc := range cases {
		got, err := dispatch.DeriveStatus(ledger.Kg(tc.delivered), total)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "delivered %v", tc.delivered)
	}
	_, err := dispatch.DeriveStatus(ledger.Kg(1000.001), total)
	require.ErrorIs(t, err, shared.ErrInvariantViolation)
}

func TestDispatchAccounting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1 := f.vehicle(t, "rj14 ga-0001", 2000)
	v2 := f.vehicle(t, "RJ14GA0002", 2000)
	v3 := f.vehicle(t, "RJ14GA0003", 2000)
	assert.Equal(t, "RJ14GA0001", v1.VehicleNumber)
	assert.Equal(t, ledger.StatusAvailable, v1.Status)

	o := f.order(t, line(flour, 1000))
	assert.Equal(t, dispatch.SalesPending, o.Status)
	kgEqual(t, 1000, o.PendingQty)

	d1, err := f.svc.CreateDispatch(ctx, load(o.ID, v1.LocationID, f.storage.ID, flour, 400), "")
	require.NoError(t, err)
	assert.Equal(t, dispatch.DispatchDispatched, d1.Status)
	assert.True(t, strings.HasPrefix(d1.DispatchNumber, "DSP-"))

	o, err = f.svc.GetSalesOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.SalesPartial, o.Status)
	kgEqual(t, 400, o.DeliveredQty)
	kgEqual(t, 600, o.PendingQty)
	assert.Equal(t, dispatch.SalesPartial, o.Items[0].Status)

	kgEqual(t, 4600, f.store.Location(f.storage.ID).StockKg)
	loaded := f.store.Location(v1.LocationID)
	kgEqual(t, 400, loaded.StockKg)
	assert.Equal(t, ledger.StatusDispatched, loaded.Status)

	_, err = f.svc.CreateDispatch(ctx, load(o.ID, v1.LocationID, f.storage.ID, flour, 100), "")
	require.ErrorIs(t, err, shared.ErrIllegalTransition)

	_, err = f.svc.CreateDispatch(ctx, load(o.ID, v2.LocationID, f.storage.ID, flour, 600), "")
	require.NoError(t, err)
	o, err = f.svc.GetSalesOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.SalesCompleted, o.Status)
	kgEqual(t, 1000, o.DeliveredQty)
	assert.True(t, o.PendingQty.IsZero())

	_, err = f.svc.CreateDispatch(ctx, load(o.ID, v3.LocationID, f.storage.ID, flour, 1), "")
	require.ErrorIs(t, err, shared.ErrInvariantViolation)
	kgEqual(t, 4000, f.store.Location(f.storage.ID).StockKg)
	assert.Equal(t, ledger.StatusAvailable, f.store.Location(v3.LocationID).Status)

	moves := f.store.Movements()
	require.Len(t, moves, 2)
	assert.Equal(t, "storage_to_dispatch", moves[0].Leg)
	assert.Equal(t, "dispatch", moves[0].RefModule)
}

func TestLineOverDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.vehicle(t, "RJ14GA0010", 2000)
	o := f.order(t, line(flour, 600), line(bran, 400))
	kgEqual(t, 1000, o.TotalQty)

	_, err := f.svc.CreateDispatch(ctx, load(o.ID, v.LocationID, f.storage.ID, flour, 700), "")
	require.ErrorIs(t, err, dispatch.ErrOverDelivery)

	_, err = f.svc.CreateDispatch(ctx, load(o.ID, v.LocationID, f.storage.ID, 99, 10), "")
	require.ErrorIs(t, err, shared.ErrValidation)

	in := load(o.ID, v.LocationID, f.storage.ID, flour, 600)
	in.Items = append(in.Items, dispatch.DispatchItemInput{ProductID: bran, QuantityKg: ledger.Kg(150)})
	d, err := f.svc.CreateDispatch(ctx, in, "")
	require.NoError(t, err)
	kgEqual(t, 750, d.QuantityKg)

	o, err = f.svc.GetSalesOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.SalesPartial, o.Status)
	assert.Equal(t, dispatch.SalesCompleted, o.Items[0].Status)
	assert.Equal(t, dispatch.SalesPartial, o.Items[1].Status)
	kgEqual(t, 250, o.Items[1].PendingQty)
}

func TestDispatchRespectsVehicleCapacity(t *testing.T) {
	f := newFixture(t)
	v := f.vehicle(t, "RJ14GA0020", 300)
	o := f.order(t, line(flour, 1000))

	_, err := f.svc.CreateDispatch(context.Background(), load(o.ID, v.LocationID, f.storage.ID, flour, 400), "")
	require.ErrorIs(t, err, shared.ErrCapacityExceeded)

	got, err := f.svc.GetSalesOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, got.DeliveredQty.IsZero())
	assert.Equal(t, dispatch.SalesPending, got.Status)
}

func TestDeliverDrainsVehicle(t *testing.T) {
	f := newFixture(t)
	ctx := shared.ContextWithOperator(context.Background(), "dispatcher-1")
	v := f.vehicle(t, "RJ14GA0030", 2000)
	o := f.order(t, line(flour, 1000))
	d, err := f.svc.CreateDispatch(ctx, load(o.ID, v.LocationID, f.storage.ID, flour, 400), "")
	require.NoError(t, err)
	assert.Equal(t, "dispatcher-1", d.Operator)

	d, err = f.svc.MarkDelivered(ctx, d.ID, dispatch.DeliverInput{DeliveryProofRef: "pod-77.jpg"})
	require.NoError(t, err)
	assert.Equal(t, dispatch.DispatchDelivered, d.Status)
	require.NotNil(t, d.DeliveredAt)
	assert.Equal(t, "dispatcher-1", d.DeliveredBy)

	truck := f.store.Location(v.LocationID)
	assert.True(t, truck.StockKg.IsZero())
	assert.Equal(t, ledger.StatusDelivered, truck.Status)
	moves := f.store.Movements()
	last := moves[len(moves)-1]
	assert.Equal(t, "dispatch_delivered", last.Leg)
	assert.Nil(t, last.DestID)
	assert.Equal(t, "pod-77.jpg", last.EvidenceRef)

	_, err = f.svc.MarkDelivered(ctx, d.ID, dispatch.DeliverInput{})
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
	_, err = f.svc.CancelDispatch(ctx, d.ID)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)

	back, err := f.svc.MarkReturned(ctx, v.LocationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusAvailable, back.Status)
	d, err = f.svc.GetDispatch(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, d.Returned)
	kgEqual(t, 4600, f.store.Location(f.storage.ID).StockKg)

	_, err = f.svc.MarkReturned(ctx, v.LocationID)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
}

func TestCancelNeedsReturnedVehicle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.vehicle(t, "RJ14GA0040", 2000)
	o := f.order(t, line(flour, 1000))
	d, err := f.svc.CreateDispatch(ctx, load(o.ID, v.LocationID, f.storage.ID, flour, 400), "")
	require.NoError(t, err)

	_, err = f.svc.CancelDispatch(ctx, d.ID)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)

	back, err := f.svc.MarkReturned(ctx, v.LocationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusAvailable, back.Status)
	assert.True(t, back.LoadKg.IsZero())
	kgEqual(t, 5000, f.store.Location(f.storage.ID).StockKg)

	d, err = f.svc.CancelDispatch(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.DispatchCancelled, d.Status)

	o, err = f.svc.GetSalesOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.SalesPending, o.Status)
	assert.True(t, o.DeliveredQty.IsZero())
	kgEqual(t, 1000, o.PendingQty)

	_, err = f.svc.CancelDispatch(ctx, d.ID)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)

	legs := []string{}
	for _, m := range f.store.Movements() {
		legs = append(legs, m.Leg)
	}
	assert.Equal(t, []string{"storage_to_dispatch", "dispatch_return"}, legs)
}

func TestCancelKeepsCompletedOrderCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.vehicle(t, "RJ14GA0045", 2000)
	o := f.order(t, line(flour, 1000))
	d, err := f.svc.CreateDispatch(ctx, load(o.ID, v.LocationID, f.storage.ID, flour, 1000), "")
	require.NoError(t, err)
	o, err = f.svc.GetSalesOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, dispatch.SalesCompleted, o.Status)

	_, err = f.svc.MarkReturned(ctx, v.LocationID)
	require.NoError(t, err)
	_, err = f.svc.CancelDispatch(ctx, d.ID)
	require.ErrorIs(t, err, dispatch.ErrSalesOrderClosed)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)

	o, err = f.svc.GetSalesOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.SalesCompleted, o.Status)
	kgEqual(t, 1000, o.DeliveredQty)
	d, err = f.svc.GetDispatch(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.DispatchDispatched, d.Status)
}

func TestCancelKeepsCompletedLineCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.vehicle(t, "RJ14GA0046", 2000)
	o := f.order(t, line(flour, 600), line(bran, 400))
	d, err := f.svc.CreateDispatch(ctx, load(o.ID, v.LocationID, f.storage.ID, flour, 600), "")
	require.NoError(t, err)

	_, err = f.svc.MarkReturned(ctx, v.LocationID)
	require.NoError(t, err)
	_, err = f.svc.CancelDispatch(ctx, d.ID)
	require.ErrorIs(t, err, dispatch.ErrSalesOrderClosed)

	o, err = f.svc.GetSalesOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.SalesPartial, o.Status)
	for _, it := range o.Items {
		if it.ProductID == flour {
			assert.Equal(t, dispatch.SalesCompleted, it.Status)
		}
	}
}

func TestBlockedVehicleTakesNoLoad(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v := f.vehicle(t, "RJ14GA0050", 2000)
	o := f.order(t, line(flour, 1000))

	got, err := f.svc.SetVehicleBlocked(ctx, v.LocationID, true)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusBlocked, got.Status)

	_, err = f.svc.CreateDispatch(ctx, load(o.ID, v.LocationID, f.storage.ID, flour, 100), "")
	require.ErrorIs(t, err, dispatch.ErrVehicleState)

	got, err = f.svc.SetVehicleBlocked(ctx, v.LocationID, false)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusAvailable, got.Status)
	_, err = f.svc.SetVehicleBlocked(ctx, v.LocationID, false)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)

	_, err = f.svc.CreateDispatch(ctx, load(o.ID, f.storage.ID, f.storage.ID, flour, 100), "")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDispatchIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v1 := f.vehicle(t, "RJ14GA0060", 2000)
	v2 := f.vehicle(t, "RJ14GA0061", 2000)
	o := f.order(t, line(flour, 1000))

	_, err := f.svc.CreateDispatch(ctx, load(o.ID, v1.LocationID, f.storage.ID, flour, 1200), "load-1")
	require.ErrorIs(t, err, shared.ErrInvariantViolation)

	_, err = f.svc.CreateDispatch(ctx, load(o.ID, v1.LocationID, f.storage.ID, flour, 400), "load-1")
	require.NoError(t, err)

	_, err = f.svc.CreateDispatch(ctx, load(o.ID, v2.LocationID, f.storage.ID, flour, 400), "load-1")
	require.ErrorIs(t, err, shared.ErrConflict)

	o, err = f.svc.GetSalesOrder(ctx, o.ID)
	require.NoError(t, err)
	kgEqual(t, 400, o.DeliveredQty)
}

func TestCreateSalesOrderValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSalesOrder(ctx, dispatch.CreateSalesOrderInput{CustomerID: 1})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.CreateSalesOrder(ctx, dispatch.CreateSalesOrderInput{CustomerID: 7, Items: []dispatch.SalesItemInput{line(flour, 10)}})
	require.ErrorIs(t, err, masterdata.ErrCustomerNotFound)

	_, err = f.svc.CreateSalesOrder(ctx, dispatch.CreateSalesOrderInput{CustomerID: 1, Items: []dispatch.SalesItemInput{line(flour, 10), line(flour, 5)}})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.CreateSalesOrder(ctx, dispatch.CreateSalesOrderInput{CustomerID: 1, Items: []dispatch.SalesItemInput{line(42, 10)}})
	require.ErrorIs(t, err, shared.ErrNotFound)

	o := f.order(t, line(flour, 250.5), line(bran, 100))
	assert.True(t, strings.HasPrefix(o.OrderNumber, "SO-"))
	kgEqual(t, 350.5, o.TotalQty)
	require.Len(t, o.Items, 2)
	assert.NotZero(t, o.Items[0].ID)
}

func TestHandlerDispatches(t *testing.T) {
	f := newFixture(t)
	v := f.vehicle(t, "RJ14GA0070", 2000)
	o := f.order(t, line(flour, 1000))

	h := dispatch.NewHandler(nil, f.svc)
	r := chi.NewRouter()
	r.Route("/sales-orders", h.MountSalesOrders)
	r.Route("/dispatch-vehicles", h.MountVehicles)
	r.Route("/dispatches", h.MountDispatches)

	body := fmt.Sprintf(`{"sales_order_id":%d,"vehicle_id":%d,"storage_area_id":%d,"items":[{"product_id":%d,"quantity_kg":"1500"}]}`,
		o.ID, v.LocationID, f.storage.ID, flour)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dispatches", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body = strings.Replace(body, `"1500"`, `"400"`, 1)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dispatches", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"dispatched"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dispatches/1/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/dispatches/1/deliver", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"delivered"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/sales-orders/%d", o.ID), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"partial"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/dispatch-vehicles/%d/return", v.LocationID), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"available"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dispatches/99", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
