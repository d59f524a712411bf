// Package dispatch tracks sales orders and the vehicles that carry finished
// goods out of the mill.
package dispatch

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flourmill/flourmill/internal/ledger"
	"github.com/flourmill/flourmill/internal/shared"
)

// SalesStatus is derived from the delivered quantity of an order or line.
type SalesStatus string

const (
	SalesPending   SalesStatus = "pending"
	SalesPartial   SalesStatus = "partial"
	SalesCompleted SalesStatus = "completed"
)

// DeriveStatus maps delivered against total to a status. Delivering more than
// the total is never valid.
func DeriveStatus(delivered, total decimal.Decimal) (SalesStatus, error) {
	switch {
	case delivered.IsNegative():
		return "", fmt.Errorf("%w: delivered %s is negative", shared.ErrInvariantViolation, delivered)
	case delivered.GreaterThan(total):
		return "", fmt.Errorf("%w: delivered %s of %s", ErrOverDelivery, delivered, total)
	case delivered.IsZero():
		return SalesPending, nil
	case delivered.LessThan(total):
		return SalesPartial, nil
	}
	return SalesCompleted, nil
}

// SalesOrder is a customer order for finished goods.
type SalesOrder struct {
	ID           int64           `json:"id"`
	OrderNumber  string          `json:"order_number"`
	CustomerID   int64           `json:"customer_id"`
	Salesman     string          `json:"salesman,omitempty"`
	OrderDate    time.Time       `json:"order_date"`
	DeliveryDate *time.Time      `json:"delivery_date,omitempty"`
	TotalQty     decimal.Decimal `json:"total_qty"`
	DeliveredQty decimal.Decimal `json:"delivered_qty"`
	PendingQty   decimal.Decimal `json:"pending_qty"`
	Status       SalesStatus     `json:"status"`
	Items        []SalesItem     `json:"items"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// SalesItem is one product line of a sales order.
type SalesItem struct {
	ID           int64           `json:"id"`
	SalesOrderID int64           `json:"sales_order_id"`
	ProductID    int64           `json:"product_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	DeliveredQty decimal.Decimal `json:"delivered_qty"`
	PendingQty   decimal.Decimal `json:"pending_qty"`
	Status       SalesStatus     `json:"status"`
}

// deliver moves qty onto the delivered side of the order and the line of
// product, re-deriving both statuses. A negative qty reverses a dispatch.
func (o *SalesOrder) deliver(productID int64, qty decimal.Decimal) error {
	idx := -1
	for i := range o.Items {
		if o.Items[i].ProductID == productID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: product %d is not on order %s", shared.ErrValidation, productID, o.OrderNumber)
	}
	item := &o.Items[idx]
	delivered := ledger.Round(item.DeliveredQty.Add(qty))
	status, err := DeriveStatus(delivered, item.Quantity)
	if err != nil {
		return fmt.Errorf("line %d: %w", productID, err)
	}
	item.DeliveredQty, item.PendingQty, item.Status = delivered, item.Quantity.Sub(delivered), status

	delivered = ledger.Round(o.DeliveredQty.Add(qty))
	if status, err = DeriveStatus(delivered, o.TotalQty); err != nil {
		return err
	}
	o.DeliveredQty, o.PendingQty, o.Status = delivered, o.TotalQty.Sub(delivered), status
	return nil
}

// reopenable refuses to take d off the order when that would leave a
// completed order or line.
func (o *SalesOrder) reopenable(d Dispatch) error {
	if o.Status == SalesCompleted {
		return fmt.Errorf("%w: %s", ErrSalesOrderClosed, o.OrderNumber)
	}
	for _, it := range d.Items {
		for _, line := range o.Items {
			if line.ProductID == it.ProductID && line.Status == SalesCompleted {
				return fmt.Errorf("%w: %s product %d", ErrSalesOrderClosed, o.OrderNumber, it.ProductID)
			}
		}
	}
	return nil
}

// Vehicle is an outbound truck. Its load and status live on its location row.
type Vehicle struct {
	LocationID    int64           `json:"id"`
	VehicleNumber string          `json:"vehicle_number"`
	DriverName    string          `json:"driver_name,omitempty"`
	DriverPhone   string          `json:"driver_phone,omitempty"`
	State         string          `json:"state,omitempty"`
	City          string          `json:"city,omitempty"`
	CapacityKg    decimal.Decimal `json:"capacity_kg"`
	LoadKg        decimal.Decimal `json:"load_kg"`
	Status        ledger.Status   `json:"status"`
}

// DispatchStatus is the delivery lifecycle of one trip.
type DispatchStatus string

const (
	DispatchDispatched DispatchStatus = "dispatched"
	DispatchDelivered  DispatchStatus = "delivered"
	DispatchCancelled  DispatchStatus = "cancelled"
)

// Dispatch is one trip of a vehicle against a sales order.
type Dispatch struct {
	ID               int64           `json:"id"`
	DispatchNumber   string          `json:"dispatch_number"`
	SalesOrderID     int64           `json:"sales_order_id"`
	VehicleID        int64           `json:"vehicle_id"`
	StorageAreaID    int64           `json:"storage_area_id"`
	QuantityKg       decimal.Decimal `json:"quantity_kg"`
	Status           DispatchStatus  `json:"status"`
	Returned         bool            `json:"returned"`
	Operator         string          `json:"operator,omitempty"`
	DispatchedAt     time.Time       `json:"dispatched_at"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	DeliveredBy      string          `json:"delivered_by,omitempty"`
	DeliveryProofRef string          `json:"delivery_proof_ref,omitempty"`
	Items            []DispatchItem  `json:"items"`
}

// DispatchItem is the quantity of one product on a trip.
type DispatchItem struct {
	ID         int64           `json:"id"`
	DispatchID int64           `json:"dispatch_id"`
	ProductID  int64           `json:"product_id"`
	QuantityKg decimal.Decimal `json:"quantity_kg"`
	BagCount   int             `json:"bag_count"`
}

// SalesItemInput is one line of sales_order.create.
type SalesItemInput struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity" validate:"gt=0"`
}

// CreateSalesOrderInput is the payload of sales_order.create.
type CreateSalesOrderInput struct {
	CustomerID   int64            `json:"customer_id" validate:"required,gt=0"`
	Salesman     string           `json:"salesman" validate:"max=120"`
	OrderDate    *time.Time       `json:"order_date,omitempty"`
	DeliveryDate *time.Time       `json:"delivery_date,omitempty"`
	Items        []SalesItemInput `json:"items" validate:"required,min=1,dive"`
}

// CreateVehicleInput registers a dispatch vehicle.
type CreateVehicleInput struct {
	VehicleNumber string          `json:"vehicle_number" validate:"required,min=4,max=20"`
	DriverName    string          `json:"driver_name" validate:"max=120"`
	DriverPhone   string          `json:"driver_phone" validate:"max=20"`
	State         string          `json:"state" validate:"max=80"`
	City          string          `json:"city" validate:"max=80"`
	CapacityKg    decimal.Decimal `json:"capacity_kg" validate:"gt=0"`
}

// DispatchItemInput is one line of dispatch.create.
type DispatchItemInput struct {
	ProductID  int64           `json:"product_id" validate:"required,gt=0"`
	QuantityKg decimal.Decimal `json:"quantity_kg" validate:"gt=0"`
	BagCount   int             `json:"bag_count" validate:"gte=0"`
}

// CreateDispatchInput is the payload of dispatch.create.
type CreateDispatchInput struct {
	SalesOrderID  int64               `json:"sales_order_id" validate:"required,gt=0"`
	VehicleID     int64               `json:"vehicle_id" validate:"required,gt=0"`
	StorageAreaID int64               `json:"storage_area_id" validate:"required,gt=0"`
	EvidenceRef   string              `json:"evidence_ref,omitempty"`
	Items         []DispatchItemInput `json:"items" validate:"required,min=1,dive"`
}

// DeliverInput is the payload of dispatch.mark_delivered.
type DeliverInput struct {
	DeliveredBy      string `json:"delivered_by" validate:"max=120"`
	DeliveryProofRef string `json:"delivery_proof_ref" validate:"max=255"`
}

var (
	// ErrSalesOrderNotFound is returned for unknown sales orders.
	ErrSalesOrderNotFound = fmt.Errorf("%w: dispatch: sales order", shared.ErrNotFound)
	// ErrDispatchNotFound is returned for unknown dispatches.
	ErrDispatchNotFound = fmt.Errorf("%w: dispatch: dispatch", shared.ErrNotFound)
	// ErrVehicleNotFound is returned for unknown dispatch vehicles.
	ErrVehicleNotFound = fmt.Errorf("%w: dispatch: vehicle", shared.ErrNotFound)
	// ErrOverDelivery is returned when a dispatch would deliver more than ordered.
	ErrOverDelivery = fmt.Errorf("%w: dispatch: delivered quantity exceeds ordered quantity", shared.ErrInvariantViolation)
	// ErrVehicleState is returned when the vehicle cannot take the command.
	ErrVehicleState = fmt.Errorf("%w: dispatch: vehicle status", shared.ErrIllegalTransition)
	// ErrDispatchState is returned when the dispatch cannot take the command.
	ErrDispatchState = fmt.Errorf("%w: dispatch: dispatch status", shared.ErrIllegalTransition)
	// ErrSalesOrderClosed is returned when a command would reopen a completed sales order or line.
	ErrSalesOrderClosed = fmt.Errorf("%w: dispatch: sales order completed", shared.ErrIllegalTransition)
)
