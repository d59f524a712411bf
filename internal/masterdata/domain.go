package masterdata

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"

	"github.com/flourmill/flourmill/internal/shared"
)

// ListFilters represents standard list page filters.
type ListFilters struct {
	Page   int
	Limit  int
	Search string
}

// Supplier represents a wheat supplier.
type Supplier struct {
	ID            int64     `json:"id"`
	CompanyName   string    `json:"company_name" validate:"required,max=200"`
	ContactPerson string    `json:"contact_person" validate:"max=120"`
	Phone         string    `json:"phone" validate:"max=40"`
	Address       string    `json:"address" validate:"max=500"`
	City          string    `json:"city" validate:"max=120"`
	State         string    `json:"state" validate:"max=120"`
	PostalCode    string    `json:"postal_code" validate:"max=20"`
	CreatedAt     time.Time `json:"created_at"`
}

// Customer represents a flour buyer.
type Customer struct {
	ID            int64     `json:"id"`
	CompanyName   string    `json:"company_name" validate:"required,max=200"`
	ContactPerson string    `json:"contact_person" validate:"max=120"`
	Phone         string    `json:"phone" validate:"max=40"`
	Email         string    `json:"email" validate:"omitempty,email"`
	Address       string    `json:"address" validate:"max=500"`
	City          string    `json:"city" validate:"max=120"`
	State         string    `json:"state" validate:"max=120"`
	PostalCode    string    `json:"postal_code" validate:"max=20"`
	CreatedAt     time.Time `json:"created_at"`
}

// ContactUpdate carries the only mutable fields of suppliers and customers.
type ContactUpdate struct {
	ContactPerson *string `json:"contact_person" validate:"omitempty,max=120"`
	Phone         *string `json:"phone" validate:"omitempty,max=40"`
	Address       *string `json:"address" validate:"omitempty,max=500"`
}

// Empty reports whether no field is set.
func (u ContactUpdate) Empty() bool {
	return u.ContactPerson == nil && u.Phone == nil && u.Address == nil
}

// ProductCategory classifies mill outputs.
type ProductCategory string

const (
	CategoryMainProduct ProductCategory = "main_product"
	CategoryByProduct   ProductCategory = "by_product"
)

// Product is a finished good such as maida, suji or bran.
type Product struct {
	ID            int64            `json:"id"`
	Name          string           `json:"name" validate:"required,max=120"`
	Category      ProductCategory  `json:"category" validate:"required,oneof=main_product by_product"`
	Unit          string           `json:"unit"`
	StandardPrice *decimal.Decimal `json:"standard_price,omitempty"`
	Description   string           `json:"description" validate:"max=500"`
	CreatedAt     time.Time        `json:"created_at"`
}

// GodownType labels a godown with the wheat quality category it accepts.
type GodownType struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name" validate:"required,max=60"`
	Description string    `json:"description" validate:"max=500"`
	CreatedAt   time.Time `json:"created_at"`
}

// CategoryName trims a quality category or godown type name and collapses
// inner whitespace. Letter case is kept as entered.
func CategoryName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// CategoryKey case-folds a category name so "low mill", " LOW  MILL" and
// "Low Mill" compare equal.
func CategoryKey(name string) string {
	return cases.Fold().String(CategoryName(name))
}

// SameCategory reports whether a godown type accepts a quality category.
func SameCategory(godownType, category string) bool {
	a, b := CategoryKey(godownType), CategoryKey(category)
	return a != "" && a == b
}

var (
	// ErrSupplierNotFound is returned for unknown supplier ids.
	ErrSupplierNotFound = fmt.Errorf("%w: masterdata: supplier", shared.ErrNotFound)
	// ErrCustomerNotFound is returned for unknown customer ids.
	ErrCustomerNotFound = fmt.Errorf("%w: masterdata: customer", shared.ErrNotFound)
	// ErrProductNotFound is returned for unknown product ids.
	ErrProductNotFound = fmt.Errorf("%w: masterdata: product", shared.ErrNotFound)
	// ErrGodownTypeNotFound is returned for unknown godown type ids.
	ErrGodownTypeNotFound = fmt.Errorf("%w: masterdata: godown type", shared.ErrNotFound)
	// ErrInUse is returned when deleting a record other rows still reference.
	ErrInUse = fmt.Errorf("%w: masterdata: record is referenced", shared.ErrConflict)
)
