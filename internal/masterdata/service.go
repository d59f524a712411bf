package masterdata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flourmill/flourmill/internal/platform/cache"
	"github.com/flourmill/flourmill/internal/shared"
)

// Repository abstracts master data persistence.
type Repository interface {
	ListSuppliers(ctx context.Context, filters ListFilters) ([]Supplier, int, error)
	GetSupplier(ctx context.Context, id int64) (Supplier, error)
	CreateSupplier(ctx context.Context, s Supplier) (Supplier, error)
	UpdateSupplierContact(ctx context.Context, id int64, u ContactUpdate) (Supplier, error)
	DeleteSupplier(ctx context.Context, id int64) error

	ListCustomers(ctx context.Context, filters ListFilters) ([]Customer, int, error)
	GetCustomer(ctx context.Context, id int64) (Customer, error)
	CreateCustomer(ctx context.Context, c Customer) (Customer, error)
	UpdateCustomerContact(ctx context.Context, id int64, u ContactUpdate) (Customer, error)
	DeleteCustomer(ctx context.Context, id int64) error

	ListProducts(ctx context.Context) ([]Product, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	CreateProduct(ctx context.Context, p Product) (Product, error)
	DeleteProduct(ctx context.Context, id int64) error

	ListGodownTypes(ctx context.Context) ([]GodownType, error)
	GetGodownType(ctx context.Context, id int64) (GodownType, error)
	CreateGodownType(ctx context.Context, g GodownType) (GodownType, error)
	DeleteGodownType(ctx context.Context, id int64) error
}

// AuditPort records master data changes.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages suppliers, customers, products and godown types.
type Service struct {
	repo   Repository
	cache  *cache.Versioned
	audit  AuditPort
	logger *slog.Logger
}

// NewService creates a master data service. cache may be nil.
func NewService(repo Repository, cache *cache.Versioned, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, audit: audit, logger: logger}
}

// Supplier operations
func (s *Service) ListSuppliers(ctx context.Context, filters ListFilters) ([]Supplier, int, error) {
	return s.repo.ListSuppliers(ctx, normaliseFilters(filters))
}

func (s *Service) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	if id <= 0 {
		return Supplier{}, fmt.Errorf("%w %d", ErrSupplierNotFound, id)
	}
	return s.repo.GetSupplier(ctx, id)
}

func (s *Service) CreateSupplier(ctx context.Context, supplier Supplier) (Supplier, error) {
	supplier.CompanyName = strings.TrimSpace(supplier.CompanyName)
	if err := shared.ValidateStruct(supplier); err != nil {
		return Supplier{}, err
	}
	created, err := s.repo.CreateSupplier(ctx, supplier)
	if err != nil {
		return Supplier{}, err
	}
	s.record(ctx, "masterdata:supplier_create", "supplier", created.ID, map[string]any{"company_name": created.CompanyName})
	return created, nil
}

// UpdateSupplierContact changes contact person, phone or address. Other
// supplier fields are immutable.
func (s *Service) UpdateSupplierContact(ctx context.Context, id int64, update ContactUpdate) (Supplier, error) {
	if err := validateContact(update); err != nil {
		return Supplier{}, err
	}
	updated, err := s.repo.UpdateSupplierContact(ctx, id, update)
	if err != nil {
		return Supplier{}, err
	}
	s.record(ctx, "masterdata:supplier_update", "supplier", id, nil)
	return updated, nil
}

func (s *Service) DeleteSupplier(ctx context.Context, id int64) error {
	if err := s.repo.DeleteSupplier(ctx, id); err != nil {
		return err
	}
	s.record(ctx, "masterdata:supplier_delete", "supplier", id, nil)
	return nil
}

// Customer operations
func (s *Service) ListCustomers(ctx context.Context, filters ListFilters) ([]Customer, int, error) {
	return s.repo.ListCustomers(ctx, normaliseFilters(filters))
}

func (s *Service) GetCustomer(ctx context.Context, id int64) (Customer, error) {
	if id <= 0 {
		return Customer{}, fmt.Errorf("%w %d", ErrCustomerNotFound, id)
	}
	return s.repo.GetCustomer(ctx, id)
}

func (s *Service) CreateCustomer(ctx context.Context, customer Customer) (Customer, error) {
	customer.CompanyName = strings.TrimSpace(customer.CompanyName)
	if err := shared.ValidateStruct(customer); err != nil {
		return Customer{}, err
	}
	created, err := s.repo.CreateCustomer(ctx, customer)
	if err != nil {
		return Customer{}, err
	}
	s.record(ctx, "masterdata:customer_create", "customer", created.ID, map[string]any{"company_name": created.CompanyName})
	return created, nil
}

func (s *Service) UpdateCustomerContact(ctx context.Context, id int64, update ContactUpdate) (Customer, error) {
	if err := validateContact(update); err != nil {
		return Customer{}, err
	}
	updated, err := s.repo.UpdateCustomerContact(ctx, id, update)
	if err != nil {
		return Customer{}, err
	}
	s.record(ctx, "masterdata:customer_update", "customer", id, nil)
	return updated, nil
}

func (s *Service) DeleteCustomer(ctx context.Context, id int64) error {
	if err := s.repo.DeleteCustomer(ctx, id); err != nil {
		return err
	}
	s.record(ctx, "masterdata:customer_delete", "customer", id, nil)
	return nil
}

// Product operations
func (s *Service) ListProducts(ctx context.Context) ([]Product, error) {
	key, err := s.cache.BuildKey(ctx, "products")
	if err != nil {
		return s.repo.ListProducts(ctx)
	}
	var products []Product
	loader := func(ctx context.Context) (interface{}, error) {
		return s.repo.ListProducts(ctx)
	}
	if err := s.cache.FetchJSON(ctx, key, &products, loader); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	if id <= 0 {
		return Product{}, fmt.Errorf("%w %d", ErrProductNotFound, id)
	}
	return s.repo.GetProduct(ctx, id)
}

func (s *Service) CreateProduct(ctx context.Context, product Product) (Product, error) {
	product.Name = strings.TrimSpace(product.Name)
	product.Unit = "kg"
	if err := shared.ValidateStruct(product); err != nil {
		return Product{}, err
	}
	if product.StandardPrice != nil && product.StandardPrice.IsNegative() {
		return Product{}, fmt.Errorf("%w: standard_price must not be negative", shared.ErrValidation)
	}
	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return Product{}, err
	}
	s.invalidate(ctx)
	s.record(ctx, "masterdata:product_create", "product", created.ID, map[string]any{"name": created.Name, "category": created.Category})
	return created, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	s.record(ctx, "masterdata:product_delete", "product", id, nil)
	return nil
}

// Godown type operations
func (s *Service) ListGodownTypes(ctx context.Context) ([]GodownType, error) {
	key, err := s.cache.BuildKey(ctx, "godown-types")
	if err != nil {
		s.logger.Warn("masterdata cache key", slog.Any("error", err))
		return s.repo.ListGodownTypes(ctx)
	}
	var types []GodownType
	loader := func(ctx context.Context) (interface{}, error) {
		return s.repo.ListGodownTypes(ctx)
	}
	if err := s.cache.FetchJSON(ctx, key, &types, loader); err != nil {
		return nil, err
	}
	return types, nil
}

func (s *Service) GetGodownType(ctx context.Context, id int64) (GodownType, error) {
	if id <= 0 {
		return GodownType{}, fmt.Errorf("%w %d", ErrGodownTypeNotFound, id)
	}
	return s.repo.GetGodownType(ctx, id)
}

// CreateGodownType registers a godown type. Names are matched against quality
// categories without regard to case.
func (s *Service) CreateGodownType(ctx context.Context, gt GodownType) (GodownType, error) {
	gt.Name = CategoryName(gt.Name)
	if err := shared.ValidateStruct(gt); err != nil {
		return GodownType{}, err
	}
	created, err := s.repo.CreateGodownType(ctx, gt)
	if err != nil {
		return GodownType{}, err
	}
	s.invalidate(ctx)
	s.record(ctx, "masterdata:godown_type_create", "godown_type", created.ID, map[string]any{"name": created.Name})
	return created, nil
}

func (s *Service) DeleteGodownType(ctx context.Context, id int64) error {
	if err := s.repo.DeleteGodownType(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	s.record(ctx, "masterdata:godown_type_delete", "godown_type", id, nil)
	return nil
}

func (s *Service) invalidate(ctx context.Context) {
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("masterdata cache bump", slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, action, entity string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Actor:    shared.OperatorFromContext(ctx),
		Action:   action,
		Entity:   entity,
		EntityID: shared.EntityRef(id),
		Meta:     meta,
	})
}

func validateContact(update ContactUpdate) error {
	if update.Empty() {
		return fmt.Errorf("%w: nothing to update", shared.ErrValidation)
	}
	return shared.ValidateStruct(update)
}

func normaliseFilters(f ListFilters) ListFilters {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}
