package masterdata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flourmill/flourmill/internal/platform/db"
)

// PgRepository implements Repository on PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a master data repository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func notFound(err error, kind error, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w %d", kind, id)
	}
	return err
}

func deleteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%w: %s", ErrInUse, pgErr.ConstraintName)
	}
	return db.MapError(err)
}

func searchPattern(search string) string {
	if search == "" {
		return ""
	}
	return "%" + strings.ToLower(search) + "%"
}

const supplierColumns = `id, company_name, contact_person, phone, address, city, state, postal_code, created_at`

func scanSupplier(row pgx.Row) (Supplier, error) {
	var s Supplier
	err := row.Scan(&s.ID, &s.CompanyName, &s.ContactPerson, &s.Phone, &s.Address, &s.City, &s.State, &s.PostalCode, &s.CreatedAt)
	return s, err
}

func (r *PgRepository) ListSuppliers(ctx context.Context, filters ListFilters) ([]Supplier, int, error) {
	pattern := searchPattern(filters.Search)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM suppliers WHERE ($1 = '' OR LOWER(company_name) LIKE $1)`, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+supplierColumns+` FROM suppliers
		WHERE ($1 = '' OR LOWER(company_name) LIKE $1)
		ORDER BY company_name
		LIMIT $2 OFFSET $3`, pattern, filters.Limit, (filters.Page-1)*filters.Limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Supplier
	for rows.Next() {
		s, err := scanSupplier(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (r *PgRepository) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	s, err := scanSupplier(r.pool.QueryRow(ctx, `SELECT `+supplierColumns+` FROM suppliers WHERE id = $1`, id))
	if err != nil {
		return Supplier{}, notFound(err, ErrSupplierNotFound, id)
	}
	return s, nil
}

func (r *PgRepository) CreateSupplier(ctx context.Context, s Supplier) (Supplier, error) {
	created, err := scanSupplier(r.pool.QueryRow(ctx, `
		INSERT INTO suppliers (company_name, contact_person, phone, address, city, state, postal_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+supplierColumns,
		s.CompanyName, s.ContactPerson, s.Phone, s.Address, s.City, s.State, s.PostalCode))
	if err != nil {
		return Supplier{}, db.MapError(err)
	}
	return created, nil
}

func (r *PgRepository) UpdateSupplierContact(ctx context.Context, id int64, u ContactUpdate) (Supplier, error) {
	s, err := scanSupplier(r.pool.QueryRow(ctx, `
		UPDATE suppliers
		SET contact_person = COALESCE($2, contact_person),
		    phone = COALESCE($3, phone),
		    address = COALESCE($4, address)
		WHERE id = $1
		RETURNING `+supplierColumns, id, u.ContactPerson, u.Phone, u.Address))
	if err != nil {
		return Supplier{}, notFound(err, ErrSupplierNotFound, id)
	}
	return s, nil
}

func (r *PgRepository) DeleteSupplier(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM suppliers WHERE id = $1`, id)
	if err != nil {
		return deleteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w %d", ErrSupplierNotFound, id)
	}
	return nil
}

const customerColumns = `id, company_name, contact_person, phone, email, address, city, state, postal_code, created_at`

func scanCustomer(row pgx.Row) (Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.CompanyName, &c.ContactPerson, &c.Phone, &c.Email, &c.Address, &c.City, &c.State, &c.PostalCode, &c.CreatedAt)
	return c, err
}

func (r *PgRepository) ListCustomers(ctx context.Context, filters ListFilters) ([]Customer, int, error) {
	pattern := searchPattern(filters.Search)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM customers WHERE ($1 = '' OR LOWER(company_name) LIKE $1)`, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+customerColumns+` FROM customers
		WHERE ($1 = '' OR LOWER(company_name) LIKE $1)
		ORDER BY company_name
		LIMIT $2 OFFSET $3`, pattern, filters.Limit, (filters.Page-1)*filters.Limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (r *PgRepository) GetCustomer(ctx context.Context, id int64) (Customer, error) {
	c, err := scanCustomer(r.pool.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
	if err != nil {
		return Customer{}, notFound(err, ErrCustomerNotFound, id)
	}
	return c, nil
}

func (r *PgRepository) CreateCustomer(ctx context.Context, c Customer) (Customer, error) {
	created, err := scanCustomer(r.pool.QueryRow(ctx, `
		INSERT INTO customers (company_name, contact_person, phone, email, address, city, state, postal_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+customerColumns,
		c.CompanyName, c.ContactPerson, c.Phone, c.Email, c.Address, c.City, c.State, c.PostalCode))
	if err != nil {
		return Customer{}, db.MapError(err)
	}
	return created, nil
}

func (r *PgRepository) UpdateCustomerContact(ctx context.Context, id int64, u ContactUpdate) (Customer, error) {
	c, err := scanCustomer(r.pool.QueryRow(ctx, `
		UPDATE customers
		SET contact_person = COALESCE($2, contact_person),
		    phone = COALESCE($3, phone),
		    address = COALESCE($4, address)
		WHERE id = $1
		RETURNING `+customerColumns, id, u.ContactPerson, u.Phone, u.Address))
	if err != nil {
		return Customer{}, notFound(err, ErrCustomerNotFound, id)
	}
	return c, nil
}

func (r *PgRepository) DeleteCustomer(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM customers WHERE id = $1`, id)
	if err != nil {
		return deleteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w %d", ErrCustomerNotFound, id)
	}
	return nil
}

const productColumns = `id, name, category, unit, standard_price, description, created_at`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	var category string
	err := row.Scan(&p.ID, &p.Name, &category, &p.Unit, &p.StandardPrice, &p.Description, &p.CreatedAt)
	p.Category = ProductCategory(category)
	return p, err
}

func (r *PgRepository) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PgRepository) GetProduct(ctx context.Context, id int64) (Product, error) {
	p, err := scanProduct(r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		return Product{}, notFound(err, ErrProductNotFound, id)
	}
	return p, nil
}

func (r *PgRepository) CreateProduct(ctx context.Context, p Product) (Product, error) {
	created, err := scanProduct(r.pool.QueryRow(ctx, `
		INSERT INTO products (name, category, unit, standard_price, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+productColumns,
		p.Name, string(p.Category), p.Unit, p.StandardPrice, p.Description))
	if err != nil {
		return Product{}, db.MapError(err)
	}
	return created, nil
}

func (r *PgRepository) DeleteProduct(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return deleteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w %d", ErrProductNotFound, id)
	}
	return nil
}

func scanGodownType(row pgx.Row) (GodownType, error) {
	var g GodownType
	err := row.Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt)
	return g, err
}

func (r *PgRepository) ListGodownTypes(ctx context.Context) ([]GodownType, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, description, created_at FROM godown_types ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GodownType
	for rows.Next() {
		g, err := scanGodownType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *PgRepository) GetGodownType(ctx context.Context, id int64) (GodownType, error) {
	g, err := scanGodownType(r.pool.QueryRow(ctx, `SELECT id, name, description, created_at FROM godown_types WHERE id = $1`, id))
	if err != nil {
		return GodownType{}, notFound(err, ErrGodownTypeNotFound, id)
	}
	return g, nil
}

func (r *PgRepository) CreateGodownType(ctx context.Context, g GodownType) (GodownType, error) {
	created, err := scanGodownType(r.pool.QueryRow(ctx, `
		INSERT INTO godown_types (name, description) VALUES ($1, $2)
		RETURNING id, name, description, created_at`, g.Name, g.Description))
	if err != nil {
		return GodownType{}, db.MapError(err)
	}
	return created, nil
}

func (r *PgRepository) DeleteGodownType(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM godown_types WHERE id = $1`, id)
	if err != nil {
		return deleteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w %d", ErrGodownTypeNotFound, id)
	}
	return nil
}
