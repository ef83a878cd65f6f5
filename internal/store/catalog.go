package store

import (
	"context"
	"fmt"

	"inventory-ledger/internal/models"

	"github.com/jmoiron/sqlx"
)

// Catalog reads product and warehouse reference data from the
// products and warehouses tables
type Catalog struct {
	store *Store
}

// NewCatalog creates a catalog backed by s
func NewCatalog(s *Store) *Catalog {
	return &Catalog{store: s}
}

// Product retrieves a product by ID
func (c *Catalog) Product(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := c.store.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if isNoRows(err) {
		return nil, &models.NotFoundError{Kind: "product", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// Warehouse retrieves a warehouse by ID
func (c *Catalog) Warehouse(ctx context.Context, id string) (*models.Warehouse, error) {
	var warehouse models.Warehouse
	err := c.store.db.GetContext(ctx, &warehouse, "SELECT * FROM warehouses WHERE id = $1", id)
	if isNoRows(err) {
		return nil, &models.NotFoundError{Kind: "warehouse", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &warehouse, nil
}

// Warehouses retrieves the warehouses of region, or all of them
func (c *Catalog) Warehouses(ctx context.Context, region string) ([]models.Warehouse, error) {
	warehouses := []models.Warehouse{}
	err := c.store.db.SelectContext(ctx, &warehouses,
		"SELECT * FROM warehouses WHERE ($1::text = '' OR region = $1) ORDER BY id", region)
	return warehouses, err
}

// UpsertProduct inserts or replaces a product
func (c *Catalog) UpsertProduct(ctx context.Context, p models.Product) error {
	_, err := sqlx.NamedExecContext(ctx, c.store.conn(ctx), `
		INSERT INTO products (id, code, name, category, unit_price, currency)
		VALUES (:id, :code, :name, :category, :unit_price, :currency)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code, name = EXCLUDED.name, category = EXCLUDED.category,
			unit_price = EXCLUDED.unit_price, currency = EXCLUDED.currency`,
		p)
	return err
}

// UpsertWarehouse inserts or replaces a warehouse
func (c *Catalog) UpsertWarehouse(ctx context.Context, w models.Warehouse) error {
	_, err := sqlx.NamedExecContext(ctx, c.store.conn(ctx), `
		INSERT INTO warehouses (id, region, name)
		VALUES (:id, :region, :name)
		ON CONFLICT (id) DO UPDATE SET region = EXCLUDED.region, name = EXCLUDED.name`,
		w)
	return err
}

// Seed upserts the given reference data in one transaction
func (c *Catalog) Seed(ctx context.Context, products []models.Product, warehouses []models.Warehouse) error {
	return c.store.inTx(ctx, func(ctx context.Context, _ *sqlx.Tx) error {
		for _, p := range products {
			if err := c.UpsertProduct(ctx, p); err != nil {
				return fmt.Errorf("failed to seed product %s: %w", p.ID, err)
			}
		}
		for _, w := range warehouses {
			if err := c.UpsertWarehouse(ctx, w); err != nil {
				return fmt.Errorf("failed to seed warehouse %s: %w", w.ID, err)
			}
		}
		return nil
	})
}
