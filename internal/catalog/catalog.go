// Package catalog resolves the product and warehouse reference data owned by
// the catalog and organisation collaborators.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"inventory-ledger/internal/models"
)

// Catalog answers existence and region membership questions.
type Catalog interface {
	Product(ctx context.Context, id string) (*models.Product, error)
	Warehouse(ctx context.Context, id string) (*models.Warehouse, error)
	// Warehouses returns the warehouses of region, or all of them when region is empty.
	Warehouses(ctx context.Context, region string) ([]models.Warehouse, error)
}

// Memory is a static catalog held in process. It is read-only after construction.
type Memory struct {
	products   map[string]models.Product
	warehouses map[string]models.Warehouse
}

// NewMemory creates a catalog from the given reference data
func NewMemory(products []models.Product, warehouses []models.Warehouse) *Memory {
	m := &Memory{
		products:   make(map[string]models.Product, len(products)),
		warehouses: make(map[string]models.Warehouse, len(warehouses)),
	}
	for _, p := range products {
		m.products[p.ID] = p
	}
	for _, w := range warehouses {
		m.warehouses[w.ID] = w
	}
	return m
}

type fileContents struct {
	Products   []models.Product   `json:"products"`
	Warehouses []models.Warehouse `json:"warehouses"`
}

// ReadFile parses a JSON document with "products" and "warehouses" arrays
func ReadFile(path string) ([]models.Product, []models.Warehouse, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var contents fileContents
	if err := json.Unmarshal(raw, &contents); err != nil {
		return nil, nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	return contents.Products, contents.Warehouses, nil
}

// LoadFile builds an in-process catalog from a catalog file
func LoadFile(path string) (*Memory, error) {
	products, warehouses, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewMemory(products, warehouses), nil
}

func (m *Memory) Product(ctx context.Context, id string) (*models.Product, error) {
	p, ok := m.products[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "product", ID: id}
	}
	return &p, nil
}

func (m *Memory) Warehouse(ctx context.Context, id string) (*models.Warehouse, error) {
	w, ok := m.warehouses[id]
	if !ok {
		return nil, &models.NotFoundError{Kind: "warehouse", ID: id}
	}
	return &w, nil
}

func (m *Memory) Warehouses(ctx context.Context, region string) ([]models.Warehouse, error) {
	out := make([]models.Warehouse, 0, len(m.warehouses))
	for _, w := range m.warehouses {
		if region == "" || w.Region == region {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
