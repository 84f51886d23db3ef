package service

import (
	"github.com/egannguyen/order-saga/internal/entity"
	"github.com/shopspring/decimal"
)

type seedProduct struct {
	product entity.Product
	stock   int
}

var defaultCatalog = []seedProduct{
	{entity.Product{ID: "prod-001", SKU: "ELEC-HP-001", Name: "Wireless Noise-Cancelling Headphones", Description: "Premium over-ear headphones with active noise cancellation and 30-hour battery life.", Price: decimal.RequireFromString("349.99"), Category: "Electronics"}, 50},
	{entity.Product{ID: "prod-002", SKU: "ELEC-KB-002", Name: "Mechanical Keyboard RGB", Description: "Cherry MX switches with per-key RGB lighting and aluminum frame.", Price: decimal.RequireFromString("179.99"), Category: "Electronics"}, 120},
	{entity.Product{ID: "prod-003", SKU: "ELEC-MN-003", Name: "Ultrawide Curved Monitor 34\"", Description: "UWQHD 3440x1440 144Hz IPS panel with USB-C connectivity.", Price: decimal.RequireFromString("699.99"), Category: "Electronics"}, 30},
	{entity.Product{ID: "prod-004", SKU: "FURN-CH-004", Name: "Ergonomic Office Chair", Description: "Adjustable lumbar support, breathable mesh, and 4D armrests.", Price: decimal.RequireFromString("549.99"), Category: "Furniture"}, 25},
	{entity.Product{ID: "prod-005", SKU: "HOME-LP-005", Name: "Smart LED Desk Lamp", Description: "Adjustable color temperature, brightness levels, and USB charging port.", Price: decimal.RequireFromString("89.99"), Category: "Home"}, 200},
	{entity.Product{ID: "prod-006", SKU: "ACC-BP-006", Name: "Premium Laptop Backpack", Description: "Water-resistant 17\" laptop compartment with anti-theft design.", Price: decimal.RequireFromString("129.99"), Category: "Accessories"}, 80},
}

// DefaultCatalog returns the demo products and their starting stock.
func DefaultCatalog() ([]entity.Product, map[string]int) {
	products := make([]entity.Product, 0, len(defaultCatalog))
	stock := make(map[string]int, len(defaultCatalog))
	for _, s := range defaultCatalog {
		products = append(products, s.product)
		stock[s.product.ID] = s.stock
	}
	return products, stock
}
