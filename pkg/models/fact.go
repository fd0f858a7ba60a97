package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FactInput is a staged order line referencing dimensions by natural key
type FactInput struct {
	OrderID            string          `json:"order_id" db:"order_id"`
	LineID             string          `json:"line_id" db:"line_id"`
	BusinessDate       time.Time       `json:"business_date" db:"order_date"`
	ShipDate           *time.Time      `json:"ship_date,omitempty" db:"ship_date"`
	CustomerNaturalKey string          `json:"customer_key" db:"customer_key"`
	ProductNaturalKey  string          `json:"product_key" db:"product_key"`
	CountryNaturalKey  string          `json:"country_key" db:"country_key"`
	Quantity           decimal.Decimal `json:"quantity" db:"quantity"`
	Sales              decimal.Decimal `json:"sales" db:"sales"`
	Discount           decimal.Decimal `json:"discount" db:"discount"`
	Profit             decimal.Decimal `json:"profit" db:"profit"`
	ShipMode           string          `json:"ship_mode" db:"ship_mode"`
}

// FactOrderLine is a fact row bound to the dimension versions in effect on the business date
type FactOrderLine struct {
	OrderID      string          `json:"order_id" db:"order_id"`
	LineID       string          `json:"line_id" db:"line_id"`
	BusinessDate time.Time       `json:"business_date" db:"business_date"`
	OrderDateKey int             `json:"order_date_key" db:"order_date_key"`
	ShipDateKey  *int            `json:"ship_date_key,omitempty" db:"ship_date_key"`
	CustomerSK   int64           `json:"customer_sk" db:"customer_sk"`
	ProductSK    int64           `json:"product_sk" db:"product_sk"`
	CountrySK    int64           `json:"country_sk" db:"country_sk"`
	CustomerVer  int64           `json:"customer_version_id" db:"customer_version_id"`
	ProductVer   int64           `json:"product_version_id" db:"product_version_id"`
	CountryVer   int64           `json:"country_version_id" db:"country_version_id"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	Sales        decimal.Decimal `json:"sales" db:"sales"`
	Discount     decimal.Decimal `json:"discount" db:"discount"`
	Profit       decimal.Decimal `json:"profit" db:"profit"`
	ShipMode     string          `json:"ship_mode" db:"ship_mode"`
	Backfilled   bool            `json:"backfilled" db:"backfilled"`
	BatchID      string          `json:"batch_id" db:"batch_id"`
	LoadedAt     time.Time       `json:"loaded_at" db:"loaded_at"`
}
