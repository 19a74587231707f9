package schema

import (
	"strings"
	"unicode"
)

const (
	DomainProfitability = "profitability"
	DomainSales         = "sales"
	DomainFinance       = "finance"
	DomainInventory     = "inventory"
	DomainCustomer      = "customer"
	DomainProduct       = "product"
	DomainProcurement   = "procurement"
)

// knownTables classifies the warehouse's curated tables.
var knownTables = map[string]string{
	"dataset_25m_table":          DomainProfitability,
	"copa_actuals":               DomainProfitability,
	"sales_order_cockpit_export": DomainSales,
	"sales_orders":               DomainSales,
	"billing_documents":          DomainSales,
	"gl_line_items":              DomainFinance,
	"gl_accounts":                DomainFinance,
	"inventory_snapshot":         DomainInventory,
	"stock_movements":            DomainInventory,
	"customer_master":            DomainCustomer,
	"material_master":            DomainProduct,
	"purchase_orders":            DomainProcurement,
}

// nameHints classify tables outside knownTables by substrings of their name.
var nameHints = []struct {
	substr string
	domain string
}{
	{"copa", DomainProfitability},
	{"margin", DomainProfitability},
	{"sales", DomainSales},
	{"billing", DomainSales},
	{"order", DomainSales},
	{"gl_", DomainFinance},
	{"ledger", DomainFinance},
	{"inventory", DomainInventory},
	{"stock", DomainInventory},
	{"customer", DomainCustomer},
	{"material", DomainProduct},
	{"product", DomainProduct},
	{"purchase", DomainProcurement},
	{"vendor", DomainProcurement},
}

// DomainOf classifies a table name into a business domain, or "" when
// nothing matches.
func DomainOf(table string) string {
	name := strings.ToLower(table)
	if d, ok := knownTables[name]; ok {
		return d
	}
	for _, h := range nameHints {
		if strings.Contains(name, h.substr) {
			return h.domain
		}
	}
	return ""
}

// domainKeywords are words in a question that point at a domain.
var domainKeywords = map[string][]string{
	DomainProfitability: {"margin", "profit", "profitability", "copa", "cogs"},
	DomainSales:         {"order", "orders", "delivery", "shipment", "billing", "invoice"},
	DomainFinance:       {"gl", "ledger", "account", "accounts", "ebitda", "expense"},
	DomainInventory:     {"inventory", "stock", "warehouse stock", "on hand"},
	DomainCustomer:      {"customer", "customers", "distributor", "distributors", "client"},
	DomainProduct:       {"product", "products", "material", "sku"},
	DomainProcurement:   {"vendor", "supplier", "purchase", "procurement"},
}

// QuestionDomains returns the set of domains a question mentions.
func QuestionDomains(question string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	q := " " + strings.Join(words, " ") + " "
	out := make(map[string]bool)
	for domain, words := range domainKeywords {
		for _, w := range words {
			if strings.Contains(q, " "+w+" ") {
				out[domain] = true
				break
			}
		}
	}
	return out
}
