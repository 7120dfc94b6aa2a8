package billing

import "sort"

// ProductType distinguishes base plans from add-ons.
type ProductType string

const (
	ProductBasePlan ProductType = "BASE_PLAN"
	ProductAddon    ProductType = "ADDON"
)

// Product is a catalog entry that subscription items point at. Prices are in
// minor currency units.
type Product struct {
	Code                 string      `json:"code" yaml:"code"`
	Name                 string      `json:"name" yaml:"name"`
	Type                 ProductType `json:"type" yaml:"type"`
	IncludedModules      []string    `json:"included_modules,omitempty" yaml:"includedModules"`
	EnablesModule        string      `json:"enables_module,omitempty" yaml:"enablesModule"`
	PriceMonthly         int64       `json:"price_monthly" yaml:"priceMonthly"`
	PriceYearly          int64       `json:"price_yearly" yaml:"priceYearly"`
	TrialDays            int         `json:"trial_days" yaml:"trialDays"`
	StripePriceMonthlyID string      `json:"stripe_price_monthly_id,omitempty" yaml:"stripePriceMonthlyID"`
	StripePriceYearlyID  string      `json:"stripe_price_yearly_id,omitempty" yaml:"stripePriceYearlyID"`
	StripeProductID      string      `json:"stripe_product_id,omitempty" yaml:"stripeProductID"`
	MaxUsers             int         `json:"max_users" yaml:"maxUsers"`         // 0 = none granted
	MaxStores            int         `json:"max_stores" yaml:"maxStores"`       // 0 = none granted
	MaxTerminals         int         `json:"max_terminals" yaml:"maxTerminals"` // 0 = none granted
}

// Grants returns the modules this product unlocks.
func (p *Product) Grants() []string {
	mods := append([]string(nil), p.IncludedModules...)
	if p.EnablesModule != "" {
		mods = append(mods, p.EnablesModule)
	}
	return mods
}

// MatchesPrice reports whether an external price or product id refers to p.
func (p *Product) MatchesPrice(priceID, productID string) bool {
	if priceID != "" && (priceID == p.StripePriceMonthlyID || priceID == p.StripePriceYearlyID) {
		return true
	}
	return productID != "" && productID == p.StripeProductID
}

// Predefined catalog. Deployments override external ids through config.
var (
	ProductStarter = Product{
		Code:            "starter",
		Name:            "Starter",
		Type:            ProductBasePlan,
		IncludedModules: []string{"pos", "inventory"},
		PriceMonthly:    2900,
		PriceYearly:     29000,
		TrialDays:       14,
		MaxUsers:        3,
		MaxStores:       1,
		MaxTerminals:    2,
	}

	ProductBusiness = Product{
		Code:            "business",
		Name:            "Business",
		Type:            ProductBasePlan,
		IncludedModules: []string{"pos", "inventory", "crm", "accounting"},
		PriceMonthly:    7900,
		PriceYearly:     79000,
		TrialDays:       14,
		MaxUsers:        15,
		MaxStores:       5,
		MaxTerminals:    10,
	}

	ProductOCR = Product{
		Code:          "addon-ocr",
		Name:          "Document OCR",
		Type:          ProductAddon,
		EnablesModule: "ocr",
		PriceMonthly:  900,
		PriceYearly:   9000,
	}

	ProductExtraTerminal = Product{
		Code:         "addon-terminal",
		Name:         "Extra Terminal",
		Type:         ProductAddon,
		PriceMonthly: 500,
		PriceYearly:  5000,
		MaxTerminals: 1,
	}

	// DefaultCatalog is the ordered list of products seeded on startup.
	DefaultCatalog = []Product{ProductStarter, ProductBusiness, ProductOCR, ProductExtraTerminal}
)

// ProductByCode looks up a product in catalog. Returns nil if not found.
func ProductByCode(catalog []Product, code string) *Product {
	for i := range catalog {
		if catalog[i].Code == code {
			p := catalog[i]
			return &p
		}
	}
	return nil
}

// ResolveProduct finds the catalog product for an external line item. Price
// ids win over product ids. Returns nil if nothing matches.
func ResolveProduct(catalog []Product, priceID, productID string) *Product {
	for i := range catalog {
		if priceID != "" && catalog[i].MatchesPrice(priceID, "") {
			p := catalog[i]
			return &p
		}
	}
	for i := range catalog {
		if catalog[i].MatchesPrice("", productID) {
			p := catalog[i]
			return &p
		}
	}
	return nil
}

// NormalizeModules sorts and de-duplicates a module set, dropping blanks.
func NormalizeModules(mods []string) []string {
	seen := make(map[string]struct{}, len(mods))
	out := make([]string, 0, len(mods))
	for _, m := range mods {
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
