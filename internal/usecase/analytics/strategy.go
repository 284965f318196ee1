// Package analytics computes aggregates over synced sheet rows.
//
// What an endpoint can do depends on the sheet type: an orders tab gets
// the full set (summary, time series, distribution, top, searchable
// listing) while a customers tab only supports counting. Each type's
// capabilities live in its strategy; the service stays generic.
package analytics

import (
	"fmt"

	"github.com/sellsight/sellsight/internal/domain"
)

// Strategy declares what one sheet type supports.
type Strategy struct {
	Type domain.SheetType

	Searchable []string
	Sortable   []string

	// DateField enables date-range filters and the time-series endpoint.
	DateField string

	DistributionFields []string
	TopFields          []string
	// TopMetric is the summed field ranking top groups; empty means count.
	TopMetric string
}

var strategies = map[domain.SheetType]Strategy{
	domain.SheetTypeOrders: {
		Type:               domain.SheetTypeOrders,
		Searchable:         []string{"order_id", "platform", "order_status", "customer_id"},
		Sortable:           []string{"order_id", "platform", "order_status", "order_date", "subtotal", "total_amount"},
		DateField:          "order_date",
		DistributionFields: []string{"platform", "order_status"},
		TopFields:          []string{"platform"},
		TopMetric:          "total_amount",
	},
	domain.SheetTypeOrderItems: {
		Type:       domain.SheetTypeOrderItems,
		Searchable: []string{"order_id", "product_name"},
		Sortable:   []string{"order_id", "product_name", "quantity", "line_total"},
		TopFields:  []string{"product_name"},
		TopMetric:  "quantity",
	},
	domain.SheetTypeCustomers: {
		Type:       domain.SheetTypeCustomers,
		Searchable: []string{"customer_id", "name"},
		Sortable:   []string{"customer_id", "name"},
	},
	domain.SheetTypeProducts: {
		Type:       domain.SheetTypeProducts,
		Searchable: []string{"product_id", "product_name"},
		Sortable:   []string{"product_id", "product_name"},
	},
}

// StrategyFor returns the capability set of a sheet type.
func StrategyFor(t domain.SheetType) Strategy {
	if s, ok := strategies[t]; ok {
		return s
	}
	return strategies[domain.SheetTypeOrders]
}

func (s Strategy) supportsTimeSeries() bool { return s.DateField != "" }

func (s Strategy) distributionField(field string) error {
	if contains(s.DistributionFields, field) {
		return nil
	}
	if len(s.DistributionFields) == 0 {
		return fmt.Errorf("sheet type %s has no distribution endpoint: %w", s.Type, domain.ErrFeatureUnsupported)
	}
	return fmt.Errorf("field %q: %w", field, domain.ErrFieldUnsupported)
}

func (s Strategy) topField(field string) error {
	if contains(s.TopFields, field) {
		return nil
	}
	if len(s.TopFields) == 0 {
		return fmt.Errorf("sheet type %s has no top endpoint: %w", s.Type, domain.ErrFeatureUnsupported)
	}
	return fmt.Errorf("field %q: %w", field, domain.ErrFieldUnsupported)
}

func (s Strategy) sortField(field string) error {
	if field == "" || contains(s.Sortable, field) {
		return nil
	}
	return fmt.Errorf("sort field %q: %w", field, domain.ErrFieldUnsupported)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
