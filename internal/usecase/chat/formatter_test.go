package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatResponse(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name, in, want string
	}{
		{"plain integer", "Tổng doanh thu là 1000000 đồng.", "Tổng doanh thu là 1.000.000 đồng."},
		{"decimal point becomes comma", "Tăng trưởng đạt 15.5%", "Tăng trưởng đạt 15,5%"},
		{"us mixed format", "Doanh thu: 12,345.6 đồng", "Doanh thu: 12.345,6 đồng"},
		{"already vietnamese", "Doanh thu: 12.345,6 đồng", "Doanh thu: 12.345,6 đồng"},
		{"grouped thousands stay", "khoảng 1.000.000 đơn", "khoảng 1.000.000 đơn"},
		{"comma grouping", "có 12,345 đơn hàng", "có 12.345 đơn hàng"},
		{"dot grouping stays", "có 12.345 đơn hàng", "có 12.345 đơn hàng"},
		{"short decimal", "trung bình 1.5 sản phẩm", "trung bình 1,5 sản phẩm"},
		{"small count untouched", "có 3 đơn hàng", "có 3 đơn hàng"},
		{"year untouched", "trong năm 2024", "trong năm 2024"},
		{"iso date untouched", "từ 2024-01-15 đến 2024-02-01", "từ 2024-01-15 đến 2024-02-01"},
		{"slash date untouched", "ngày 15/02/2024", "ngày 15/02/2024"},
		{"identifier untouched", "đơn ORD-12345 và mã SKU99", "đơn ORD-12345 và mã SKU99"},
		{"trailing period stays outside", "tổng cộng 25000.", "tổng cộng 25.000."},
		{"multiple numbers", "Shopee: 1500000, Lazada: 980000", "Shopee: 1.500.000, Lazada: 980.000"},
		{"empty", "", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, FormatResponse(tc.in))
		})
	}
}
