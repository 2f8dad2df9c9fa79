package domain

import (
	"fmt"
	"strings"
)

// SortKey — атрибут, по которому сортируется коллекция.
type SortKey string

const (
	SortByProductName SortKey = "productName"
	SortByUnitPrice   SortKey = "unitPrice"
	SortByQuantity    SortKey = "quantity"
	SortByTotalPrice  SortKey = "totalPrice"
	SortByEntryID     SortKey = "entryId"
)

// Numeric сообщает, сравниваются ли значения ключа как числа.
func (k SortKey) Numeric() bool {
	switch k {
	case SortByUnitPrice, SortByQuantity, SortByTotalPrice:
		return true
	default:
		return false
	}
}

// SortDirection — направление сортировки.
type SortDirection string

const (
	SortAscending  SortDirection = "asc"
	SortDescending SortDirection = "desc"
)

// SortSpec хранится в каждой модели представления отдельно.
type SortSpec struct {
	Key       SortKey       `json:"key" yaml:"key"`
	Direction SortDirection `json:"direction" yaml:"direction"`
}

// DefaultSortSpec — по возрастанию названия товара.
func DefaultSortSpec() SortSpec {
	return SortSpec{Key: SortByProductName, Direction: SortAscending}
}

// Descending сообщает, что направление обратное.
func (s SortSpec) Descending() bool {
	return s.Direction == SortDescending
}

// String нужен для логов.
func (s SortSpec) String() string {
	return fmt.Sprintf("%s %s", s.Key, s.Direction)
}

// ParseSortSpec разбирает ключ и направление. Пустой ключ означает название товара,
// пустое направление означает возрастание. Неизвестный ключ допустим: его значения
// сравниваются как пустые строки.
func ParseSortSpec(key, direction string) (SortSpec, error) {
	spec := DefaultSortSpec()

	switch k := strings.TrimSpace(key); strings.ToLower(k) {
	case "":
	case "name", "productname", "product_name":
		spec.Key = SortByProductName
	case "price", "unitprice", "unit_price":
		spec.Key = SortByUnitPrice
	case "qty", "quantity":
		spec.Key = SortByQuantity
	case "total", "totalprice", "total_price":
		spec.Key = SortByTotalPrice
	case "entryid", "entry_id":
		spec.Key = SortByEntryID
	default:
		spec.Key = SortKey(k)
	}

	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "", "asc", "ascending":
		spec.Direction = SortAscending
	case "desc", "descending":
		spec.Direction = SortDescending
	default:
		return SortSpec{}, ErrInvalidSortDirection
	}

	return spec, nil
}
