package engine

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// sortValue — значение атрибута для сравнения. Отсутствующее значение
// сравнивается как пустая строка.
type sortValue struct {
	present bool
	numeric bool
	text    string
	num     decimal.Decimal
}

func textValue(s string) sortValue {
	return sortValue{present: true, text: s}
}

func numberValue(d decimal.Decimal) sortValue {
	return sortValue{present: true, numeric: true, num: d}
}

func (v sortValue) String() string {
	switch {
	case !v.present:
		return ""
	case v.numeric:
		return v.num.String()
	default:
		return v.text
	}
}

// compare: числа сравниваются численно, всё остальное побайтно.
func (v sortValue) compare(o sortValue) int {
	if v.numeric && o.numeric {
		return v.num.Cmp(o.num)
	}
	return strings.Compare(v.String(), o.String())
}

func entryValue(e domain.CatalogEntry, key domain.SortKey) sortValue {
	switch key {
	case domain.SortByProductName:
		return textValue(e.ProductName)
	case domain.SortByUnitPrice:
		return numberValue(e.UnitPrice)
	case domain.SortByEntryID:
		return textValue(e.EntryID)
	default:
		return sortValue{}
	}
}

func lineValue(l domain.OrderLine, key domain.SortKey) sortValue {
	switch key {
	case domain.SortByProductName:
		return textValue(l.ProductName)
	case domain.SortByUnitPrice:
		return numberValue(l.UnitPrice)
	case domain.SortByQuantity:
		return numberValue(decimal.NewFromInt(int64(l.Quantity)))
	case domain.SortByTotalPrice:
		return numberValue(l.TotalPrice())
	case domain.SortByEntryID:
		return textValue(l.EntryID)
	default:
		return sortValue{}
	}
}

// stableSort сортирует на месте. Убывание даёт точный разворот результата по возрастанию.
func stableSort[T any](items []T, value func(T) sortValue, descending bool) {
	slices.SortStableFunc(items, func(a, b T) int {
		return value(a).compare(value(b))
	})
	if descending {
		slices.Reverse(items)
	}
}

// PartitionAndSort делит позиции на заказанные и незаказанные, сортирует каждую
// группу по spec и возвращает заказанные перед незаказанными. Направление влияет
// только на порядок внутри группы.
func PartitionAndSort(entries []domain.CatalogEntry, orderedKeys domain.KeySet, spec domain.SortSpec) []domain.CatalogEntry {
	ordered := make([]domain.CatalogEntry, 0, len(orderedKeys))
	unordered := make([]domain.CatalogEntry, 0, len(entries))
	for _, entry := range entries {
		if orderedKeys.Has(entry.EntryID) {
			ordered = append(ordered, entry)
		} else {
			unordered = append(unordered, entry)
		}
	}

	value := func(e domain.CatalogEntry) sortValue { return entryValue(e, spec.Key) }
	stableSort(ordered, value, spec.Descending())
	stableSort(unordered, value, spec.Descending())

	return append(ordered, unordered...)
}

// SortLines возвращает отсортированную копию строк заказа.
func SortLines(lines []domain.OrderLine, spec domain.SortSpec) []domain.OrderLine {
	out := domain.CloneLines(lines)
	stableSort(out, func(l domain.OrderLine) sortValue { return lineValue(l, spec.Key) }, spec.Descending())
	return out
}
