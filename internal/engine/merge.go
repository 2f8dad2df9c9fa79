// Package engine содержит чистые функции синхронизации корзины: слияние выбора
// товара со строками заказа и разбиение/сортировку коллекций для отображения.
// Функции не имеют состояния и не изменяют входные срезы.
package engine

import (
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// MergeOp — результат слияния: создание новой строки или увеличение количества.
type MergeOp int

const (
	MergeOpCreated MergeOp = iota + 1
	MergeOpIncremented
)

func (op MergeOp) String() string {
	switch op {
	case MergeOpCreated:
		return "created"
	case MergeOpIncremented:
		return "incremented"
	default:
		return "unknown"
	}
}

// Selection описывает выбор товара в каталоге.
type Selection struct {
	EntryID     string
	ProductName string
	UnitPrice   decimal.Decimal
}

// Validate отклоняет выбор до обращения к коллаборатору.
func (s Selection) Validate() error {
	if s.EntryID == "" {
		return domain.ErrEntryIDRequired
	}
	if s.UnitPrice.IsNegative() {
		return domain.ErrUnitPriceNegative
	}
	return nil
}

// MergeSelection добавляет один выбор к строкам заказа.
func MergeSelection(lines []domain.OrderLine, sel Selection) ([]domain.OrderLine, MergeOp, error) {
	return MergeQuantity(lines, sel, 1)
}

// MergeQuantity добавляет count единиц выбранной позиции: увеличивает количество
// существующей строки (цена не меняется) или добавляет новую строку без LineID.
// Используется для накопленных выборов одной позиции.
func MergeQuantity(lines []domain.OrderLine, sel Selection, count int) ([]domain.OrderLine, MergeOp, error) {
	if err := sel.Validate(); err != nil {
		return nil, 0, err
	}
	if count < 1 {
		return nil, 0, domain.ErrQuantityInvalid
	}

	out := make([]domain.OrderLine, len(lines), len(lines)+1)
	copy(out, lines)

	if idx := IndexOfEntry(out, sel.EntryID); idx >= 0 {
		out[idx].Quantity += count
		return out, MergeOpIncremented, nil
	}

	out = append(out, domain.OrderLine{
		EntryID:     sel.EntryID,
		ProductName: sel.ProductName,
		Quantity:    count,
		UnitPrice:   sel.UnitPrice,
	})
	return out, MergeOpCreated, nil
}

// IndexOfEntry возвращает индекс строки с данным EntryID или -1.
func IndexOfEntry(lines []domain.OrderLine, entryID string) int {
	for i := range lines {
		if lines[i].EntryID == entryID {
			return i
		}
	}
	return -1
}

// ReplaceLine возвращает копию строк, где строка с тем же EntryID заменена
// подтверждённой версией. Если такой строки нет, подтверждённая добавляется в конец.
func ReplaceLine(lines []domain.OrderLine, confirmed domain.OrderLine) []domain.OrderLine {
	out := make([]domain.OrderLine, len(lines), len(lines)+1)
	copy(out, lines)

	if idx := IndexOfEntry(out, confirmed.EntryID); idx >= 0 {
		out[idx] = confirmed
		return out
	}
	return append(out, confirmed)
}
