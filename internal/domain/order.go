package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа. Переход Draft → Activated
// односторонний, Activated является конечным статусом.
type OrderStatus string

const (
	// OrderStatusDraft — заказ можно наполнять позициями.
	OrderStatusDraft OrderStatus = "Draft"
	// OrderStatusActivated — заказ активирован, изменения позиций запрещены.
	OrderStatusActivated OrderStatus = "Activated"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusDraft, OrderStatusActivated:
		return true
	default:
		return false
	}
}

// ParseOrderStatus разбирает код статуса без учёта регистра.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "draft":
		return OrderStatusDraft, nil
	case "activated":
		return OrderStatusActivated, nil
	default:
		return "", ErrInvalidStatus
	}
}

// Order — заголовок заказа. Создаётся внешней системой до того, как с ним
// начинают работать модели представления.
type Order struct {
	ID          string      `json:"order_id"`
	Status      OrderStatus `json:"status_code"`
	PriceListID string      `json:"price_list_id"`
}

// Activated сообщает, находится ли заказ в конечном статусе.
func (o Order) Activated() bool {
	return o.Status == OrderStatusActivated
}

// OrderLine — строка заказа. LineID пуст, пока строка не создана коллаборатором.
// UnitPrice фиксируется при создании и может расходиться с текущей ценой каталога.
type OrderLine struct {
	LineID      string          `json:"line_id,omitempty"`
	EntryID     string          `json:"entry_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Pending сообщает, что строка ещё не подтверждена коллаборатором.
func (l OrderLine) Pending() bool {
	return l.LineID == ""
}

// TotalPrice возвращает Quantity * UnitPrice.
func (l OrderLine) TotalPrice() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Validate проверяет инварианты строки и возвращает список нарушений.
func (l OrderLine) Validate() []error {
	var errs []error

	if l.EntryID == "" {
		errs = append(errs, ErrEntryIDRequired)
	}
	if l.Quantity < 1 {
		errs = append(errs, ErrQuantityInvalid)
	}
	if l.UnitPrice.IsNegative() {
		errs = append(errs, ErrUnitPriceNegative)
	}

	return errs
}

// CloneLines возвращает независимую копию коллекции строк.
func CloneLines(lines []OrderLine) []OrderLine {
	if lines == nil {
		return nil
	}
	out := make([]OrderLine, len(lines))
	copy(out, lines)
	return out
}

// OrderedKeys собирает множество EntryID со строками quantity >= 1.
func OrderedKeys(lines []OrderLine) KeySet {
	keys := make(KeySet, len(lines))
	for _, line := range lines {
		if line.Quantity >= 1 {
			keys.Add(line.EntryID)
		}
	}
	return keys
}

// Totals содержит производные итоги заказа.
type Totals struct {
	LineCount int             `json:"line_count"`
	Quantity  int             `json:"quantity"`
	Amount    decimal.Decimal `json:"amount"`
}

// ComputeTotals суммирует количество и стоимость по строкам.
func ComputeTotals(lines []OrderLine) Totals {
	totals := Totals{Amount: decimal.Zero}
	for _, line := range lines {
		totals.LineCount++
		totals.Quantity += line.Quantity
		totals.Amount = totals.Amount.Add(line.TotalPrice())
	}
	return totals
}
