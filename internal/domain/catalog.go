package domain

import "github.com/shopspring/decimal"

// CatalogEntry — товар с фиксированной ценой в рамках прайс-листа.
// Записи неизменяемы и заменяются целиком при обновлении каталога.
type CatalogEntry struct {
	EntryID     string          `json:"entry_id"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Validate проверяет обязательные поля позиции каталога.
func (e CatalogEntry) Validate() []error {
	var errs []error

	if e.EntryID == "" {
		errs = append(errs, ErrEntryIDRequired)
	}
	if e.UnitPrice.IsNegative() {
		errs = append(errs, ErrUnitPriceNegative)
	}

	return errs
}

// CloneEntries возвращает независимую копию списка позиций.
func CloneEntries(entries []CatalogEntry) []CatalogEntry {
	if entries == nil {
		return nil
	}
	out := make([]CatalogEntry, len(entries))
	copy(out, entries)
	return out
}

// FindEntry ищет позицию по EntryID.
func FindEntry(entries []CatalogEntry, entryID string) (CatalogEntry, bool) {
	for _, entry := range entries {
		if entry.EntryID == entryID {
			return entry, true
		}
	}
	return CatalogEntry{}, false
}
