package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ProductRecord — вложенная запись товара в ответе хранилища.
type ProductRecord struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// EntryRecord — позиция прайс-листа в том виде, в каком её отдаёт хранилище.
type EntryRecord struct {
	ID        string           `json:"Id"`
	Product   *ProductRecord   `json:"Product2,omitempty"`
	UnitPrice *decimal.Decimal `json:"UnitPrice,omitempty"`
}

// LineRecord описывает строку заказа в том виде, в каком её отдаёт хранилище.
type LineRecord struct {
	ID               string           `json:"Id"`
	PricebookEntryID string           `json:"PricebookEntryId"`
	Product          *ProductRecord   `json:"Product2,omitempty"`
	Quantity         int              `json:"Quantity"`
	UnitPrice        *decimal.Decimal `json:"UnitPrice,omitempty"`
	TotalPrice       *decimal.Decimal `json:"TotalPrice,omitempty"`
}

// ToCatalogEntry переводит запись хранилища в CatalogEntry.
// Отсутствующее имя товара становится пустой строкой, отсутствующая цена приводит к ошибке.
func ToCatalogEntry(rec EntryRecord) (CatalogEntry, error) {
	entry := CatalogEntry{EntryID: rec.ID}
	if rec.Product != nil {
		entry.ProductName = rec.Product.Name
	}
	if rec.UnitPrice == nil {
		return CatalogEntry{}, fmt.Errorf("entry %q: %w: unit_price is missing", rec.ID, ErrValidation)
	}
	entry.UnitPrice = *rec.UnitPrice

	if errs := entry.Validate(); len(errs) > 0 {
		return CatalogEntry{}, fmt.Errorf("entry %q: %w", rec.ID, errs[0])
	}
	return entry, nil
}

// ToOrderLine переводит запись хранилища в OrderLine. TotalPrice, если пришёл,
// обязан совпадать с Quantity * UnitPrice.
func ToOrderLine(rec LineRecord) (OrderLine, error) {
	line := OrderLine{
		LineID:   rec.ID,
		EntryID:  rec.PricebookEntryID,
		Quantity: rec.Quantity,
	}
	if rec.Product != nil {
		line.ProductName = rec.Product.Name
	}
	if rec.UnitPrice == nil {
		return OrderLine{}, fmt.Errorf("line %q: %w: unit_price is missing", rec.ID, ErrValidation)
	}
	line.UnitPrice = *rec.UnitPrice

	if errs := line.Validate(); len(errs) > 0 {
		return OrderLine{}, fmt.Errorf("line %q: %w", rec.ID, errs[0])
	}
	if rec.TotalPrice != nil && !rec.TotalPrice.Equal(line.TotalPrice()) {
		return OrderLine{}, fmt.Errorf("line %q: %w", rec.ID, ErrTotalMismatch)
	}
	return line, nil
}

// ToOrderLines переводит набор записей, останавливаясь на первой ошибке.
func ToOrderLines(recs []LineRecord) ([]OrderLine, error) {
	lines := make([]OrderLine, 0, len(recs))
	for _, rec := range recs {
		line, err := ToOrderLine(rec)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// ToCatalogEntries переводит набор записей прайс-листа.
func ToCatalogEntries(recs []EntryRecord) ([]CatalogEntry, error) {
	entries := make([]CatalogEntry, 0, len(recs))
	for _, rec := range recs {
		entry, err := ToCatalogEntry(rec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
