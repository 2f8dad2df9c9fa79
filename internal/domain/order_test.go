package domain_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestOrderLineValidate(t *testing.T) {
	cases := []struct {
		name string
		line domain.OrderLine
		want error
	}{
		{name: "ok", line: domain.OrderLine{EntryID: "P1", Quantity: 1, UnitPrice: dec("10")}},
		{name: "no entry", line: domain.OrderLine{Quantity: 1, UnitPrice: dec("10")}, want: domain.ErrEntryIDRequired},
		{name: "zero quantity", line: domain.OrderLine{EntryID: "P1", UnitPrice: dec("10")}, want: domain.ErrQuantityInvalid},
		{name: "negative price", line: domain.OrderLine{EntryID: "P1", Quantity: 1, UnitPrice: dec("-1")}, want: domain.ErrUnitPriceNegative},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := tc.line.Validate()
			if tc.want == nil {
				if len(errs) != 0 {
					t.Fatalf("expected no errors, got %v", errs)
				}
				return
			}
			if len(errs) != 1 || !errors.Is(errs[0], tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, errs)
			}
		})
	}
}

func TestOrderLineTotalPrice(t *testing.T) {
	line := domain.OrderLine{EntryID: "P1", Quantity: 2, UnitPrice: dec("10")}
	if !line.TotalPrice().Equal(dec("20")) {
		t.Fatalf("expected total 20, got %s", line.TotalPrice())
	}
}

func TestOrderedKeysSkipsEmptyQuantity(t *testing.T) {
	keys := domain.OrderedKeys([]domain.OrderLine{
		{EntryID: "P1", Quantity: 1},
		{EntryID: "P2", Quantity: 0},
		{EntryID: "P3", Quantity: 4},
	})
	if !keys.Equal(domain.NewKeySet("P1", "P3")) {
		t.Fatalf("unexpected keys %v", keys.Sorted())
	}
}

func TestComputeTotals(t *testing.T) {
	totals := domain.ComputeTotals([]domain.OrderLine{
		{EntryID: "P1", Quantity: 2, UnitPrice: dec("10")},
		{EntryID: "P2", Quantity: 1, UnitPrice: dec("2.50")},
	})
	if totals.LineCount != 2 || totals.Quantity != 3 {
		t.Fatalf("unexpected totals %+v", totals)
	}
	if !totals.Amount.Equal(dec("22.5")) {
		t.Fatalf("expected amount 22.5, got %s", totals.Amount)
	}
}

func TestParseOrderStatus(t *testing.T) {
	if s, err := domain.ParseOrderStatus("ACTIVATED"); err != nil || s != domain.OrderStatusActivated {
		t.Fatalf("unexpected %q %v", s, err)
	}
	if s, err := domain.ParseOrderStatus(""); err != nil || s != domain.OrderStatusDraft {
		t.Fatalf("unexpected %q %v", s, err)
	}
	if _, err := domain.ParseOrderStatus("Cancelled"); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseSortSpec(t *testing.T) {
	spec, err := domain.ParseSortSpec("", "")
	if err != nil || spec != domain.DefaultSortSpec() {
		t.Fatalf("expected default spec, got %v %v", spec, err)
	}

	spec, err = domain.ParseSortSpec("price", "DESC")
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if spec.Key != domain.SortByUnitPrice || !spec.Descending() {
		t.Fatalf("unexpected spec %v", spec)
	}

	if _, err := domain.ParseSortSpec("name", "sideways"); !errors.Is(err, domain.ErrInvalidSortDirection) {
		t.Fatalf("expected direction error, got %v", err)
	}
}

func TestToOrderLine(t *testing.T) {
	rec := domain.LineRecord{
		ID:               "L1",
		PricebookEntryID: "P1",
		Product:          &domain.ProductRecord{ID: "prod-1", Name: "Widget"},
		Quantity:         2,
		UnitPrice:        decPtr("10"),
		TotalPrice:       decPtr("20.00"),
	}

	line, err := domain.ToOrderLine(rec)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if line.LineID != "L1" || line.EntryID != "P1" || line.ProductName != "Widget" || line.Quantity != 2 {
		t.Fatalf("unexpected line %+v", line)
	}

	rec.TotalPrice = decPtr("21")
	if _, err := domain.ToOrderLine(rec); !errors.Is(err, domain.ErrTotalMismatch) {
		t.Fatalf("expected total mismatch, got %v", err)
	}

	rec.TotalPrice = nil
	rec.UnitPrice = nil
	if _, err := domain.ToOrderLine(rec); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	rec.UnitPrice = decPtr("10")
	rec.Quantity = 0
	if _, err := domain.ToOrderLine(rec); !errors.Is(err, domain.ErrQuantityInvalid) {
		t.Fatalf("expected quantity error, got %v", err)
	}
}

func TestToCatalogEntryWithoutProduct(t *testing.T) {
	entry, err := domain.ToCatalogEntry(domain.EntryRecord{ID: "P9", UnitPrice: decPtr("3")})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if entry.ProductName != "" {
		t.Fatalf("expected empty name, got %q", entry.ProductName)
	}

	if _, err := domain.ToCatalogEntries([]domain.EntryRecord{{ID: "", UnitPrice: decPtr("1")}}); !errors.Is(err, domain.ErrEntryIDRequired) {
		t.Fatalf("expected entry id error, got %v", err)
	}
}

func TestCloneLinesIsIndependent(t *testing.T) {
	src := []domain.OrderLine{{EntryID: "P1", Quantity: 1}}
	clone := domain.CloneLines(src)
	clone[0].Quantity = 5
	if src[0].Quantity != 1 {
		t.Fatal("clone shares backing array with source")
	}
	if domain.CloneLines(nil) != nil {
		t.Fatal("clone of nil must stay nil")
	}
}
