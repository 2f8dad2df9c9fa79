package memory

import (
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// Seed описывает начальные данные in-memory коллаборатора в YAML.
//
//	priceLists:
//	  - id: standard
//	    entries:
//	      - entryId: P1
//	        productName: Widget
//	        unitPrice: "10.00"
//	orders:
//	  - orderId: order-1
//	    status: Draft
//	    priceListId: standard
//	    lines:
//	      - entryId: P1
//	        quantity: 1
type Seed struct {
	PriceLists []SeedPriceList `yaml:"priceLists"`
	Orders     []SeedOrder     `yaml:"orders"`
}

// SeedPriceList описывает прайс-лист в seed-файле.
type SeedPriceList struct {
	ID      string      `yaml:"id"`
	Entries []SeedEntry `yaml:"entries"`
}

// SeedEntry — позиция прайс-листа. Цена задаётся строкой, чтобы не терять точность.
type SeedEntry struct {
	EntryID     string `yaml:"entryId"`
	ProductName string `yaml:"productName"`
	UnitPrice   string `yaml:"unitPrice"`
}

// SeedOrder описывает заказ в seed-файле.
type SeedOrder struct {
	OrderID     string     `yaml:"orderId"`
	Status      string     `yaml:"status"`
	PriceListID string     `yaml:"priceListId"`
	Lines       []SeedLine `yaml:"lines"`
}

// SeedLine — строка заказа. Пустая цена берётся из прайс-листа.
type SeedLine struct {
	LineID    string `yaml:"lineId"`
	EntryID   string `yaml:"entryId"`
	Quantity  int    `yaml:"quantity"`
	UnitPrice string `yaml:"unitPrice"`
}

// ParseSeed читает seed из YAML.
func ParseSeed(r io.Reader) (Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && err != io.EOF {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	return seed, nil
}

// LoadSeedFile читает seed из файла.
func LoadSeedFile(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return ParseSeed(f)
}

// SeedTarget принимает данные seed-файла.
type SeedTarget interface {
	PutPriceList(priceListID string, entries ...domain.CatalogEntry) error
	PutOrder(order domain.Order, lines ...domain.OrderLine) error
}

// Apply загружает seed в хранилище. Прайс-листы загружаются раньше заказов.
func (s Seed) Apply(c SeedTarget) error {
	for _, pl := range s.PriceLists {
		entries := make([]domain.CatalogEntry, 0, len(pl.Entries))
		for _, e := range pl.Entries {
			price, err := parsePrice(e.UnitPrice)
			if err != nil {
				return fmt.Errorf("price list %q entry %q: %w", pl.ID, e.EntryID, err)
			}
			entries = append(entries, domain.CatalogEntry{
				EntryID:     e.EntryID,
				ProductName: e.ProductName,
				UnitPrice:   price,
			})
		}
		if err := c.PutPriceList(pl.ID, entries...); err != nil {
			return err
		}
	}

	for _, o := range s.Orders {
		status, err := domain.ParseOrderStatus(o.Status)
		if err != nil {
			return fmt.Errorf("order %q: %w", o.OrderID, err)
		}
		lines := make([]domain.OrderLine, 0, len(o.Lines))
		for _, l := range o.Lines {
			price, err := parsePrice(l.UnitPrice)
			if err != nil {
				return fmt.Errorf("order %q entry %q: %w", o.OrderID, l.EntryID, err)
			}
			lines = append(lines, domain.OrderLine{
				LineID:    l.LineID,
				EntryID:   l.EntryID,
				Quantity:  l.Quantity,
				UnitPrice: price,
			})
		}
		order := domain.Order{ID: o.OrderID, Status: status, PriceListID: o.PriceListID}
		if err := c.PutOrder(order, lines...); err != nil {
			return err
		}
	}
	return nil
}

func parsePrice(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: unit_price %q is not a number", domain.ErrValidation, raw)
	}
	return price, nil
}

// NewSeededCollaborator создаёт коллаборатор и загружает в него seed.
func NewSeededCollaborator(seed Seed) (*Collaborator, error) {
	c := NewCollaborator()
	if err := seed.Apply(c); err != nil {
		return nil, err
	}
	return c, nil
}
