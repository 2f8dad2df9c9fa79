package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	pgUniqueViolation = "23505"
)

// Collaborator реализует domain.DataCollaborator поверх PostgreSQL.
type Collaborator struct {
	db    *sql.DB
	newID func() string
}

// NewCollaborator создаёт коллаборатор поверх Store.
func NewCollaborator(store *Store) *Collaborator {
	return &Collaborator{db: store.DB(), newID: uuid.NewString}
}

// fetchErr помечает ошибку драйвера как ошибку получения данных.
func fetchErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrFetch, op, err)
}

// FetchCatalog реализует domain.CatalogReader.
func (c *Collaborator) FetchCatalog(ctx context.Context, priceListID string) ([]domain.CatalogEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT entry_id, product_name, unit_price
		FROM price_list_entries
		WHERE price_list_id = $1
		ORDER BY position, entry_id
	`, priceListID)
	if err != nil {
		return nil, fetchErr("select price list entries", err)
	}
	defer rows.Close()

	entries := make([]domain.CatalogEntry, 0)
	for rows.Next() {
		var entry domain.CatalogEntry
		if err := rows.Scan(&entry.EntryID, &entry.ProductName, &entry.UnitPrice); err != nil {
			return nil, fetchErr("scan price list entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fetchErr("iterate price list entries", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("price list %q: %w", priceListID, domain.ErrNotFound)
	}
	return entries, nil
}

// FetchOrder реализует domain.OrderReader.
func (c *Collaborator) FetchOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return selectOrder(ctx, c.db, orderID, false)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func selectOrder(ctx context.Context, q queryRower, orderID string, forUpdate bool) (domain.Order, error) {
	query := `
		SELECT id, status_code, price_list_id
		FROM orders
		WHERE id = $1
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		order  domain.Order
		status string
	)
	if err := q.QueryRowContext(ctx, query, orderID).Scan(&order.ID, &status, &order.PriceListID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fetchErr("select order", err)
	}
	order.Status = domain.OrderStatus(status)
	return order, nil
}

// FetchOrderLines реализует domain.OrderReader. Строки возвращаются в порядке создания.
func (c *Collaborator) FetchOrderLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	if _, err := c.FetchOrder(ctx, orderID); err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, entry_id, product_name, quantity, unit_price
		FROM order_lines
		WHERE order_id = $1
		ORDER BY seq
	`, orderID)
	if err != nil {
		return nil, fetchErr("select order lines", err)
	}
	defer rows.Close()

	lines := make([]domain.OrderLine, 0)
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.LineID, &line.EntryID, &line.ProductName, &line.Quantity, &line.UnitPrice); err != nil {
			return nil, fetchErr("scan order line", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fetchErr("iterate order lines", err)
	}
	return lines, nil
}

// CreateLine реализует domain.OrderWriter. Повторная строка той же позиции
// отклоняется ограничением UNIQUE(order_id, entry_id).
func (c *Collaborator) CreateLine(ctx context.Context, orderID, entryID string, unitPrice decimal.Decimal, quantity int) (line domain.OrderLine, err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.OrderLine{}, fetchErr("begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	order, err := selectOrder(ctx, tx, orderID, true)
	if err != nil {
		return domain.OrderLine{}, err
	}
	if order.Activated() {
		return domain.OrderLine{}, domain.ErrOrderAlreadyActivated
	}

	var productName string
	err = tx.QueryRowContext(ctx, `
		SELECT product_name
		FROM price_list_entries
		WHERE price_list_id = $1 AND entry_id = $2
	`, order.PriceListID, entryID).Scan(&productName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.OrderLine{}, fmt.Errorf("entry %q: %w", entryID, domain.ErrUnknownEntry)
		}
		return domain.OrderLine{}, fetchErr("select price list entry", err)
	}

	line = domain.OrderLine{
		LineID:      c.newID(),
		EntryID:     entryID,
		ProductName: productName,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
	}
	if errs := line.Validate(); len(errs) > 0 {
		err = errs[0]
		return domain.OrderLine{}, err
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO order_lines (id, order_id, entry_id, product_name, quantity, unit_price)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, line.LineID, orderID, line.EntryID, line.ProductName, line.Quantity, line.UnitPrice); err != nil {
		if isUniqueViolation(err) {
			return domain.OrderLine{}, fmt.Errorf("entry %q: %w", entryID, domain.ErrDuplicateLine)
		}
		return domain.OrderLine{}, fetchErr("insert order line", err)
	}

	if err = tx.Commit(); err != nil {
		return domain.OrderLine{}, fetchErr("commit create line", err)
	}
	return line, nil
}

// IncrementLine реализует domain.OrderWriter.
func (c *Collaborator) IncrementLine(ctx context.Context, lineID string, newQuantity int) (line domain.OrderLine, err error) {
	if newQuantity < 1 {
		return domain.OrderLine{}, domain.ErrQuantityInvalid
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.OrderLine{}, fetchErr("begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT l.id, l.entry_id, l.product_name, l.unit_price, o.status_code
		FROM order_lines l
		JOIN orders o ON o.id = l.order_id
		WHERE l.id = $1
		FOR UPDATE OF l, o
	`, lineID).Scan(&line.LineID, &line.EntryID, &line.ProductName, &line.UnitPrice, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.OrderLine{}, domain.ErrLineNotFound
		}
		return domain.OrderLine{}, fetchErr("select order line", err)
	}
	if domain.OrderStatus(status) == domain.OrderStatusActivated {
		err = domain.ErrOrderAlreadyActivated
		return domain.OrderLine{}, err
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE order_lines
		SET quantity = $2, updated_at = NOW()
		WHERE id = $1
	`, lineID, newQuantity); err != nil {
		return domain.OrderLine{}, fetchErr("update order line", err)
	}

	if err = tx.Commit(); err != nil {
		return domain.OrderLine{}, fetchErr("commit increment line", err)
	}
	line.Quantity = newQuantity
	return line, nil
}

// ActivateOrder реализует domain.OrderWriter.
func (c *Collaborator) ActivateOrder(ctx context.Context, orderID string) (order domain.Order, err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, fetchErr("begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	order, err = selectOrder(ctx, tx, orderID, true)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Activated() {
		err = domain.ErrOrderAlreadyActivated
		return domain.Order{}, err
	}

	var lines int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_lines WHERE order_id = $1`, orderID).Scan(&lines); err != nil {
		return domain.Order{}, fetchErr("count order lines", err)
	}
	if lines == 0 {
		err = domain.ErrOrderHasNoLines
		return domain.Order{}, err
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status_code = $2, activated_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, orderID, string(domain.OrderStatusActivated)); err != nil {
		return domain.Order{}, fetchErr("activate order", err)
	}

	if err = tx.Commit(); err != nil {
		return domain.Order{}, fetchErr("commit activate order", err)
	}
	order.Status = domain.OrderStatusActivated
	return order, nil
}

// PutPriceList заменяет позиции прайс-листа целиком. Используется при загрузке seed.
func (c *Collaborator) PutPriceList(priceListID string, entries ...domain.CatalogEntry) (err error) {
	for _, entry := range entries {
		if errs := entry.Validate(); len(errs) > 0 {
			return fmt.Errorf("price list %q: %w", priceListID, errs[0])
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM price_list_entries WHERE price_list_id = $1`, priceListID); err != nil {
		return fmt.Errorf("clear price list: %w", err)
	}
	for i, entry := range entries {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO price_list_entries (price_list_id, entry_id, product_name, unit_price, position)
			VALUES ($1,$2,$3,$4,$5)
		`, priceListID, entry.EntryID, entry.ProductName, entry.UnitPrice, i); err != nil {
			return fmt.Errorf("insert price list entry %q: %w", entry.EntryID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit price list: %w", err)
	}
	return nil
}

// PutOrder сохраняет заказ и заменяет его строки. Пустая цена строки берётся
// из прайс-листа.
func (c *Collaborator) PutOrder(order domain.Order, lines ...domain.OrderLine) (err error) {
	if order.ID == "" {
		return domain.ErrOrderIDRequired
	}
	if !order.Status.Valid() {
		return domain.ErrInvalidStatus
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, status_code, price_list_id)
		VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE
		SET status_code = EXCLUDED.status_code,
		    price_list_id = EXCLUDED.price_list_id,
		    updated_at = NOW()
	`, order.ID, string(order.Status), order.PriceListID); err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM order_lines WHERE order_id = $1`, order.ID); err != nil {
		return fmt.Errorf("clear order lines: %w", err)
	}

	for _, line := range lines {
		if line.ProductName == "" || line.UnitPrice.IsZero() {
			var (
				name  string
				price decimal.Decimal
			)
			scanErr := tx.QueryRowContext(ctx, `
				SELECT product_name, unit_price
				FROM price_list_entries
				WHERE price_list_id = $1 AND entry_id = $2
			`, order.PriceListID, line.EntryID).Scan(&name, &price)
			switch {
			case scanErr == nil:
				if line.ProductName == "" {
					line.ProductName = name
				}
				if line.UnitPrice.IsZero() {
					line.UnitPrice = price
				}
			case !errors.Is(scanErr, sql.ErrNoRows):
				err = fmt.Errorf("select price list entry: %w", scanErr)
				return err
			}
		}
		if errs := line.Validate(); len(errs) > 0 {
			err = fmt.Errorf("order %q: %w", order.ID, errs[0])
			return err
		}
		if line.LineID == "" {
			line.LineID = c.newID()
		}

		if _, err = tx.ExecContext(ctx, `
			INSERT INTO order_lines (id, order_id, entry_id, product_name, quantity, unit_price)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, line.LineID, order.ID, line.EntryID, line.ProductName, line.Quantity, line.UnitPrice); err != nil {
			if isUniqueViolation(err) {
				err = fmt.Errorf("order %q entry %q: %w", order.ID, line.EntryID, domain.ErrDuplicateLine)
			}
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit order: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

var _ domain.DataCollaborator = (*Collaborator)(nil)
