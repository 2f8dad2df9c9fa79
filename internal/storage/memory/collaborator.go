package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// Operation — имя операции коллаборатора; используется для внедрения ошибок и хуков.
type Operation string

const (
	OpFetchCatalog    Operation = "fetch_catalog"
	OpFetchOrder      Operation = "fetch_order"
	OpFetchOrderLines Operation = "fetch_order_lines"
	OpCreateLine      Operation = "create_line"
	OpIncrementLine   Operation = "increment_line"
	OpActivateOrder   Operation = "activate_order"
)

// Hook вызывается до выполнения операции без удержания блокировок.
// Ненулевая ошибка возвращается вызывающему вместо результата операции.
type Hook func(ctx context.Context) error

// Collaborator — in-memory реализация domain.DataCollaborator для локального
// запуска, симулятора и тестов.
type Collaborator struct {
	mu         sync.RWMutex
	priceLists map[string][]domain.CatalogEntry
	orders     map[string]domain.Order
	lines      map[string]domain.OrderLine
	orderLines map[string][]string
	lineOrder  map[string]string
	failures   map[Operation]error
	hooks      map[Operation]Hook
	newID      func() string
}

// NewCollaborator создаёт пустое хранилище.
func NewCollaborator() *Collaborator {
	return &Collaborator{
		priceLists: make(map[string][]domain.CatalogEntry),
		orders:     make(map[string]domain.Order),
		lines:      make(map[string]domain.OrderLine),
		orderLines: make(map[string][]string),
		lineOrder:  make(map[string]string),
		failures:   make(map[Operation]error),
		hooks:      make(map[Operation]Hook),
		newID:      uuid.NewString,
	}
}

// PutPriceList заменяет позиции прайс-листа целиком.
func (c *Collaborator) PutPriceList(priceListID string, entries ...domain.CatalogEntry) error {
	for _, entry := range entries {
		if errs := entry.Validate(); len(errs) > 0 {
			return fmt.Errorf("price list %q: %w", priceListID, errs[0])
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.priceLists[priceListID] = domain.CloneEntries(entries)
	return nil
}

// PutOrder сохраняет заказ и его строки. Пустой LineID заменяется сгенерированным,
// пустая цена строки берётся из прайс-листа.
func (c *Collaborator) PutOrder(order domain.Order, lines ...domain.OrderLine) error {
	if order.ID == "" {
		return domain.ErrOrderIDRequired
	}
	if !order.Status.Valid() {
		return domain.ErrInvalidStatus
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, lineID := range c.orderLines[order.ID] {
		delete(c.lines, lineID)
		delete(c.lineOrder, lineID)
	}
	c.orderLines[order.ID] = nil

	seen := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		if _, dup := seen[line.EntryID]; dup {
			return fmt.Errorf("order %q entry %q: %w", order.ID, line.EntryID, domain.ErrDuplicateLine)
		}
		seen[line.EntryID] = struct{}{}

		if entry, ok := c.entryLocked(order.PriceListID, line.EntryID); ok {
			if line.ProductName == "" {
				line.ProductName = entry.ProductName
			}
			if line.UnitPrice.IsZero() {
				line.UnitPrice = entry.UnitPrice
			}
		}
		if errs := line.Validate(); len(errs) > 0 {
			return fmt.Errorf("order %q: %w", order.ID, errs[0])
		}
		if line.LineID == "" {
			line.LineID = c.newID()
		}
		c.storeLineLocked(order.ID, line)
	}

	c.orders[order.ID] = order
	return nil
}

// InjectFailure заставляет операцию возвращать err. nil снимает ошибку.
func (c *Collaborator) InjectFailure(op Operation, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, op)
		return
	}
	c.failures[op] = err
}

// SetHook устанавливает хук операции. nil снимает хук.
func (c *Collaborator) SetHook(op Operation, hook Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hook == nil {
		delete(c.hooks, op)
		return
	}
	c.hooks[op] = hook
}

func (c *Collaborator) before(ctx context.Context, op Operation) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrFetch, op, err)
	}

	c.mu.RLock()
	hook := c.hooks[op]
	failure := c.failures[op]
	c.mu.RUnlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	return failure
}

// FetchCatalog реализует domain.CatalogReader.
func (c *Collaborator) FetchCatalog(ctx context.Context, priceListID string) ([]domain.CatalogEntry, error) {
	if err := c.before(ctx, OpFetchCatalog); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, ok := c.priceLists[priceListID]
	if !ok {
		return nil, fmt.Errorf("price list %q: %w", priceListID, domain.ErrNotFound)
	}
	return domain.CloneEntries(entries), nil
}

// FetchOrder реализует domain.OrderReader.
func (c *Collaborator) FetchOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if err := c.before(ctx, OpFetchOrder); err != nil {
		return domain.Order{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	order, ok := c.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

// FetchOrderLines реализует domain.OrderReader. Строки возвращаются в порядке создания.
func (c *Collaborator) FetchOrderLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	if err := c.before(ctx, OpFetchOrderLines); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.orders[orderID]; !ok {
		return nil, domain.ErrOrderNotFound
	}
	ids := c.orderLines[orderID]
	lines := make([]domain.OrderLine, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, c.lines[id])
	}
	return lines, nil
}

// CreateLine реализует domain.OrderWriter.
func (c *Collaborator) CreateLine(ctx context.Context, orderID, entryID string, unitPrice decimal.Decimal, quantity int) (domain.OrderLine, error) {
	if err := c.before(ctx, OpCreateLine); err != nil {
		return domain.OrderLine{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	order, ok := c.orders[orderID]
	if !ok {
		return domain.OrderLine{}, domain.ErrOrderNotFound
	}
	if order.Activated() {
		return domain.OrderLine{}, domain.ErrOrderAlreadyActivated
	}
	entry, ok := c.entryLocked(order.PriceListID, entryID)
	if !ok {
		return domain.OrderLine{}, fmt.Errorf("entry %q: %w", entryID, domain.ErrUnknownEntry)
	}
	for _, id := range c.orderLines[orderID] {
		if c.lines[id].EntryID == entryID {
			return domain.OrderLine{}, fmt.Errorf("entry %q: %w", entryID, domain.ErrDuplicateLine)
		}
	}

	line := domain.OrderLine{
		LineID:      c.newID(),
		EntryID:     entryID,
		ProductName: entry.ProductName,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
	}
	if errs := line.Validate(); len(errs) > 0 {
		return domain.OrderLine{}, errs[0]
	}

	c.storeLineLocked(orderID, line)
	return line, nil
}

// IncrementLine реализует domain.OrderWriter.
func (c *Collaborator) IncrementLine(ctx context.Context, lineID string, newQuantity int) (domain.OrderLine, error) {
	if err := c.before(ctx, OpIncrementLine); err != nil {
		return domain.OrderLine{}, err
	}
	if newQuantity < 1 {
		return domain.OrderLine{}, domain.ErrQuantityInvalid
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line, ok := c.lines[lineID]
	if !ok {
		return domain.OrderLine{}, domain.ErrLineNotFound
	}
	if c.orders[c.lineOrder[lineID]].Activated() {
		return domain.OrderLine{}, domain.ErrOrderAlreadyActivated
	}

	line.Quantity = newQuantity
	c.lines[lineID] = line
	return line, nil
}

// ActivateOrder реализует domain.OrderWriter.
func (c *Collaborator) ActivateOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if err := c.before(ctx, OpActivateOrder); err != nil {
		return domain.Order{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	order, ok := c.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if order.Activated() {
		return domain.Order{}, domain.ErrOrderAlreadyActivated
	}
	if len(c.orderLines[orderID]) == 0 {
		return domain.Order{}, domain.ErrOrderHasNoLines
	}

	order.Status = domain.OrderStatusActivated
	c.orders[orderID] = order
	return order, nil
}

func (c *Collaborator) entryLocked(priceListID, entryID string) (domain.CatalogEntry, bool) {
	return domain.FindEntry(c.priceLists[priceListID], entryID)
}

func (c *Collaborator) storeLineLocked(orderID string, line domain.OrderLine) {
	c.lines[line.LineID] = line
	c.lineOrder[line.LineID] = orderID
	c.orderLines[orderID] = append(c.orderLines[orderID], line.LineID)
}

var _ domain.DataCollaborator = (*Collaborator)(nil)
