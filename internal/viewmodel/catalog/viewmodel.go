// Package catalog реализует модель представления доступных товаров прайс-листа заказа.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/engine"
	"github.com/vladislavdragonenkov/cartsync/internal/eventbus"
	"github.com/vladislavdragonenkov/cartsync/internal/metrics"
	"github.com/vladislavdragonenkov/cartsync/internal/notify"
)

// ErrClosed возвращается, если модель уже закрыта.
var ErrClosed = errors.New("catalog view model is closed")

// Reader — операции чтения, нужные каталогу: заказ даёт прайс-лист и статус.
type Reader interface {
	domain.CatalogReader
	FetchOrder(ctx context.Context, orderID string) (domain.Order, error)
}

// Options задаёт зависимости модели.
type Options struct {
	Logger   *log.Entry
	Metrics  *metrics.SyncMetrics
	Notifier domain.Notifier
	Sort     domain.SortSpec
}

// Row описывает строку отображения каталога.
type Row struct {
	Entry   domain.CatalogEntry `json:"entry"`
	Ordered bool                `json:"ordered"`
}

// ViewModel хранит состояние каталога заказа.
type ViewModel struct {
	orderID  string
	reader   Reader
	bus      *eventbus.Bus
	scope    *eventbus.Scope
	notifier domain.Notifier
	logger   *log.Entry
	metrics  *metrics.SyncMetrics

	mu          sync.RWMutex
	loaded      bool
	lastErr     error
	priceListID string
	entries     []domain.CatalogEntry
	orderedKeys domain.KeySet
	sort        domain.SortSpec
	display     []domain.CatalogEntry
	locked      bool
	closed      bool
}

// New создаёт модель каталога для заказа.
func New(orderID string, reader Reader, bus *eventbus.Bus, opts Options) *ViewModel {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "catalog-view-model")
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	sortSpec := opts.Sort
	if sortSpec.Key == "" {
		sortSpec = domain.DefaultSortSpec()
	}

	return &ViewModel{
		orderID:     orderID,
		reader:      reader,
		bus:         bus,
		scope:       bus.NewScope(),
		notifier:    notifier,
		logger:      logger.WithField("order_id", orderID),
		metrics:     opts.Metrics,
		orderedKeys: domain.NewKeySet(),
		sort:        sortSpec,
	}
}

// Attach подписывает модель на OrderContentsChanged и OrderActivated.
func (vm *ViewModel) Attach() error {
	if err := eventbus.On(vm.scope, vm.onContentsChanged); err != nil {
		return err
	}
	return eventbus.On(vm.scope, vm.onOrderActivated)
}

// Open подписывает модель и загружает каталог.
func (vm *ViewModel) Open(ctx context.Context) error {
	if err := vm.Attach(); err != nil {
		return err
	}
	return vm.Load(ctx)
}

// Load определяет прайс-лист заказа и загружает его позиции. При ошибке
// отображение становится пустым, пользователь получает уведомление.
func (vm *ViewModel) Load(ctx context.Context) error {
	if vm.orderID == "" {
		return domain.ErrOrderIDRequired
	}

	order, err := vm.reader.FetchOrder(ctx, vm.orderID)
	if err == nil {
		var entries []domain.CatalogEntry
		entries, err = vm.reader.FetchCatalog(ctx, order.PriceListID)
		if err == nil {
			vm.apply(order, entries)
			return nil
		}
	}

	vm.mu.Lock()
	vm.loaded = false
	vm.lastErr = err
	vm.entries = nil
	vm.display = nil
	vm.mu.Unlock()

	vm.logger.WithError(err).Warn("catalog load failed")
	vm.notifier.Notify(domain.NoticeError, notify.MessageCatalogLoadFailed)
	return fmt.Errorf("load catalog for order %s: %w", vm.orderID, err)
}

func (vm *ViewModel) apply(order domain.Order, entries []domain.CatalogEntry) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	vm.loaded = true
	vm.lastErr = nil
	vm.priceListID = order.PriceListID
	vm.entries = domain.CloneEntries(entries)
	if order.Activated() {
		vm.locked = true
	}
	vm.rederiveLocked()

	vm.logger.WithFields(log.Fields{
		"price_list_id": order.PriceListID,
		"entries":       len(entries),
		"locked":        vm.locked,
	}).Info("catalog loaded")
}

func (vm *ViewModel) rederiveLocked() {
	vm.display = engine.PartitionAndSort(vm.entries, vm.orderedKeys, vm.sort)
}

func (vm *ViewModel) onContentsChanged(_ context.Context, msg eventbus.OrderContentsChanged) error {
	if msg.OrderID != vm.orderID {
		return nil
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed {
		return nil
	}
	vm.orderedKeys = msg.KeySet()
	vm.rederiveLocked()
	return nil
}

func (vm *ViewModel) onOrderActivated(_ context.Context, msg eventbus.OrderActivated) error {
	if msg.OrderID != vm.orderID {
		return nil
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if !vm.locked {
		vm.logger.Info("selection locked: order activated")
	}
	vm.locked = true
	return nil
}

// Select публикует ProductSelected для позиции. Своё отображение модель не
// меняет: порядок обновится со следующим OrderContentsChanged.
func (vm *ViewModel) Select(ctx context.Context, entryID string) error {
	if entryID == "" {
		vm.metrics.RecordRejectedSelection("validation")
		return domain.ErrEntryIDRequired
	}

	vm.mu.RLock()
	closed, locked, loaded := vm.closed, vm.locked, vm.loaded
	entry, found := domain.FindEntry(vm.entries, entryID)
	vm.mu.RUnlock()

	switch {
	case closed:
		return ErrClosed
	case locked:
		vm.metrics.RecordRejectedSelection("locked")
		return domain.ErrLockedState
	case !loaded:
		vm.metrics.RecordRejectedSelection("not_ready")
		return domain.ErrNotReady
	case !found:
		vm.metrics.RecordRejectedSelection("validation")
		return fmt.Errorf("entry %q: %w", entryID, domain.ErrUnknownEntry)
	}

	return vm.bus.Publish(ctx, eventbus.ProductSelected{
		OrderID:   vm.orderID,
		EntryID:   entry.EntryID,
		UnitPrice: entry.UnitPrice,
	})
}

// Sort задаёт сортировку и пересчитывает отображение.
func (vm *ViewModel) Sort(spec domain.SortSpec) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.sort = spec
	vm.rederiveLocked()
}

// Rows возвращает текущее отображение: заказанные позиции первыми.
func (vm *ViewModel) Rows() []Row {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	rows := make([]Row, len(vm.display))
	for i, entry := range vm.display {
		rows[i] = Row{Entry: entry, Ordered: vm.orderedKeys.Has(entry.EntryID)}
	}
	return rows
}

// Locked сообщает, закрыт ли выбор.
func (vm *ViewModel) Locked() bool {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.locked
}

// OrderedKeys возвращает копию последнего полученного множества заказанных позиций.
func (vm *ViewModel) OrderedKeys() domain.KeySet {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return domain.NewKeySet(vm.orderedKeys.Sorted()...)
}

// Snapshot содержит срез состояния каталога.
type Snapshot struct {
	OrderID     string          `json:"order_id"`
	PriceListID string          `json:"price_list_id"`
	Loaded      bool            `json:"loaded"`
	Locked      bool            `json:"locked"`
	Sort        domain.SortSpec `json:"sort"`
	Rows        []Row           `json:"rows"`
	LastError   string          `json:"last_error,omitempty"`
}

// Snapshot возвращает состояние модели.
func (vm *ViewModel) Snapshot() Snapshot {
	rows := vm.Rows()

	vm.mu.RLock()
	defer vm.mu.RUnlock()

	snap := Snapshot{
		OrderID:     vm.orderID,
		PriceListID: vm.priceListID,
		Loaded:      vm.loaded,
		Locked:      vm.locked,
		Sort:        vm.sort,
		Rows:        rows,
	}
	if vm.lastErr != nil {
		snap.LastError = vm.lastErr.Error()
	}
	return snap
}

// Close снимает подписки.
func (vm *ViewModel) Close() {
	vm.scope.Close()

	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.closed = true
}
