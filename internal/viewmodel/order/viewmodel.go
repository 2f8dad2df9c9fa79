// Package order реализует модель представления содержимого и жизненного цикла заказа.
//
// Модель владеет строками заказа, применяет к ним выборы товаров из канала
// ProductSelected и после каждого подтверждённого изменения публикует
// OrderContentsChanged. Изменения одной позиции сериализуются: выбор, пришедший
// во время записи этой позиции, добавляется к ожидающему приращению и
// записывается после подтверждения текущего вызова.
package order

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/engine"
	"github.com/vladislavdragonenkov/cartsync/internal/eventbus"
	"github.com/vladislavdragonenkov/cartsync/internal/metrics"
	"github.com/vladislavdragonenkov/cartsync/internal/notify"
)

// ErrClosed возвращается, если модель уже закрыта.
var ErrClosed = errors.New("order view model is closed")

// Collaborator — операции коллаборатора, нужные модели заказа.
type Collaborator interface {
	domain.OrderReader
	domain.OrderWriter
}

// Options задаёт зависимости модели.
type Options struct {
	Logger   *log.Entry
	Metrics  *metrics.SyncMetrics
	Notifier domain.Notifier
	Sort     domain.SortSpec
}

type pendingMutation struct {
	sel   engine.Selection
	delta int
}

// ViewModel хранит состояние и строки заказа.
type ViewModel struct {
	orderID  string
	collab   Collaborator
	bus      *eventbus.Bus
	scope    *eventbus.Scope
	notifier domain.Notifier
	logger   *log.Entry
	metrics  *metrics.SyncMetrics

	mu         sync.Mutex
	state      State
	lastErr    error
	order      domain.Order
	lines      []domain.OrderLine
	sort       domain.SortSpec
	pending    map[string]*pendingMutation
	generation uint64
	publishing bool
	dirty      bool
	closed     bool
}

// New создаёт модель в состоянии Loading. Подписки создаются в Attach.
func New(orderID string, collab Collaborator, bus *eventbus.Bus, opts Options) *ViewModel {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "order-view-model")
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
		orderID:  orderID,
		collab:   collab,
		bus:      bus,
		scope:    bus.NewScope(),
		notifier: notifier,
		logger:   logger.WithField("order_id", orderID),
		metrics:  opts.Metrics,
		state:    StateLoading,
		order:    domain.Order{ID: orderID},
		sort:     sortSpec,
		pending:  make(map[string]*pendingMutation),
	}
}

// OrderID возвращает идентификатор заказа.
func (vm *ViewModel) OrderID() string {
	return vm.orderID
}

// Attach подписывает модель на ProductSelected и на изменения заказа,
// пришедшие из других процессов.
func (vm *ViewModel) Attach() error {
	if err := eventbus.On(vm.scope, vm.onProductSelected); err != nil {
		return err
	}
	if err := eventbus.On(vm.scope, vm.onRemoteContentsChanged); err != nil {
		return err
	}
	return eventbus.On(vm.scope, vm.onRemoteActivated)
}

// Open подписывает модель и загружает заказ.
func (vm *ViewModel) Open(ctx context.Context) error {
	if err := vm.Attach(); err != nil {
		return err
	}
	return vm.Load(ctx)
}

// Load загружает заголовок и строки заказа. Уже активированный заказ сразу
// переходит в Activated и публикует OrderActivated.
func (vm *ViewModel) Load(ctx context.Context) error {
	if vm.orderID == "" {
		return domain.ErrOrderIDRequired
	}

	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return ErrClosed
	}
	if vm.state == StateActivating || len(vm.pending) > 0 {
		vm.mu.Unlock()
		return domain.ErrMutationInProgress
	}
	vm.state = StateLoading
	vm.mu.Unlock()

	order, lines, err := vm.fetch(ctx)
	if err != nil {
		vm.fail(err)
		vm.notifier.Notify(domain.NoticeError, err.Error())
		return fmt.Errorf("load order %s: %w", vm.orderID, err)
	}

	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return ErrClosed
	}
	vm.order = order
	vm.lines = domain.CloneLines(lines)
	vm.lastErr = nil
	vm.state = StateReady
	if order.Activated() {
		vm.state = StateActivated
	}
	state := vm.state
	vm.mu.Unlock()

	vm.logger.WithFields(log.Fields{
		"state": state,
		"lines": len(lines),
	}).Info("order loaded")

	vm.publishContents(ctx)
	if state == StateActivated {
		vm.publish(ctx, eventbus.OrderActivated{OrderID: vm.orderID})
	}
	return nil
}

// fetch читает заголовок и строки заказа параллельно.
func (vm *ViewModel) fetch(ctx context.Context) (domain.Order, []domain.OrderLine, error) {
	var (
		order domain.Order
		lines []domain.OrderLine
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		order, err = vm.collab.FetchOrder(gctx, vm.orderID)
		return err
	})
	g.Go(func() error {
		var err error
		lines, err = vm.collab.FetchOrderLines(gctx, vm.orderID)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.Order{}, nil, err
	}
	return order, lines, nil
}

// Retry повторяет загрузку после ошибки.
func (vm *ViewModel) Retry(ctx context.Context) error {
	vm.mu.Lock()
	state := vm.state
	vm.mu.Unlock()

	if state != StateError {
		return fmt.Errorf("%w: retry is only possible from %s, current state %s", domain.ErrNotReady, StateError, state)
	}
	return vm.Load(ctx)
}

func (vm *ViewModel) onProductSelected(ctx context.Context, msg eventbus.ProductSelected) error {
	// Удалённый выбор уже записан моделью заказа процесса-источника.
	if msg.OrderID != vm.orderID || eventbus.IsRemote(ctx) {
		return nil
	}

	err := vm.Select(ctx, engine.Selection{EntryID: msg.EntryID, UnitPrice: msg.UnitPrice})
	if err == nil || isRejection(err) {
		return nil
	}
	return err
}

func (vm *ViewModel) onRemoteContentsChanged(ctx context.Context, msg eventbus.OrderContentsChanged) error {
	if msg.OrderID != vm.orderID || !eventbus.IsRemote(ctx) {
		return nil
	}
	return vm.refresh(ctx)
}

func (vm *ViewModel) onRemoteActivated(ctx context.Context, msg eventbus.OrderActivated) error {
	if msg.OrderID != vm.orderID || !eventbus.IsRemote(ctx) {
		return nil
	}
	return vm.refresh(ctx)
}

// refreshableLocked: модель в Ready без незавершённых изменений. Вызывать под mu.
func (vm *ViewModel) refreshableLocked() bool {
	return !vm.closed && vm.state == StateReady && len(vm.pending) == 0
}

// refresh перечитывает заказ после изменения в другом процессе. Шина сессии
// уже получила само удалённое сообщение, поэтому refresh ничего не публикует.
// Модель с незавершёнными изменениями не трогается. Если за время чтения
// модель подтвердила собственную запись, прочитанный срез отбрасывается.
func (vm *ViewModel) refresh(ctx context.Context) error {
	vm.mu.Lock()
	ok := vm.refreshableLocked()
	generation := vm.generation
	vm.mu.Unlock()
	if !ok {
		return nil
	}

	order, lines, err := vm.fetch(ctx)
	if err != nil {
		vm.logger.WithError(err).Warn("refresh after remote change failed")
		return fmt.Errorf("refresh order %s: %w", vm.orderID, err)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if !vm.refreshableLocked() {
		return nil
	}
	if vm.generation != generation {
		vm.logger.Debug("stale refresh discarded: local write confirmed during fetch")
		return nil
	}
	vm.order = order
	vm.lines = domain.CloneLines(lines)
	if order.Activated() {
		vm.state = StateActivated
	}
	vm.logger.WithField("lines", len(lines)).Debug("order refreshed after remote change")
	return nil
}

// isRejection сообщает, что отказ обработан моделью без обращения к коллаборатору.
func isRejection(err error) bool {
	return domain.IsLocked(err) ||
		domain.IsValidation(err) ||
		errors.Is(err, domain.ErrNotReady) ||
		errors.Is(err, domain.ErrMutationInProgress) ||
		errors.Is(err, ErrClosed)
}

// Select применяет выбор товара. Если запись этой позиции уже идёт, выбор
// добавляется к ожидающему приращению и Select возвращает nil сразу.
func (vm *ViewModel) Select(ctx context.Context, sel engine.Selection) error {
	if err := sel.Validate(); err != nil {
		vm.metrics.RecordRejectedSelection("validation")
		return err
	}

	vm.mu.Lock()
	if err := vm.selectableLocked(); err != nil {
		vm.mu.Unlock()
		vm.reject(err)
		return err
	}
	if p, ok := vm.pending[sel.EntryID]; ok {
		p.delta++
		vm.mu.Unlock()
		vm.metrics.RecordCoalesced()
		vm.logger.WithField("entry_id", sel.EntryID).Debug("selection coalesced into in-flight mutation")
		return nil
	}
	vm.pending[sel.EntryID] = &pendingMutation{sel: sel, delta: 1}
	vm.mu.Unlock()

	return vm.drain(ctx, sel.EntryID)
}

func (vm *ViewModel) selectableLocked() error {
	if vm.closed {
		return ErrClosed
	}
	switch vm.state {
	case StateReady:
		return nil
	case StateActivated:
		return domain.ErrLockedState
	case StateActivating:
		return domain.ErrMutationInProgress
	default:
		return fmt.Errorf("%w: state %s", domain.ErrNotReady, vm.state)
	}
}

func (vm *ViewModel) reject(err error) {
	switch {
	case domain.IsLocked(err):
		vm.metrics.RecordRejectedSelection("locked")
		vm.notifier.Notify(domain.NoticeError, notify.MessageOrderLocked)
	case errors.Is(err, domain.ErrMutationInProgress):
		vm.metrics.RecordRejectedSelection("activating")
		vm.notifier.Notify(domain.NoticeError, notify.MessageMutationsPending)
	default:
		vm.metrics.RecordRejectedSelection("not_ready")
	}
	vm.logger.WithError(err).Debug("selection rejected")
}

// drain записывает накопленные приращения позиции, пока они не закончатся.
func (vm *ViewModel) drain(ctx context.Context, entryID string) error {
	vm.metrics.RecordMutationStarted()
	defer vm.metrics.RecordMutationFinished()

	for {
		vm.mu.Lock()
		p := vm.pending[entryID]
		if p.delta == 0 {
			delete(vm.pending, entryID)
			vm.mu.Unlock()
			return nil
		}
		// Ошибка записи другой позиции не отменяет уже принятые выборы этой:
		// её приращение дописывается и в Error.
		if vm.closed || (vm.state != StateReady && vm.state != StateError) {
			dropped := p.delta
			delete(vm.pending, entryID)
			vm.mu.Unlock()
			vm.dropQueued(entryID, dropped)
			return nil
		}

		delta := p.delta
		p.delta = 0
		merged, op, err := engine.MergeQuantity(vm.lines, p.sel, delta)
		if err != nil {
			delete(vm.pending, entryID)
			vm.mu.Unlock()
			return err
		}
		target := merged[engine.IndexOfEntry(merged, entryID)]
		vm.mu.Unlock()

		var confirmed domain.OrderLine
		if op == engine.MergeOpCreated {
			confirmed, err = vm.collab.CreateLine(ctx, vm.orderID, entryID, p.sel.UnitPrice, target.Quantity)
		} else {
			confirmed, err = vm.collab.IncrementLine(ctx, target.LineID, target.Quantity)
		}

		if err != nil {
			vm.mu.Lock()
			delete(vm.pending, entryID)
			vm.mu.Unlock()
			vm.fail(err)

			vm.logger.WithError(err).WithFields(log.Fields{
				"entry_id": entryID,
				"op":       op.String(),
			}).Error("line mutation failed")
			vm.notifier.Notify(domain.NoticeError, notify.MessageProductAddFailed)
			return fmt.Errorf("%s line for entry %s: %w", op, entryID, err)
		}

		vm.mu.Lock()
		vm.lines = engine.ReplaceLine(vm.lines, confirmed)
		vm.generation++
		vm.mu.Unlock()

		vm.metrics.RecordMergeOp(op.String())
		vm.logger.WithFields(log.Fields{
			"entry_id": entryID,
			"op":       op.String(),
			"quantity": confirmed.Quantity,
		}).Info("order line saved")
		vm.notifier.Notify(domain.NoticeSuccess, notify.MessageProductAdded)
		vm.publishContents(ctx)
	}
}

// dropQueued сообщает о принятых, но не записанных выборах позиции.
func (vm *ViewModel) dropQueued(entryID string, delta int) {
	vm.metrics.RecordRejectedSelection("dropped")
	vm.logger.WithFields(log.Fields{
		"entry_id": entryID,
		"delta":    delta,
	}).Warn("queued selections dropped")
	vm.notifier.Notify(domain.NoticeError, notify.MessageProductAddFailed)
}

// fail переводит модель в Error, если она не закрыта и не активирована.
func (vm *ViewModel) fail(err error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed || vm.state == StateActivated {
		return
	}
	vm.state = StateError
	vm.lastErr = err
}

// publishContents публикует текущие ключи. Если публикация уже идёт, текущая
// горутина лишь помечает состояние изменённым: идущий цикл опубликует его последним.
func (vm *ViewModel) publishContents(ctx context.Context) {
	vm.mu.Lock()
	vm.dirty = true
	if vm.publishing {
		vm.mu.Unlock()
		return
	}
	vm.publishing = true
	for vm.dirty && !vm.closed {
		vm.dirty = false
		msg := eventbus.NewOrderContentsChanged(vm.orderID, vm.lines)
		vm.mu.Unlock()
		vm.publish(ctx, msg)
		vm.mu.Lock()
	}
	vm.publishing = false
	vm.mu.Unlock()
}

func (vm *ViewModel) publish(ctx context.Context, msg eventbus.Message) {
	if err := vm.bus.Publish(ctx, msg); err != nil {
		vm.logger.WithError(err).WithField("channel", msg.Channel()).Error("publish failed")
	}
}

// Activate активирует заказ. Пока идут изменения позиций, активация отклоняется.
func (vm *ViewModel) Activate(ctx context.Context) error {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return ErrClosed
	}
	switch vm.state {
	case StateReady:
	case StateActivated:
		vm.mu.Unlock()
		vm.metrics.RecordActivation("rejected")
		vm.notifier.Notify(domain.NoticeError, notify.MessageOrderLocked)
		return domain.ErrOrderAlreadyActivated
	default:
		state := vm.state
		vm.mu.Unlock()
		vm.metrics.RecordActivation("rejected")
		return fmt.Errorf("%w: state %s", domain.ErrNotReady, state)
	}
	if len(vm.pending) > 0 {
		vm.mu.Unlock()
		vm.metrics.RecordActivation("rejected")
		vm.notifier.Notify(domain.NoticeError, notify.MessageMutationsPending)
		return domain.ErrMutationInProgress
	}
	vm.state = StateActivating
	vm.mu.Unlock()

	order, err := vm.collab.ActivateOrder(ctx, vm.orderID)

	vm.mu.Lock()
	if err != nil {
		if vm.state == StateActivating {
			vm.state = StateReady
		}
		vm.lastErr = err
		vm.mu.Unlock()

		vm.metrics.RecordActivation("failed")
		vm.logger.WithError(err).Warn("order activation failed")
		vm.notifier.Notify(domain.NoticeError, notify.MessageActivationFailed)
		return fmt.Errorf("activate order %s: %w", vm.orderID, err)
	}
	vm.order = order
	vm.state = StateActivated
	vm.lastErr = nil
	closed := vm.closed
	vm.mu.Unlock()

	vm.metrics.RecordActivation("activated")
	vm.logger.Info("order activated")
	vm.notifier.Notify(domain.NoticeSuccess, notify.MessageOrderActivated)
	if !closed {
		vm.publish(ctx, eventbus.OrderActivated{OrderID: vm.orderID})
	}
	return nil
}

// Sort задаёт сортировку строк.
func (vm *ViewModel) Sort(spec domain.SortSpec) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.sort = spec
}

// State возвращает текущее состояние.
func (vm *ViewModel) State() State {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

// Lines возвращает отсортированную копию строк.
func (vm *ViewModel) Lines() []domain.OrderLine {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return engine.SortLines(vm.lines, vm.sort)
}

// OrderedKeys возвращает текущее множество заказанных позиций.
func (vm *ViewModel) OrderedKeys() domain.KeySet {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return domain.OrderedKeys(vm.lines)
}

// Totals возвращает итоги заказа.
func (vm *ViewModel) Totals() domain.Totals {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return domain.ComputeTotals(vm.lines)
}

// Snapshot содержит согласованный срез состояния модели.
type Snapshot struct {
	OrderID     string             `json:"order_id"`
	Status      domain.OrderStatus `json:"status"`
	PriceListID string             `json:"price_list_id"`
	State       State              `json:"state"`
	Lines       []domain.OrderLine `json:"lines"`
	OrderedKeys []string           `json:"ordered_keys"`
	Totals      domain.Totals      `json:"totals"`
	Sort        domain.SortSpec    `json:"sort"`
	Pending     int                `json:"pending"`
	LastError   string             `json:"last_error,omitempty"`
}

// Snapshot возвращает состояние модели.
func (vm *ViewModel) Snapshot() Snapshot {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	snap := Snapshot{
		OrderID:     vm.orderID,
		Status:      vm.order.Status,
		PriceListID: vm.order.PriceListID,
		State:       vm.state,
		Lines:       engine.SortLines(vm.lines, vm.sort),
		OrderedKeys: domain.OrderedKeys(vm.lines).Sorted(),
		Totals:      domain.ComputeTotals(vm.lines),
		Sort:        vm.sort,
		Pending:     len(vm.pending),
	}
	if vm.lastErr != nil {
		snap.LastError = vm.lastErr.Error()
	}
	return snap
}

// Close снимает подписки. После Close обработчики модели не вызываются.
func (vm *ViewModel) Close() {
	vm.scope.Close()

	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.closed = true
}
