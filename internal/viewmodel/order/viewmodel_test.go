package order

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/engine"
	"github.com/vladislavdragonenkov/cartsync/internal/eventbus"
	"github.com/vladislavdragonenkov/cartsync/internal/notify"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/memory"
)

type fixture struct {
	store    *memory.Collaborator
	bus      *eventbus.Bus
	vm       *ViewModel
	notices  *notify.Recorder
	mu       sync.Mutex
	contents []eventbus.OrderContentsChanged
	activ    []eventbus.OrderActivated
}

type testingT interface {
	require.TestingT
	Helper()
}

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newFixture(t testingT, status domain.OrderStatus, lines ...domain.OrderLine) *fixture {
	t.Helper()

	store := memory.NewCollaborator()
	require.NoError(t, store.PutPriceList("standard",
		domain.CatalogEntry{EntryID: "P1", ProductName: "Widget", UnitPrice: price("10")},
		domain.CatalogEntry{EntryID: "P2", ProductName: "Bolt", UnitPrice: price("2.50")},
		domain.CatalogEntry{EntryID: "P3", ProductName: "Nut", UnitPrice: price("1")},
	))
	require.NoError(t, store.PutOrder(domain.Order{ID: "order-1", Status: status, PriceListID: "standard"}, lines...))

	f := &fixture{store: store, bus: eventbus.New(), notices: notify.NewRecorder(0, nil)}
	_, err := eventbus.Listen(f.bus, func(_ context.Context, msg eventbus.OrderContentsChanged) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.contents = append(f.contents, msg)
		return nil
	})
	require.NoError(t, err)
	_, err = eventbus.Listen(f.bus, func(_ context.Context, msg eventbus.OrderActivated) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.activ = append(f.activ, msg)
		return nil
	})
	require.NoError(t, err)

	f.vm = New("order-1", store, f.bus, Options{Notifier: f.notices})
	return f
}

func (f *fixture) lastContents(t testingT) eventbus.OrderContentsChanged {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.contents)
	return f.contents[len(f.contents)-1]
}

func (f *fixture) contentsCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.contents)
}

func (f *fixture) selectProduct(t testingT, entryID, unitPrice string) {
	t.Helper()
	require.NoError(t, f.bus.Publish(context.Background(), eventbus.ProductSelected{
		OrderID:   "order-1",
		EntryID:   entryID,
		UnitPrice: price(unitPrice),
	}))
}

func TestLoadPublishesOrderedKeys(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft, domain.OrderLine{EntryID: "P1", Quantity: 1})

	require.NoError(t, f.vm.Open(context.Background()))

	require.Equal(t, StateReady, f.vm.State())
	require.Equal(t, []string{"P1"}, f.lastContents(t).OrderedKeys)
	require.Empty(t, f.activ)
}

func TestSelectIncrementsExistingLine(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft, domain.OrderLine{EntryID: "P1", Quantity: 1, UnitPrice: price("10")})
	require.NoError(t, f.vm.Open(context.Background()))

	f.selectProduct(t, "P1", "10")

	lines := f.vm.Lines()
	require.Len(t, lines, 1)
	require.Equal(t, 2, lines[0].Quantity)
	require.True(t, lines[0].TotalPrice().Equal(price("20")))
	require.Equal(t, []string{"P1"}, f.lastContents(t).OrderedKeys)

	last, ok := f.notices.Last()
	require.True(t, ok)
	require.Equal(t, notify.MessageProductAdded, last.Message)
}

func TestDuplicateSelectionFromEmptyOrder(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft)
	require.NoError(t, f.vm.Open(context.Background()))
	require.Equal(t, []string{}, f.lastContents(t).OrderedKeys)

	f.selectProduct(t, "P2", "2.50")
	f.selectProduct(t, "P2", "2.50")

	lines := f.vm.Lines()
	require.Len(t, lines, 1)
	require.Equal(t, 2, lines[0].Quantity)
	require.Equal(t, "Bolt", lines[0].ProductName)

	stored, err := f.store.FetchOrderLines(context.Background(), "order-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, 2, stored[0].Quantity)
}

func TestInFlightSelectionsAreCoalesced(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft)
	require.NoError(t, f.vm.Open(context.Background()))

	var creates, increments atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	f.store.SetHook(memory.OpCreateLine, func(context.Context) error {
		if creates.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	})
	f.store.SetHook(memory.OpIncrementLine, func(context.Context) error {
		increments.Add(1)
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- f.vm.Select(context.Background(), engine.Selection{EntryID: "P3", UnitPrice: price("1")})
	}()
	<-entered

	// Пока первая запись не подтверждена, новые выборы копятся.
	require.NoError(t, f.vm.Select(context.Background(), engine.Selection{EntryID: "P3", UnitPrice: price("1")}))
	require.NoError(t, f.vm.Select(context.Background(), engine.Selection{EntryID: "P3", UnitPrice: price("1")}))
	require.Equal(t, 1, f.vm.Snapshot().Pending)

	require.ErrorIs(t, f.vm.Activate(context.Background()), domain.ErrMutationInProgress)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("mutation did not finish")
	}

	require.EqualValues(t, 1, creates.Load())
	require.EqualValues(t, 1, increments.Load())
	lines := f.vm.Lines()
	require.Len(t, lines, 1)
	require.Equal(t, 3, lines[0].Quantity)
	require.Zero(t, f.vm.Snapshot().Pending)
	require.Equal(t, []string{"P3"}, f.lastContents(t).OrderedKeys)
}

func TestMutationFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft, domain.OrderLine{EntryID: "P1", Quantity: 1})
	require.NoError(t, f.vm.Open(context.Background()))
	published := f.contentsCount()

	f.store.InjectFailure(memory.OpCreateLine, errors.New("connection reset"))
	err := f.vm.Select(context.Background(), engine.Selection{EntryID: "P2", UnitPrice: price("2.50")})
	require.Error(t, err)

	require.Equal(t, StateError, f.vm.State())
	require.Equal(t, published, f.contentsCount(), "nothing is published for an unacknowledged write")
	require.True(t, f.vm.OrderedKeys().Equal(domain.NewKeySet("P1")))
	last, _ := f.notices.Last()
	require.Equal(t, domain.NoticeError, last.Kind)
	require.Equal(t, notify.MessageProductAddFailed, last.Message)

	// В Error выбор отклоняется, Retry возвращает модель в Ready.
	require.ErrorIs(t, f.vm.Select(context.Background(), engine.Selection{EntryID: "P2", UnitPrice: price("2.50")}), domain.ErrNotReady)
	f.store.InjectFailure(memory.OpCreateLine, nil)
	require.NoError(t, f.vm.Retry(context.Background()))
	require.Equal(t, StateReady, f.vm.State())
	require.Empty(t, f.vm.Snapshot().LastError)

	f.selectProduct(t, "P2", "2.50")
	require.True(t, f.vm.OrderedKeys().Equal(domain.NewKeySet("P1", "P2")))
}

func TestRetryOnlyFromError(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft)
	require.NoError(t, f.vm.Open(context.Background()))
	require.ErrorIs(t, f.vm.Retry(context.Background()), domain.ErrNotReady)
}

func TestLoadFailureEntersError(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft)
	f.store.InjectFailure(memory.OpFetchOrderLines, errors.New("timeout"))

	require.Error(t, f.vm.Open(context.Background()))
	require.Equal(t, StateError, f.vm.State())
	require.Zero(t, f.contentsCount())

	f.store.InjectFailure(memory.OpFetchOrderLines, nil)
	require.NoError(t, f.vm.Retry(context.Background()))
	require.Equal(t, StateReady, f.vm.State())
}

func TestActivateLocksOrder(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft, domain.OrderLine{EntryID: "P1", Quantity: 1})
	require.NoError(t, f.vm.Open(context.Background()))

	require.NoError(t, f.vm.Activate(context.Background()))
	require.Equal(t, StateActivated, f.vm.State())
	require.Equal(t, []eventbus.OrderActivated{{OrderID: "order-1"}}, f.activ)
	last, _ := f.notices.Last()
	require.Equal(t, notify.MessageOrderActivated, last.Message)

	published := f.contentsCount()
	f.selectProduct(t, "P2", "2.50")
	require.Equal(t, published, f.contentsCount())
	require.True(t, f.vm.OrderedKeys().Equal(domain.NewKeySet("P1")))
	last, _ = f.notices.Last()
	require.Equal(t, notify.MessageOrderLocked, last.Message)

	err := f.vm.Select(context.Background(), engine.Selection{EntryID: "P2", UnitPrice: price("2.50")})
	require.True(t, domain.IsLocked(err))

	err = f.vm.Activate(context.Background())
	require.True(t, domain.IsWriteConflict(err))
	require.Equal(t, StateActivated, f.vm.State())
}

func TestActivationFailureReturnsToReady(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft)
	require.NoError(t, f.vm.Open(context.Background()))

	err := f.vm.Activate(context.Background())
	require.ErrorIs(t, err, domain.ErrOrderHasNoLines)
	require.Equal(t, StateReady, f.vm.State())
	require.Empty(t, f.activ)
	last, _ := f.notices.Last()
	require.Equal(t, domain.NoticeError, last.Kind)
	require.Equal(t, notify.MessageActivationFailed, last.Message)

	f.selectProduct(t, "P1", "10")
	require.Len(t, f.vm.Lines(), 1)
}

func TestAlreadyActivatedOrderAtLoad(t *testing.T) {
	f := newFixture(t, domain.OrderStatusActivated, domain.OrderLine{EntryID: "P1", Quantity: 2})

	require.NoError(t, f.vm.Open(context.Background()))

	require.Equal(t, StateActivated, f.vm.State())
	require.Len(t, f.activ, 1)
	require.Equal(t, []string{"P1"}, f.lastContents(t).OrderedKeys)
}

func TestSelectionForOtherOrderIsIgnored(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft)
	require.NoError(t, f.vm.Open(context.Background()))

	require.NoError(t, f.bus.Publish(context.Background(), eventbus.ProductSelected{OrderID: "order-2", EntryID: "P1", UnitPrice: price("10")}))
	require.Empty(t, f.vm.Lines())
}

func TestCloseStopsHandling(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft)
	require.NoError(t, f.vm.Open(context.Background()))

	f.vm.Close()
	f.selectProduct(t, "P1", "10")

	require.Empty(t, f.vm.Lines())
	require.Zero(t, f.bus.SubscriberCount(eventbus.ChannelProductSelected))
	require.ErrorIs(t, f.vm.Activate(context.Background()), ErrClosed)
}

func TestSortAndTotals(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft,
		domain.OrderLine{EntryID: "P1", Quantity: 1},
		domain.OrderLine{EntryID: "P2", Quantity: 2},
	)
	require.NoError(t, f.vm.Open(context.Background()))

	require.Equal(t, "Bolt", f.vm.Lines()[0].ProductName)
	f.vm.Sort(domain.SortSpec{Key: domain.SortByTotalPrice, Direction: domain.SortDescending})
	require.Equal(t, "Widget", f.vm.Lines()[0].ProductName)

	totals := f.vm.Totals()
	require.Equal(t, 3, totals.Quantity)
	require.True(t, totals.Amount.Equal(price("15")))
}

// Опубликованные ключи всегда совпадают с ключами строк модели.
func TestPublishedKeysMatchLines(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(rt, domain.OrderStatusDraft)
		require.NoError(rt, f.vm.Open(context.Background()))

		picks := rapid.SliceOfN(rapid.SampledFrom([]string{"P1", "P2", "P3"}), 1, 20).Draw(rt, "picks")
		counts := make(map[string]int)
		for _, entryID := range picks {
			f.selectProduct(rt, entryID, "1")
			counts[entryID]++

			published := f.lastContents(rt).KeySet()
			if !published.Equal(f.vm.OrderedKeys()) {
				rt.Fatalf("published %v, model has %v", published.Sorted(), f.vm.OrderedKeys().Sorted())
			}
		}

		for _, line := range f.vm.Lines() {
			if line.Quantity != counts[line.EntryID] {
				rt.Fatalf("entry %s: quantity %d, selected %d times", line.EntryID, line.Quantity, counts[line.EntryID])
			}
		}
	})
}

func TestRemoteSelectionIsNotWrittenTwice(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft)
	require.NoError(t, f.vm.Open(context.Background()))

	require.NoError(t, f.bus.PublishRemote(context.Background(), eventbus.ProductSelected{
		OrderID:   "order-1",
		EntryID:   "P1",
		UnitPrice: price("10"),
	}))

	require.Empty(t, f.vm.Lines())
	lines, err := f.store.FetchOrderLines(context.Background(), "order-1")
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestRemoteContentsChangedRefreshesLines(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft)
	ctx := context.Background()
	require.NoError(t, f.vm.Open(ctx))
	published := f.contentsCount()

	// Строку записал другой процесс.
	_, err := f.store.CreateLine(ctx, "order-1", "P2", price("2.50"), 3)
	require.NoError(t, err)

	require.NoError(t, f.bus.PublishRemote(ctx, eventbus.OrderContentsChanged{OrderID: "order-1", OrderedKeys: []string{"P2"}}))

	lines := f.vm.Lines()
	require.Len(t, lines, 1)
	require.Equal(t, "P2", lines[0].EntryID)
	require.Equal(t, 3, lines[0].Quantity)
	require.Equal(t, StateReady, f.vm.State())
	// Модель не публикует повторно: удалённое сообщение уже в шине.
	require.Equal(t, published+1, f.contentsCount())
}

func TestRemoteActivationLocksOrder(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft, domain.OrderLine{EntryID: "P1", Quantity: 1, UnitPrice: price("10")})
	ctx := context.Background()
	require.NoError(t, f.vm.Open(ctx))

	_, err := f.store.ActivateOrder(ctx, "order-1")
	require.NoError(t, err)
	require.NoError(t, f.bus.PublishRemote(ctx, eventbus.OrderActivated{OrderID: "order-1"}))

	require.Equal(t, StateActivated, f.vm.State())
	err = f.vm.Select(ctx, engine.Selection{EntryID: "P1", UnitPrice: price("10")})
	require.ErrorIs(t, err, domain.ErrLockedState)
}

func TestLocalContentsChangedDoesNotRefresh(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft)
	ctx := context.Background()
	require.NoError(t, f.vm.Open(ctx))

	_, err := f.store.CreateLine(ctx, "order-1", "P1", price("10"), 1)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(ctx, eventbus.OrderContentsChanged{OrderID: "order-1", OrderedKeys: []string{"P1"}}))

	require.Empty(t, f.vm.Lines())
}

// linesGate задерживает ответ FetchOrderLines уже после чтения из хранилища.
type linesGate struct {
	*memory.Collaborator
	armed   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (g *linesGate) FetchOrderLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	lines, err := g.Collaborator.FetchOrderLines(ctx, orderID)
	if g.armed.CompareAndSwap(true, false) {
		close(g.read)
		<-g.release
	}
	return lines, err
}

func TestRefreshDoesNotOverwriteConfirmedLocalWrite(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft)
	ctx := context.Background()
	gate := &linesGate{Collaborator: f.store, read: make(chan struct{}), release: make(chan struct{})}
	f.vm = New("order-1", gate, f.bus, Options{Notifier: f.notices})
	require.NoError(t, f.vm.Open(ctx))

	gate.armed.Store(true)
	done := make(chan error, 1)
	go func() {
		done <- f.bus.PublishRemote(ctx, eventbus.OrderContentsChanged{OrderID: "order-1"})
	}()
	<-gate.read

	// Пока refresh держит устаревшее чтение, локальная запись подтверждается.
	require.NoError(t, f.vm.Select(ctx, engine.Selection{EntryID: "P1", UnitPrice: price("10")}))
	close(gate.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("refresh did not finish")
	}

	require.True(t, f.vm.OrderedKeys().Equal(domain.NewKeySet("P1")))
	require.Equal(t, []string{"P1"}, f.lastContents(t).OrderedKeys)

	require.NoError(t, f.vm.Select(ctx, engine.Selection{EntryID: "P1", UnitPrice: price("10")}))
	require.Equal(t, StateReady, f.vm.State())
	lines := f.vm.Lines()
	require.Len(t, lines, 1)
	require.Equal(t, 2, lines[0].Quantity)
}

func TestCoalescedSelectionsSurviveOtherEntryFailure(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft)
	ctx := context.Background()
	require.NoError(t, f.vm.Open(ctx))

	var creates atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	f.store.SetHook(memory.OpCreateLine, func(context.Context) error {
		switch creates.Add(1) {
		case 1:
			close(entered)
			<-release
			return nil
		default:
			return errors.New("connection reset")
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- f.vm.Select(ctx, engine.Selection{EntryID: "P1", UnitPrice: price("10")})
	}()
	<-entered

	require.NoError(t, f.vm.Select(ctx, engine.Selection{EntryID: "P1", UnitPrice: price("10")}))
	require.NoError(t, f.vm.Select(ctx, engine.Selection{EntryID: "P1", UnitPrice: price("10")}))
	require.Error(t, f.vm.Select(ctx, engine.Selection{EntryID: "P2", UnitPrice: price("2.50")}))
	require.Equal(t, StateError, f.vm.State())

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("mutation did not finish")
	}

	stored, err := f.store.FetchOrderLines(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, 3, stored[0].Quantity)

	lines := f.vm.Lines()
	require.Len(t, lines, 1)
	require.Equal(t, 3, lines[0].Quantity)
	require.Equal(t, StateError, f.vm.State())
	require.Zero(t, f.vm.Snapshot().Pending)
	require.Equal(t, []string{"P1"}, f.lastContents(t).OrderedKeys)

	f.store.SetHook(memory.OpCreateLine, nil)
	require.NoError(t, f.vm.Retry(ctx))
	require.Equal(t, 3, f.vm.Totals().Quantity)
}

func TestQueuedSelectionsDroppedOnCloseAreReported(t *testing.T) {
	f := newFixture(t, domain.OrderStatusDraft)
	ctx := context.Background()
	require.NoError(t, f.vm.Open(ctx))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.store.SetHook(memory.OpCreateLine, func(context.Context) error {
		close(entered)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- f.vm.Select(ctx, engine.Selection{EntryID: "P1", UnitPrice: price("10")})
	}()
	<-entered
	require.NoError(t, f.vm.Select(ctx, engine.Selection{EntryID: "P1", UnitPrice: price("10")}))

	f.vm.Close()
	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("mutation did not finish")
	}

	last, ok := f.notices.Last()
	require.True(t, ok)
	require.Equal(t, domain.NoticeError, last.Kind)
	require.Equal(t, notify.MessageProductAddFailed, last.Message)
}
