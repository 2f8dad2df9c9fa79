// Package session связывает для каждого открытого заказа шину, модель каталога
// и модель заказа и управляет их временем жизни.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/eventbus"
	"github.com/vladislavdragonenkov/cartsync/internal/metrics"
	"github.com/vladislavdragonenkov/cartsync/internal/notify"
	"github.com/vladislavdragonenkov/cartsync/internal/viewmodel/catalog"
	"github.com/vladislavdragonenkov/cartsync/internal/viewmodel/order"
)

const (
	defaultSelectRate  = rate.Limit(20)
	defaultSelectBurst = 10
	defaultNoticeLimit = 50
)

var (
	// ErrSessionNotFound возвращается, если для заказа нет открытой сессии.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRateLimited возвращается, если превышен лимит выборов товаров в сессии.
	ErrRateLimited = errors.New("selection rate limit exceeded")
	// ErrManagerClosed возвращается после остановки менеджера.
	ErrManagerClosed = errors.New("session manager is closed")
)

// BusAttacher подключает шину сессии к внешнему транспорту. Возвращённая
// функция отключает шину при закрытии сессии.
type BusAttacher interface {
	AttachBus(orderID string, bus *eventbus.Bus) (detach func(), err error)
}

// Options задаёт параметры менеджера.
type Options struct {
	Logger      *log.Entry
	Metrics     *metrics.SyncMetrics
	Notifier    domain.Notifier
	Reporter    eventbus.ErrorReporter
	Attacher    BusAttacher
	SelectRate  rate.Limit
	SelectBurst int
	NoticeLimit int
}

// Manager хранит открытые сессии по OrderID.
type Manager struct {
	collab   domain.DataCollaborator
	opts     Options
	logger   *log.Entry
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager создаёт менеджер сессий.
func NewManager(collab domain.DataCollaborator, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "session-manager")
	}
	if opts.SelectRate <= 0 {
		opts.SelectRate = defaultSelectRate
	}
	if opts.SelectBurst <= 0 {
		opts.SelectBurst = defaultSelectBurst
	}
	if opts.NoticeLimit <= 0 {
		opts.NoticeLimit = defaultNoticeLimit
	}

	return &Manager{
		collab:   collab,
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*Session),
	}
}

// SetAttacher задаёт транспорт для шин новых сессий.
func (m *Manager) SetAttacher(attacher BusAttacher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.Attacher = attacher
}

// Open возвращает открытую сессию заказа или создаёт новую: подписывает обе
// модели и параллельно загружает их. Если загрузка не удалась, сессия
// закрывается и не сохраняется; следующий Open повторит загрузку.
func (m *Manager) Open(ctx context.Context, orderID string) (*Session, error) {
	if orderID == "" {
		return nil, domain.ErrOrderIDRequired
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if s, ok := m.sessions[orderID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	attacher := m.opts.Attacher
	m.mu.Unlock()

	s, err := m.newSession(orderID, attacher)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Catalog.Load(gctx) })
	g.Go(func() error { return s.Order.Load(gctx) })
	if err := g.Wait(); err != nil {
		s.Close()
		return nil, fmt.Errorf("open session %s: %w", orderID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		s.Close()
		return nil, ErrManagerClosed
	}
	if existing, ok := m.sessions[orderID]; ok {
		s.Close()
		return existing, nil
	}
	m.sessions[orderID] = s
	m.opts.Metrics.RecordSessionOpened()
	m.logger.WithField("order_id", orderID).Info("session opened")
	return s, nil
}

func (m *Manager) newSession(orderID string, attacher BusAttacher) (*Session, error) {
	logger := m.logger.WithField("order_id", orderID)
	notices := notify.NewRecorder(m.opts.NoticeLimit, m.opts.Notifier)

	busOpts := []eventbus.Option{
		eventbus.WithLogger(logger.WithField("component", "eventbus")),
		eventbus.WithMetrics(m.opts.Metrics),
	}
	if m.opts.Reporter != nil {
		busOpts = append(busOpts, eventbus.WithErrorReporter(m.opts.Reporter))
	}
	bus := eventbus.New(busOpts...)

	s := &Session{
		OrderID: orderID,
		Bus:     bus,
		Notices: notices,
		Catalog: catalog.New(orderID, m.collab, bus, catalog.Options{
			Logger:   logger.WithField("component", "catalog-view-model"),
			Metrics:  m.opts.Metrics,
			Notifier: notices,
		}),
		Order: order.New(orderID, m.collab, bus, order.Options{
			Logger:   logger.WithField("component", "order-view-model"),
			Metrics:  m.opts.Metrics,
			Notifier: notices,
		}),
		limiter: rate.NewLimiter(m.opts.SelectRate, m.opts.SelectBurst),
		metrics: m.opts.Metrics,
	}

	if err := s.Catalog.Attach(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.Order.Attach(); err != nil {
		s.Close()
		return nil, err
	}
	if attacher != nil {
		detach, err := attacher.AttachBus(orderID, bus)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("attach bus for order %s: %w", orderID, err)
		}
		s.detach = detach
	}
	return s, nil
}

// Get возвращает открытую сессию.
func (m *Manager) Get(orderID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrSessionNotFound)
	}
	return s, nil
}

// Bus возвращает шину сессии заказа, если сессия открыта.
func (m *Manager) Bus(orderID string) (*eventbus.Bus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[orderID]
	if !ok {
		return nil, false
	}
	return s.Bus, true
}

// Close закрывает сессию заказа. Возвращает false, если сессии не было.
func (m *Manager) Close(orderID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[orderID]
	delete(m.sessions, orderID)
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.Close()
	m.opts.Metrics.RecordSessionClosed()
	m.logger.WithField("order_id", orderID).Info("session closed")
	return true
}

// CloseAll закрывает все сессии и запрещает открытие новых.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		m.opts.Metrics.RecordSessionClosed()
	}
}

// Count возвращает число открытых сессий.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
