// Package eventbus реализует типизированную шину публикации/подписки между моделями
// представления. Доставка синхронная: все текущие подписчики канала вызываются
// в порядке подписки до возврата из Publish.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/metrics"
)

var (
	// ErrUnknownChannel возвращается, если канал не входит в набор известных каналов.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNilHandler возвращается при подписке без обработчика.
	ErrNilHandler = errors.New("handler is nil")
	// ErrNilMessage возвращается при публикации пустого сообщения.
	ErrNilMessage = errors.New("message is nil")
	// ErrAlreadySubscribed возвращается при повторной подписке области на тот же канал.
	ErrAlreadySubscribed = errors.New("already subscribed to channel")
	// ErrScopeClosed возвращается при подписке через закрытую область.
	ErrScopeClosed = errors.New("subscription scope is closed")
	// ErrUnexpectedMessage возвращается, если обработчику пришло сообщение другого типа.
	ErrUnexpectedMessage = errors.New("unexpected message type")
	// ErrHandlerPanic возвращается, если обработчик запаниковал. Паника перехвачена шиной.
	ErrHandlerPanic = errors.New("handler panicked")
)

// Handler обрабатывает сообщение. Ошибка не прерывает доставку остальным подписчикам.
type Handler func(ctx context.Context, msg Message) error

// ErrorReporter получает ошибки обработчиков.
type ErrorReporter interface {
	ReportHandlerError(ctx context.Context, channel Channel, err error)
}

// ErrorReporterFunc адаптирует функцию к ErrorReporter.
type ErrorReporterFunc func(ctx context.Context, channel Channel, err error)

// ReportHandlerError вызывает f.
func (f ErrorReporterFunc) ReportHandlerError(ctx context.Context, channel Channel, err error) {
	f(ctx, channel, err)
}

// Subscription идентифицирует подписку.
type Subscription struct {
	id      uint64
	channel Channel
	handler Handler
	active  atomic.Bool
}

// Channel возвращает канал подписки.
func (s *Subscription) Channel() Channel {
	return s.channel
}

// Active сообщает, получает ли подписка сообщения.
func (s *Subscription) Active() bool {
	return s != nil && s.active.Load()
}

// Options задаёт параметры шины.
type Options struct {
	Logger   *log.Entry
	Reporter ErrorReporter
	Metrics  *metrics.SyncMetrics
}

// Option настраивает Bus.
type Option func(*Options)

// WithLogger задаёт logger шины.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithErrorReporter задаёт получателя ошибок обработчиков.
func WithErrorReporter(reporter ErrorReporter) Option {
	return func(opts *Options) {
		opts.Reporter = reporter
	}
}

// WithMetrics задаёт метрики шины.
func WithMetrics(m *metrics.SyncMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// Bus доставляет сообщения синхронно в памяти процесса.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	subs     map[Channel][]*Subscription
	logger   *log.Entry
	reporter ErrorReporter
	metrics  *metrics.SyncMetrics
}

// New создаёт шину.
func New(options ...Option) *Bus {
	var opts Options
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "eventbus")
	}

	return &Bus{
		subs:     make(map[Channel][]*Subscription),
		logger:   logger,
		reporter: opts.Reporter,
		metrics:  opts.Metrics,
	}
}

// Subscribe добавляет обработчик в конец очереди подписчиков канала.
func (b *Bus) Subscribe(channel Channel, handler Handler) (*Subscription, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, channel: channel, handler: handler}
	sub.active.Store(true)
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

// Unsubscribe прекращает доставку. Повторный вызов и nil безопасны.
// После возврата обработчик больше не вызывается, в том числе в уже идущей публикации.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.active.CompareAndSwap(true, false) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.channel]
	for i, s := range subs {
		if s.id == sub.id {
			next := make([]*Subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.subs[sub.channel] = next
			break
		}
	}
}

// SubscriberCount возвращает число активных подписчиков канала.
func (b *Bus) SubscriberCount(channel Channel) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Publish доставляет копию сообщения каждому подписчику канала. Без подписчиков
// сообщение отбрасывается. Ошибки обработчиков не возвращаются.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	return b.publish(ctx, msg, false)
}

// PublishRemote доставляет сообщение, полученное из другого процесса.
// Обработчики видят IsRemote(ctx) == true.
func (b *Bus) PublishRemote(ctx context.Context, msg Message) error {
	return b.publish(ctx, msg, true)
}

func (b *Bus) publish(ctx context.Context, msg Message, remote bool) error {
	if msg == nil {
		return ErrNilMessage
	}
	channel := msg.Channel()
	if !channel.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}

	b.mu.RLock()
	subs := append([]*Subscription(nil), b.subs[channel]...)
	b.mu.RUnlock()

	b.metrics.RecordPublished(string(channel))
	if len(subs) == 0 {
		b.metrics.RecordDropped(string(channel))
		b.logger.WithFields(log.Fields{
			"channel":  channel,
			"order_id": msg.OrderKey(),
		}).Debug("message dropped: no subscribers")
		return nil
	}

	deliveryCtx := context.WithValue(ctx, remoteKey{}, remote)
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if err := b.deliver(deliveryCtx, sub, msg.clone()); err != nil {
			b.metrics.RecordHandlerFailure(string(channel))
			b.logger.WithError(err).WithFields(log.Fields{
				"channel":         channel,
				"order_id":        msg.OrderKey(),
				"subscription_id": sub.id,
			}).Error("event handler failed")
			if b.reporter != nil {
				b.reporter.ReportHandlerError(deliveryCtx, channel, err)
			}
		}
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, sub *Subscription, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			b.logger.WithField("stack", string(debug.Stack())).Debug("recovered handler panic")
		}
	}()

	b.metrics.RecordDelivered(string(sub.channel))
	return sub.handler(ctx, msg)
}

type remoteKey struct{}

// IsRemote сообщает, пришло ли доставляемое сообщение из другого процесса.
// Вложенная публикация из обработчика сбрасывает признак.
func IsRemote(ctx context.Context) bool {
	remote, _ := ctx.Value(remoteKey{}).(bool)
	return remote
}
