package eventbus

import (
	"context"
	"fmt"
	"sync"
)

// Listen подписывает типизированный обработчик на канал типа T.
func Listen[T Message](b *Bus, handler func(ctx context.Context, msg T) error) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	var zero T
	return b.Subscribe(zero.Channel(), typed(handler))
}

func typed[T Message](handler func(ctx context.Context, msg T) error) Handler {
	return func(ctx context.Context, msg Message) error {
		m, ok := msg.(T)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnexpectedMessage, msg)
		}
		return handler(ctx, m)
	}
}

// Scope владеет подписками одного компонента: не более одной на канал,
// Close снимает все разом.
type Scope struct {
	bus    *Bus
	mu     sync.Mutex
	subs   map[Channel]*Subscription
	closed bool
}

// NewScope создаёт область подписок на шине.
func (b *Bus) NewScope() *Scope {
	return &Scope{bus: b, subs: make(map[Channel]*Subscription)}
}

// Subscribe подписывает обработчик. Повторная подписка на канал возвращает ErrAlreadySubscribed.
func (s *Scope) Subscribe(channel Channel, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrScopeClosed
	}
	if _, ok := s.subs[channel]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, channel)
	}

	sub, err := s.bus.Subscribe(channel, handler)
	if err != nil {
		return err
	}
	s.subs[channel] = sub
	return nil
}

// On подписывает типизированный обработчик через область.
func On[T Message](s *Scope, handler func(ctx context.Context, msg T) error) error {
	if handler == nil {
		return ErrNilHandler
	}
	var zero T
	return s.Subscribe(zero.Channel(), typed(handler))
}

// Subscribed сообщает, есть ли у области подписка на канал.
func (s *Scope) Subscribed(channel Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[channel]
	return ok
}

// Close снимает все подписки области. Повторный вызов безопасен.
func (s *Scope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for channel, sub := range s.subs {
		s.bus.Unsubscribe(sub)
		delete(s.subs, channel)
	}
}

// Bus возвращает шину области.
func (s *Scope) Bus() *Bus {
	return s.bus
}
