package session

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/eventbus"
	"github.com/vladislavdragonenkov/cartsync/internal/metrics"
	"github.com/vladislavdragonenkov/cartsync/internal/notify"
	"github.com/vladislavdragonenkov/cartsync/internal/viewmodel/catalog"
	"github.com/vladislavdragonenkov/cartsync/internal/viewmodel/order"
)

// Session объединяет шину и две модели представления одного заказа.
type Session struct {
	OrderID string
	Bus     *eventbus.Bus
	Catalog *catalog.ViewModel
	Order   *order.ViewModel
	Notices *notify.Recorder

	limiter   *rate.Limiter
	metrics   *metrics.SyncMetrics
	detach    func()
	closeOnce sync.Once
}

// SelectProduct передаёт выбор пользователя модели каталога.
func (s *Session) SelectProduct(ctx context.Context, entryID string) error {
	if !s.limiter.Allow() {
		s.metrics.RecordRejectedSelection("rate_limited")
		return ErrRateLimited
	}
	return s.Catalog.Select(ctx, entryID)
}

// Activate активирует заказ.
func (s *Session) Activate(ctx context.Context) error {
	return s.Order.Activate(ctx)
}

// Retry перезагружает заказ после ошибки записи или загрузки.
func (s *Session) Retry(ctx context.Context) error {
	return s.Order.Retry(ctx)
}

// SortCatalog задаёт сортировку каталога.
func (s *Session) SortCatalog(spec domain.SortSpec) {
	s.Catalog.Sort(spec)
}

// SortOrder задаёт сортировку строк заказа.
func (s *Session) SortOrder(spec domain.SortSpec) {
	s.Order.Sort(spec)
}

// Close отключает транспорт и снимает подписки обеих моделей.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		s.Catalog.Close()
		s.Order.Close()
	})
}
