package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CatalogReader читает позиции прайс-листа.
type CatalogReader interface {
	// FetchCatalog возвращает все позиции прайс-листа. Ошибки чтения оборачивают ErrFetch.
	FetchCatalog(ctx context.Context, priceListID string) ([]CatalogEntry, error)
}

// OrderReader читает заголовок и строки заказа.
type OrderReader interface {
	FetchOrder(ctx context.Context, orderID string) (Order, error)
	FetchOrderLines(ctx context.Context, orderID string) ([]OrderLine, error)
}

// OrderWriter изменяет строки и статус заказа.
type OrderWriter interface {
	// CreateLine создаёт строку и возвращает её с присвоенным LineID.
	CreateLine(ctx context.Context, orderID, entryID string, unitPrice decimal.Decimal, quantity int) (OrderLine, error)
	// IncrementLine устанавливает новое количество для существующей строки.
	IncrementLine(ctx context.Context, lineID string, newQuantity int) (OrderLine, error)
	// ActivateOrder переводит заказ в Activated. Повторная активация возвращает ErrWriteConflict.
	ActivateOrder(ctx context.Context, orderID string) (Order, error)
}

// DataCollaborator объединяет чтение и запись; реализуется хранилищами.
type DataCollaborator interface {
	CatalogReader
	OrderReader
	OrderWriter
}

// NoticeKind — вид пользовательского уведомления.
type NoticeKind string

const (
	NoticeSuccess NoticeKind = "success"
	NoticeError   NoticeKind = "error"
)

// Notifier доставляет уведомления пользователю. Fire-and-forget.
type Notifier interface {
	Notify(kind NoticeKind, message string)
}

// OutboxPublisher публикует события из outbox во внешний брокер.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository хранит события до публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// OutboxPruner удаляет обработанные (sent и failed) сообщения, обновлённые не позже before.
// За один вызов удаляется не больше limit записей.
type OutboxPruner interface {
	DeleteProcessed(before time.Time, limit int) (int, error)
}

// OutboxMessage описывает сообщение шины, ожидающее отправки в брокер.
// AggregateID содержит OrderID и служит ключом партиционирования.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущий backlog outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
