package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

const (
	defaultPullLimit   = 100
	defaultDeleteLimit = 500

	outboxPending = "pending"
	outboxSent    = "sent"
	outboxFailed  = "failed"
)

// OutboxRepository хранит исходящие сообщения шины в таблице sync_outbox.
// Envelope хранится как JSONB, чтобы бэклог можно было разбирать SQL-запросами
// по каналу и заказу. Статус меняется только из pending.
type OutboxRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewOutboxRepository создаёт outbox поверх подключения Store.
func NewOutboxRepository(store *Store) *OutboxRepository {
	return &OutboxRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue сохраняет конверт. OrderID сообщения служит ключом партиционирования
// и обязателен.
func (r *OutboxRepository) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.AggregateID == "" {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue %s: %w", msg.EventType, domain.ErrOrderIDRequired)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.AggregateType == "" {
		msg.AggregateType = "order"
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_outbox (id, order_id, channel, aggregate_type, envelope, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, msg.ID, msg.AggregateID, msg.EventType, msg.AggregateType, msg.Payload, r.now())
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue %s for order %s: %w", msg.EventType, msg.AggregateID, err)
	}
	return msg, nil
}

// PullPending возвращает до limit ожидающих сообщений в порядке постановки.
func (r *OutboxRepository) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultPullLimit
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, aggregate_type, order_id, channel, envelope
		FROM sync_outbox
		WHERE status = 'pending'
		ORDER BY seq
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pull pending sync messages: %w", err)
	}
	defer rows.Close()

	var batch []domain.OutboxMessage
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload); err != nil {
			return nil, fmt.Errorf("scan sync message: %w", err)
		}
		batch = append(batch, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync messages: %w", err)
	}
	return batch, nil
}

// Stats возвращает размер бэклога и время самого старого pending сообщения.
func (r *OutboxRepository) Stats() (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at) FROM sync_outbox WHERE status = 'pending'
	`).Scan(&stats.PendingCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("sync outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

// MarkSent отмечает сообщение опубликованным.
func (r *OutboxRepository) MarkSent(id string) error {
	return r.finish(id, outboxSent)
}

// MarkFailed отмечает сообщение, ушедшее в DLQ.
func (r *OutboxRepository) MarkFailed(id string) error {
	return r.finish(id, outboxFailed)
}

func (r *OutboxRepository) finish(id, status string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_outbox
		SET status = $2, attempt_count = attempt_count + 1, processed_at = $3
		WHERE id = $1 AND status = $4
	`, id, status, r.now(), outboxPending)
	if err != nil {
		return fmt.Errorf("mark sync message %s as %s: %w", id, status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark sync message %s as %s: %w", id, status, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: message %s is missing or already processed", domain.ErrOutboxPublish, id)
	}
	return nil
}

// DeleteProcessed удаляет до limit сообщений, обработанных не позже before.
func (r *OutboxRepository) DeleteProcessed(before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultDeleteLimit
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM sync_outbox
		WHERE id IN (
			SELECT id FROM sync_outbox
			WHERE status <> 'pending' AND processed_at <= $1
			ORDER BY processed_at
			LIMIT $2
		)
	`, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delete processed sync messages: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete processed sync messages: %w", err)
	}
	return int(affected), nil
}

var (
	_ domain.OutboxRepository = (*OutboxRepository)(nil)
	_ domain.OutboxPruner     = (*OutboxRepository)(nil)
)
