// Package telemetry оборачивает коллаборатор данных спанами OpenTelemetry и метриками.
package telemetry

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/metrics"
)

const instrumentationName = "cartsync/collaborator"

// TracedCollaborator оборачивает domain.DataCollaborator спанами и метриками.
type TracedCollaborator struct {
	next    domain.DataCollaborator
	tracer  trace.Tracer
	metrics *metrics.SyncMetrics
}

// NewTracedCollaborator оборачивает next. Пустой provider означает глобальный.
func NewTracedCollaborator(next domain.DataCollaborator, provider trace.TracerProvider, m *metrics.SyncMetrics) *TracedCollaborator {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &TracedCollaborator{
		next:    next,
		tracer:  provider.Tracer(instrumentationName),
		metrics: m,
	}
}

func (c *TracedCollaborator) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := c.tracer.Start(ctx, "collaborator."+op, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (c *TracedCollaborator) finish(span trace.Span, op string, started time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.category", category(err)))
	}
	span.End()
	c.metrics.RecordCollaboratorCall(op, err, time.Since(started))
}

// FetchCatalog реализует domain.CatalogReader.
func (c *TracedCollaborator) FetchCatalog(ctx context.Context, priceListID string) ([]domain.CatalogEntry, error) {
	const op = "fetch_catalog"
	ctx, span, started := c.start(ctx, op, attribute.String("price_list.id", priceListID))

	entries, err := c.next.FetchCatalog(ctx, priceListID)
	span.SetAttributes(attribute.Int("entries.loaded", len(entries)))
	c.finish(span, op, started, err)
	return entries, err
}

// FetchOrder реализует domain.OrderReader.
func (c *TracedCollaborator) FetchOrder(ctx context.Context, orderID string) (domain.Order, error) {
	const op = "fetch_order"
	ctx, span, started := c.start(ctx, op, attribute.String("order.id", orderID))

	order, err := c.next.FetchOrder(ctx, orderID)
	if err == nil {
		span.SetAttributes(attribute.String("order.status", string(order.Status)))
	}
	c.finish(span, op, started, err)
	return order, err
}

// FetchOrderLines реализует domain.OrderReader.
func (c *TracedCollaborator) FetchOrderLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	const op = "fetch_order_lines"
	ctx, span, started := c.start(ctx, op, attribute.String("order.id", orderID))

	lines, err := c.next.FetchOrderLines(ctx, orderID)
	span.SetAttributes(attribute.Int("lines.loaded", len(lines)))
	c.finish(span, op, started, err)
	return lines, err
}

// CreateLine реализует domain.OrderWriter.
func (c *TracedCollaborator) CreateLine(ctx context.Context, orderID, entryID string, unitPrice decimal.Decimal, quantity int) (domain.OrderLine, error) {
	const op = "create_line"
	ctx, span, started := c.start(ctx, op,
		attribute.String("order.id", orderID),
		attribute.String("entry.id", entryID),
		attribute.String("unit_price", unitPrice.String()),
		attribute.Int("quantity", quantity),
	)

	line, err := c.next.CreateLine(ctx, orderID, entryID, unitPrice, quantity)
	if err == nil {
		span.SetAttributes(attribute.String("line.id", line.LineID))
	}
	c.finish(span, op, started, err)
	return line, err
}

// IncrementLine реализует domain.OrderWriter.
func (c *TracedCollaborator) IncrementLine(ctx context.Context, lineID string, newQuantity int) (domain.OrderLine, error) {
	const op = "increment_line"
	ctx, span, started := c.start(ctx, op,
		attribute.String("line.id", lineID),
		attribute.Int("quantity", newQuantity),
	)

	line, err := c.next.IncrementLine(ctx, lineID, newQuantity)
	c.finish(span, op, started, err)
	return line, err
}

// ActivateOrder реализует domain.OrderWriter.
func (c *TracedCollaborator) ActivateOrder(ctx context.Context, orderID string) (domain.Order, error) {
	const op = "activate_order"
	ctx, span, started := c.start(ctx, op, attribute.String("order.id", orderID))

	order, err := c.next.ActivateOrder(ctx, orderID)
	c.finish(span, op, started, err)
	return order, err
}

func category(err error) string {
	switch {
	case domain.IsValidation(err):
		return "validation"
	case domain.IsWriteConflict(err):
		return "write_conflict"
	case domain.IsNotFound(err):
		return "not_found"
	case domain.IsFetch(err):
		return "fetch"
	default:
		return "unknown"
	}
}
