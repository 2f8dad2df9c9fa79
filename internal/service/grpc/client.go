package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client вызывает CartSyncService. Ответы возвращаются как JSON-совместимые map.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient оборачивает соединение.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) call(ctx context.Context, method string, fields map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// OpenSession открывает сессию заказа.
func (c *Client) OpenSession(ctx context.Context, orderID string) (map[string]any, error) {
	return c.call(ctx, MethodOpenSession, map[string]any{fieldOrderID: orderID})
}

// GetCatalog возвращает снимок каталога.
func (c *Client) GetCatalog(ctx context.Context, orderID string) (map[string]any, error) {
	return c.call(ctx, MethodGetCatalog, map[string]any{fieldOrderID: orderID})
}

// GetOrder возвращает снимок заказа.
func (c *Client) GetOrder(ctx context.Context, orderID string) (map[string]any, error) {
	return c.call(ctx, MethodGetOrder, map[string]any{fieldOrderID: orderID})
}

// SelectProduct выбирает позицию каталога.
func (c *Client) SelectProduct(ctx context.Context, orderID, entryID string) (map[string]any, error) {
	return c.call(ctx, MethodSelectProduct, map[string]any{fieldOrderID: orderID, fieldEntryID: entryID})
}

// ActivateOrder активирует заказ.
func (c *Client) ActivateOrder(ctx context.Context, orderID string) (map[string]any, error) {
	return c.call(ctx, MethodActivateOrder, map[string]any{fieldOrderID: orderID})
}

// RetryOrder перечитывает заказ после ошибки.
func (c *Client) RetryOrder(ctx context.Context, orderID string) (map[string]any, error) {
	return c.call(ctx, MethodRetryOrder, map[string]any{fieldOrderID: orderID})
}

// SortCatalog задаёт сортировку каталога.
func (c *Client) SortCatalog(ctx context.Context, orderID, key, direction string) (map[string]any, error) {
	return c.call(ctx, MethodSortCatalog, map[string]any{fieldOrderID: orderID, fieldKey: key, fieldDirection: direction})
}

// SortOrder задаёт сортировку строк заказа.
func (c *Client) SortOrder(ctx context.Context, orderID, key, direction string) (map[string]any, error) {
	return c.call(ctx, MethodSortOrder, map[string]any{fieldOrderID: orderID, fieldKey: key, fieldDirection: direction})
}

// ListNotices возвращает уведомления сессии.
func (c *Client) ListNotices(ctx context.Context, orderID string, drain bool) (map[string]any, error) {
	return c.call(ctx, MethodListNotices, map[string]any{fieldOrderID: orderID, fieldDrain: drain})
}

// CloseSession закрывает сессию.
func (c *Client) CloseSession(ctx context.Context, orderID string) (bool, error) {
	out, err := c.call(ctx, MethodCloseSession, map[string]any{fieldOrderID: orderID})
	if err != nil {
		return false, err
	}
	closed, _ := out["closed"].(bool)
	return closed, nil
}
