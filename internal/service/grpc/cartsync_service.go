package grpcsvc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/session"
	"github.com/vladislavdragonenkov/cartsync/internal/viewmodel/catalog"
	"github.com/vladislavdragonenkov/cartsync/internal/viewmodel/order"
)

// Поля запросов.
const (
	fieldOrderID   = "order_id"
	fieldEntryID   = "entry_id"
	fieldKey       = "key"
	fieldDirection = "direction"
	fieldDrain     = "drain"
)

// CartSyncService реализует CartSyncServer поверх менеджера сессий.
// Любой метод с order_id открывает сессию заказа, если она ещё не открыта.
type CartSyncService struct {
	sessions *session.Manager
	logger   *log.Entry
}

// NewCartSyncService конструирует сервис.
func NewCartSyncService(sessions *session.Manager, logger *log.Entry) *CartSyncService {
	if logger == nil {
		logger = log.New().WithField("component", "cartsync-service")
	}
	return &CartSyncService{sessions: sessions, logger: logger}
}

var _ CartSyncServer = (*CartSyncService)(nil)

// OpenSession: {order_id} → {catalog, order}.
func (s *CartSyncService) OpenSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{
		"catalog": sess.Catalog.Snapshot(),
		"order":   sess.Order.Snapshot(),
	})
}

// GetCatalog: {order_id} → снимок каталога.
func (s *CartSyncService) GetCatalog(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	return toStruct(sess.Catalog.Snapshot())
}

// GetOrder: {order_id} → снимок заказа.
func (s *CartSyncService) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	return toStruct(sess.Order.Snapshot())
}

// SelectProduct: {order_id, entry_id} → снимок заказа после обработки выбора.
// Ошибка записи не возвращается клиенту: она видна в last_error и уведомлениях.
func (s *CartSyncService) SelectProduct(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	entryID := stringField(req, fieldEntryID)
	if entryID == "" {
		return nil, status.Error(codes.InvalidArgument, "entry_id is required")
	}

	if err := sess.SelectProduct(ctx, entryID); err != nil {
		return nil, s.toStatus(err, "select product")
	}
	return toStruct(sess.Order.Snapshot())
}

// ActivateOrder: {order_id} → снимок заказа.
func (s *CartSyncService) ActivateOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := sess.Activate(ctx); err != nil {
		return nil, s.toStatus(err, "activate order")
	}
	return toStruct(sess.Order.Snapshot())
}

// RetryOrder: {order_id} → снимок заказа. Перечитывает заказ после ошибки
// записи или загрузки; в других состояниях FailedPrecondition.
func (s *CartSyncService) RetryOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := sess.Retry(ctx); err != nil {
		return nil, s.toStatus(err, "retry order")
	}
	return toStruct(sess.Order.Snapshot())
}

// SortCatalog: {order_id, key, direction} → снимок каталога.
func (s *CartSyncService) SortCatalog(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, spec, err := s.openForSort(ctx, req)
	if err != nil {
		return nil, err
	}
	sess.SortCatalog(spec)
	return toStruct(sess.Catalog.Snapshot())
}

// SortOrder: {order_id, key, direction} → снимок заказа.
func (s *CartSyncService) SortOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, spec, err := s.openForSort(ctx, req)
	if err != nil {
		return nil, err
	}
	sess.SortOrder(spec)
	return toStruct(sess.Order.Snapshot())
}

// ListNotices: {order_id, drain?} → {notices}. При drain=true буфер очищается.
func (s *CartSyncService) ListNotices(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	notices := sess.Notices.Notices()
	if boolField(req, fieldDrain) {
		notices = sess.Notices.Drain()
	}
	return toStruct(map[string]any{"notices": notices})
}

// CloseSession: {order_id} → {closed}.
func (s *CartSyncService) CloseSession(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID := stringField(req, fieldOrderID)
	if orderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	return toStruct(map[string]any{"closed": s.sessions.Close(orderID)})
}

func (s *CartSyncService) open(ctx context.Context, req *structpb.Struct) (*session.Session, error) {
	orderID := stringField(req, fieldOrderID)
	if orderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	sess, err := s.sessions.Open(ctx, orderID)
	if err != nil {
		return nil, s.toStatus(err, "open session")
	}
	return sess, nil
}

func (s *CartSyncService) openForSort(ctx context.Context, req *structpb.Struct) (*session.Session, domain.SortSpec, error) {
	spec, err := domain.ParseSortSpec(stringField(req, fieldKey), stringField(req, fieldDirection))
	if err != nil {
		return nil, domain.SortSpec{}, status.Error(codes.InvalidArgument, err.Error())
	}
	sess, err := s.open(ctx, req)
	if err != nil {
		return nil, domain.SortSpec{}, err
	}
	return sess, spec, nil
}

// toStatus переводит доменную ошибку в gRPC-статус.
func (s *CartSyncService) toStatus(err error, op string) error {
	code := codeFor(err)
	if code == codes.Internal {
		s.logger.WithError(err).WithField("op", op).Error("unexpected error")
		return status.Error(codes.Internal, "failed to "+op)
	}
	return status.Error(code, err.Error())
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case domain.IsValidation(err):
		return codes.InvalidArgument
	case domain.IsNotFound(err), errors.Is(err, session.ErrSessionNotFound):
		return codes.NotFound
	case domain.IsLocked(err), errors.Is(err, domain.ErrNotReady):
		return codes.FailedPrecondition
	case domain.IsWriteConflict(err), errors.Is(err, domain.ErrMutationInProgress):
		return codes.Aborted
	case errors.Is(err, session.ErrRateLimited):
		return codes.ResourceExhausted
	case domain.IsFetch(err),
		errors.Is(err, session.ErrManagerClosed),
		errors.Is(err, catalog.ErrClosed),
		errors.Is(err, order.ErrClosed):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toStruct сериализует значение через JSON: decimal и время попадают в ответ строками.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

func stringField(req *structpb.Struct, name string) string {
	if req == nil {
		return ""
	}
	return strings.TrimSpace(req.GetFields()[name].GetStringValue())
}

func boolField(req *structpb.Struct, name string) bool {
	if req == nil {
		return false
	}
	return req.GetFields()[name].GetBoolValue()
}
