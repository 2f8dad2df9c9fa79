package domain

import (
	"errors"
	"fmt"
)

// Базовые категории ошибок. Конкретные ошибки ниже оборачивают одну из них,
// поэтому вызывающий код проверяет категорию через errors.Is.
var (
	// ErrFetch — сбой чтения у коллаборатора данных (сеть, таймаут). Не фатален,
	// повторяется при следующей загрузке.
	ErrFetch = errors.New("fetch failed")
	// ErrNotFound — запрошенная запись отсутствует у коллаборатора.
	ErrNotFound = errors.New("not found")
	// ErrWriteConflict — запись отклонена из-за состояния на стороне сервера
	// (например, повторная активация заказа).
	ErrWriteConflict = errors.New("write conflict")
	// ErrValidation — некорректные входные данные; отклоняются до обращения к коллаборатору.
	ErrValidation = errors.New("validation failed")
	// ErrLockedState — действие запрещено, потому что заказ уже активирован.
	ErrLockedState = errors.New("order is locked")
	// ErrNotReady — модель представления ещё не загружена или находится в ошибке.
	ErrNotReady = errors.New("view model is not ready")
	// ErrMutationInProgress — операция невозможна, пока выполняются изменения позиций.
	ErrMutationInProgress = errors.New("mutation in progress")
)

// Ошибки валидации.
var (
	// ErrOrderIDRequired возвращается, если не задан идентификатор заказа.
	ErrOrderIDRequired = fmt.Errorf("%w: order_id is required", ErrValidation)
	// ErrEntryIDRequired возвращается, если не задан идентификатор позиции прайс-листа.
	ErrEntryIDRequired = fmt.Errorf("%w: entry_id is required", ErrValidation)
	// ErrUnitPriceNegative возвращается, если цена за единицу отрицательна.
	ErrUnitPriceNegative = fmt.Errorf("%w: unit_price must be non-negative", ErrValidation)
	// ErrQuantityInvalid возвращается, если количество меньше единицы.
	ErrQuantityInvalid = fmt.Errorf("%w: quantity must be greater than zero", ErrValidation)
	// ErrTotalMismatch возвращается, если итог строки с сервера не совпадает с quantity * unit_price.
	ErrTotalMismatch = fmt.Errorf("%w: total_price does not match quantity * unit_price", ErrValidation)
	// ErrUnknownEntry возвращается, если позиции нет в прайс-листе заказа.
	ErrUnknownEntry = fmt.Errorf("%w: entry is not in the order price list", ErrValidation)
	// ErrOrderHasNoLines возвращается при попытке активировать пустой заказ.
	ErrOrderHasNoLines = fmt.Errorf("%w: order must contain at least one line", ErrValidation)
	// ErrInvalidStatus возвращается для неизвестного кода статуса заказа.
	ErrInvalidStatus = fmt.Errorf("%w: unknown order status", ErrValidation)
	// ErrInvalidSortDirection возвращается, если направление сортировки не asc и не desc.
	ErrInvalidSortDirection = fmt.Errorf("%w: sort direction must be asc or desc", ErrValidation)
)

// Ошибки конфликтов записи.
var (
	// ErrOrderAlreadyActivated возвращается, если заказ уже в конечном статусе Activated.
	ErrOrderAlreadyActivated = fmt.Errorf("%w: order is already activated", ErrWriteConflict)
	// ErrDuplicateLine возвращается, если строка для позиции в заказе уже существует.
	ErrDuplicateLine = fmt.Errorf("%w: order already has a line for this entry", ErrWriteConflict)
)

// ErrOrderNotFound возвращается, если заказ не найден.
var ErrOrderNotFound = fmt.Errorf("order %w", ErrNotFound)

// ErrLineNotFound возвращается, если строка заказа не найдена.
var ErrLineNotFound = fmt.Errorf("order line %w", ErrNotFound)

// ErrOutboxPublish возвращается при ошибке работы с записью outbox.
var ErrOutboxPublish = errors.New("outbox publish failed")

// IsFetch проверяет, является ли ошибка сбоем чтения.
func IsFetch(err error) bool {
	return errors.Is(err, ErrFetch)
}

// IsNotFound проверяет, сообщает ли ошибка об отсутствующей записи.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsWriteConflict проверяет, является ли ошибка конфликтом записи.
func IsWriteConflict(err error) bool {
	return errors.Is(err, ErrWriteConflict)
}

// IsValidation проверяет, является ли ошибка ошибкой валидации.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsLocked проверяет, отклонено ли действие из-за активированного заказа.
func IsLocked(err error) bool {
	return errors.Is(err, ErrLockedState)
}
