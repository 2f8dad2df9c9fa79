package eventbus

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// Channel — имя канала шины. Набор каналов закрыт: других сообщений нет.
type Channel string

const (
	ChannelProductSelected      Channel = "cartsync.product_selected"
	ChannelOrderContentsChanged Channel = "cartsync.order_contents_changed"
	ChannelOrderActivated       Channel = "cartsync.order_activated"
)

// Channels возвращает все известные каналы в фиксированном порядке.
func Channels() []Channel {
	return []Channel{ChannelProductSelected, ChannelOrderContentsChanged, ChannelOrderActivated}
}

// Valid проверяет, что канал известен.
func (c Channel) Valid() bool {
	switch c {
	case ChannelProductSelected, ChannelOrderContentsChanged, ChannelOrderActivated:
		return true
	default:
		return false
	}
}

// Message — сообщение одного из каналов. Реализуется только типами этого пакета.
type Message interface {
	// Channel возвращает канал сообщения.
	Channel() Channel
	// OrderKey возвращает идентификатор заказа; используется как ключ партиции.
	OrderKey() string
	clone() Message
}

// ProductSelected публикуется, когда пользователь выбрал позицию каталога.
type ProductSelected struct {
	OrderID   string          `json:"orderId"`
	EntryID   string          `json:"entryId"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

func (ProductSelected) Channel() Channel { return ChannelProductSelected }
func (m ProductSelected) OrderKey() string { return m.OrderID }
func (m ProductSelected) clone() Message { return m }

// OrderContentsChanged несёт множество заказанных EntryID после подтверждённого изменения.
type OrderContentsChanged struct {
	OrderID     string   `json:"orderId"`
	OrderedKeys []string `json:"orderedKeys"`
}

func (OrderContentsChanged) Channel() Channel { return ChannelOrderContentsChanged }
func (m OrderContentsChanged) OrderKey() string { return m.OrderID }

func (m OrderContentsChanged) clone() Message {
	keys := make([]string, len(m.OrderedKeys))
	copy(keys, m.OrderedKeys)
	m.OrderedKeys = keys
	return m
}

// KeySet возвращает заказанные ключи в виде множества.
func (m OrderContentsChanged) KeySet() domain.KeySet {
	return domain.NewKeySet(m.OrderedKeys...)
}

// NewOrderContentsChanged строит сообщение из строк заказа; ключи отсортированы.
func NewOrderContentsChanged(orderID string, lines []domain.OrderLine) OrderContentsChanged {
	return OrderContentsChanged{
		OrderID:     orderID,
		OrderedKeys: domain.OrderedKeys(lines).Sorted(),
	}
}

// OrderActivated публикуется после активации заказа, выбор позиций закрыт.
type OrderActivated struct {
	OrderID string `json:"orderId"`
}

func (OrderActivated) Channel() Channel { return ChannelOrderActivated }
func (m OrderActivated) OrderKey() string { return m.OrderID }
func (m OrderActivated) clone() Message { return m }

// Clone возвращает независимую копию сообщения.
func Clone(msg Message) Message {
	if msg == nil {
		return nil
	}
	return msg.clone()
}

// Decode разбирает JSON-представление сообщения указанного канала.
func Decode(channel Channel, payload []byte) (Message, error) {
	switch channel {
	case ChannelProductSelected:
		var msg ProductSelected
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", channel, err)
		}
		return msg, nil
	case ChannelOrderContentsChanged:
		var msg OrderContentsChanged
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", channel, err)
		}
		if msg.OrderedKeys == nil {
			msg.OrderedKeys = []string{}
		}
		return msg, nil
	case ChannelOrderActivated:
		var msg OrderActivated
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", channel, err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
}
