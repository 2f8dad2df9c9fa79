// Package notify доставляет пользовательские уведомления моделей представления.
package notify

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// Тексты уведомлений.
const (
	MessageProductAdded      = "Product added to the Order!"
	MessageProductAddFailed  = "Error while adding product to the Order!"
	MessageOrderActivated    = "Order activated"
	MessageOrderLocked       = "Order is already activated"
	MessageActivationFailed  = "Error while activating the Order!"
	MessageMutationsPending  = "Order lines are still being saved, try again"
	MessageCatalogLoadFailed = "Error while loading products"
)

// LogNotifier пишет уведомления в лог.
type LogNotifier struct {
	logger *log.Entry
}

// NewLogNotifier создаёт notifier поверх logrus.
func NewLogNotifier(logger *log.Entry) *LogNotifier {
	if logger == nil {
		logger = log.WithField("component", "notifier")
	}
	return &LogNotifier{logger: logger}
}

// Notify реализует domain.Notifier.
func (n *LogNotifier) Notify(kind domain.NoticeKind, message string) {
	entry := n.logger.WithField("kind", kind)
	if kind == domain.NoticeError {
		entry.Warn(message)
		return
	}
	entry.Info(message)
}

// Notice описывает сохранённое уведомление.
type Notice struct {
	Kind    domain.NoticeKind `json:"kind"`
	Message string            `json:"message"`
	At      time.Time         `json:"at"`
}

// Recorder хранит последние уведомления и при необходимости передаёт их дальше.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
	limit   int
	next    domain.Notifier
	now     func() time.Time
}

// NewRecorder создаёт Recorder, хранящий не более limit уведомлений (0 означает без ограничения).
func NewRecorder(limit int, next domain.Notifier) *Recorder {
	return &Recorder{limit: limit, next: next, now: time.Now}
}

// Notify реализует domain.Notifier.
func (r *Recorder) Notify(kind domain.NoticeKind, message string) {
	r.mu.Lock()
	r.notices = append(r.notices, Notice{Kind: kind, Message: message, At: r.now().UTC()})
	if r.limit > 0 && len(r.notices) > r.limit {
		r.notices = append([]Notice(nil), r.notices[len(r.notices)-r.limit:]...)
	}
	next := r.next
	r.mu.Unlock()

	if next != nil {
		next.Notify(kind, message)
	}
}

// Notices возвращает копию накопленных уведомлений.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Drain возвращает накопленные уведомления и очищает буфер.
func (r *Recorder) Drain() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.notices
	r.notices = nil
	return out
}

// Last возвращает последнее уведомление.
func (r *Recorder) Last() (Notice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notices) == 0 {
		return Notice{}, false
	}
	return r.notices[len(r.notices)-1], true
}
