package notify

import (
	"context"
	"sync"
	"time"

	"github.com/Freeeeeet/premarket_access/internal/metrics"
	"github.com/Freeeeeet/premarket_access/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Kind string

const (
	KindAccessRequested  Kind = "access_requested"
	KindAccessDecided    Kind = "access_decided"
	KindRequestMatched   Kind = "request_matched"
	KindPaymentSucceeded Kind = "payment_succeeded"
)

type Recipient string

const (
	RecipientAdmin  Recipient = "admin"
	RecipientAgent  Recipient = "agent"
	RecipientRenter Recipient = "renter"
)

// Notification is a trigger point. Delivery mechanics belong to the sinks.
type Notification struct {
	Kind           Kind               `json:"kind"`
	Recipient      Recipient          `json:"recipient"`
	ChatID         *int64             `json:"-"` // nil для админа, берётся из конфига
	AgentID        uuid.UUID          `json:"agent_id"`
	RequestID      uuid.UUID          `json:"request_id"`
	AccessRecordID uuid.UUID          `json:"access_record_id,omitempty"`
	Status         model.AccessStatus `json:"status,omitempty"`
	RequestTitle   string             `json:"request_title,omitempty"`
	ChargeAmount   float64            `json:"charge_amount,omitempty"`
	OccurredAt     time.Time          `json:"occurred_at"`
}

// Notifier is fire-and-forget: it never reports delivery errors to the caller
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Sink delivers a notification over one channel
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Dispatcher fans a notification out to every sink in the background.
// Failures are logged and counted, never returned.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func NewDispatcher(logger *zap.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger,
	}
}

var _ Notifier = (*Dispatcher)(nil)

func (d *Dispatcher) Notify(_ context.Context, n Notification) {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now().UTC()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		// отвязываемся от контекста запроса, он закончится раньше отправки
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		for _, sink := range d.sinks {
			if err := sink.Send(ctx, n); err != nil {
				metrics.NotificationFailures.WithLabelValues(sink.Name()).Inc()
				d.logger.Error("Failed to send notification",
					zap.String("sink", sink.Name()),
					zap.String("kind", string(n.Kind)),
					zap.String("recipient", string(n.Recipient)),
					zap.String("request_id", n.RequestID.String()),
					zap.Error(err))
			}
		}
	}()
}

// Wait blocks until in-flight notifications are done, used on shutdown
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Nop drops every notification
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}
