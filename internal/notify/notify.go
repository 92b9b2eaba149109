// Package notify publishes "your post was liked" style messages to a push
// notification transport. Delivery is fire-and-forget: failures are logged
// and never affect the action that produced them.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/tildaslashalef/venuesync/internal/loggy"
)

// Message is one notification for a recipient
type Message struct {
	Kind      string    `json:"kind"`
	ActorID   string    `json:"actor_id"`
	TargetID  string    `json:"target_id"`
	Text      string    `json:"text,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier is a one-way notification sink
type Notifier interface {
	Notify(ctx context.Context, recipientID string, msg Message) error
}

// Noop discards every message
type Noop struct{}

// Notify does nothing
func (Noop) Notify(context.Context, string, Message) error {
	return nil
}

// Dispatcher sends notifications in the background with a bounded timeout
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	wg       sync.WaitGroup
	logger   *loggy.Logger
}

// NewDispatcher wraps notifier
func NewDispatcher(notifier Notifier, timeout time.Duration, logger *loggy.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		timeout:  timeout,
		logger:   logger.Component("notify"),
	}
}

// Send delivers msg asynchronously and returns immediately
func (d *Dispatcher) Send(recipientID string, msg Message) {
	if recipientID == "" || recipientID == msg.ActorID {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.notifier.Notify(ctx, recipientID, msg); err != nil {
			d.logger.Warn("Notification not delivered", "recipient", recipientID, "kind", msg.Kind, "error", err)
			return
		}
		d.logger.Debug("Notification delivered", "recipient", recipientID, "kind", msg.Kind)
	}()
}

// Wait blocks until every pending delivery finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
