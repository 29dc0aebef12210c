package noti

import (
	"github.com/rs/zerolog"

	"github.com/tradeops/helmsman/pkg/events"
	"github.com/tradeops/helmsman/pkg/log"
)

// notable filters the broker stream down to events operators care about.
// Per-step progress and traffic chatter stay in logs and metrics.
var notable = map[events.EventType]bool{
	events.EventCanaryLaunched:           true,
	events.EventCanaryRolledBack:         true,
	events.EventCanaryPromoted:           true,
	events.EventPromotionStarted:         true,
	events.EventPromotionCompleted:       true,
	events.EventPromotionFailed:          true,
	events.EventProductionRolledBack:     true,
	events.EventRollbackApprovalRequired: true,
	events.EventRollbackCompleted:        true,
	events.EventRollbackFailed:           true,
}

// Notifier forwards notable broker events to a notification client
type Notifier struct {
	client Client
	broker *events.Broker
	sub    events.Subscriber
	stopCh chan struct{}
	logger zerolog.Logger
}

// NewNotifier creates a notifier. Call Start to begin forwarding.
func NewNotifier(client Client, broker *events.Broker) *Notifier {
	return &Notifier{
		client: client,
		broker: broker,
		stopCh: make(chan struct{}),
		logger: log.WithComponent("notifier"),
	}
}

// Start subscribes to the broker and forwards events until Stop
func (n *Notifier) Start() {
	n.sub = n.broker.Subscribe()
	go n.run()
}

// Stop unsubscribes and stops forwarding
func (n *Notifier) Stop() {
	close(n.stopCh)
	n.broker.Unsubscribe(n.sub)
}

func (n *Notifier) run() {
	for {
		select {
		case event, ok := <-n.sub:
			if !ok {
				return
			}
			if !notable[event.Type] {
				continue
			}
			if err := n.client.Send(event.Message, event.Type, event.Metadata); err != nil {
				n.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("failed to send notification")
			}
		case <-n.stopCh:
			return
		}
	}
}
