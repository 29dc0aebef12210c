package noti

import "github.com/tradeops/helmsman/pkg/events"

// NoopClient silently drops every notification
type NoopClient struct{}

func (n *NoopClient) Send(text string, eventType events.EventType, meta map[string]string) error {
	return nil
}
