// Package noti delivers orchestrator lifecycle events to operators.
// When no Slack token is configured the notifier degrades to a no-op
// client so deployments without Slack lose nothing but the messages.
package noti

import "github.com/tradeops/helmsman/pkg/events"

// Client sends operator-facing notifications
type Client interface {
	// Send delivers one message. Meta fields are rendered alongside the
	// text; approval-required messages carry approve/reject actions keyed
	// by meta["request_id"].
	Send(text string, eventType events.EventType, meta map[string]string) error
}
