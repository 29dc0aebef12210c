package noti

import (
	"fmt"
	"maps"
	"slices"

	"github.com/slack-go/slack"

	"github.com/tradeops/helmsman/pkg/events"
)

// SlackOption configures the Slack client
type SlackOption struct {
	Token   string
	Channel string
	Debug   bool
}

type slackClientWrapper struct {
	client  *slack.Client
	channel string
}

// NewSlackClient creates a Slack-backed Client, or a no-op client when no
// token is configured
func NewSlackClient(option SlackOption) Client {
	if option.Token == "" {
		return &NoopClient{}
	}

	return &slackClientWrapper{
		client:  slack.New(option.Token, slack.OptionDebug(option.Debug)),
		channel: option.Channel,
	}
}

func (w *slackClientWrapper) Send(text string, eventType events.EventType, meta map[string]string) error {
	if _, _, _, err := w.client.SendMessage(w.channel, messageBlocks(text, eventType, meta)); err != nil {
		return fmt.Errorf("error sending message to %s: %w", w.channel, err)
	}
	return nil
}

func messageBlocks(text string, eventType events.EventType, meta map[string]string) slack.MsgOption {
	fields := make([]*slack.TextBlockObject, 0, len(meta))
	for _, k := range slices.Sorted(maps.Keys(meta)) {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s*\n%s", k, meta[k]), false, false))
	}
	if len(fields) == 0 {
		fields = nil
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, slackHeader(eventType), true, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.PlainTextType, text, true, false), fields, nil),
	}

	// Approval requests carry resolve actions; the handler routes the
	// button value back to the approval gate
	if eventType == events.EventRollbackApprovalRequired {
		requestID := meta["request_id"]
		blocks = append(blocks, slack.NewActionBlock("",
			slack.NewButtonBlockElement("approve", "approve:"+requestID,
				slack.NewTextBlockObject("plain_text", "Approve", false, false),
			).WithStyle(slack.StylePrimary),
			slack.NewButtonBlockElement("reject", "reject:"+requestID,
				slack.NewTextBlockObject("plain_text", "Reject", false, false),
			).WithStyle(slack.StyleDanger),
		))
	}

	return slack.MsgOptionBlocks(blocks...)
}

func slackHeader(eventType events.EventType) string {
	switch eventType {
	case events.EventCanaryLaunched:
		return "Canary Launched"
	case events.EventCanaryRolledBack:
		return "Canary Rolled Back"
	case events.EventCanaryPromoted:
		return "Canary Promoted"
	case events.EventPromotionStarted:
		return "Promotion Started"
	case events.EventPromotionCompleted:
		return "Promotion Completed"
	case events.EventPromotionFailed:
		return "Promotion Failed"
	case events.EventProductionRolledBack:
		return "Production Rolled Back"
	case events.EventRollbackApprovalRequired:
		return "Approval Required"
	case events.EventRollbackCompleted:
		return "Rollback Completed"
	case events.EventRollbackFailed:
		return "Rollback Failed"
	}
	return "Event"
}
