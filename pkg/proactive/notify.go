package proactive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Notifier delivers a newly raised alert somewhere outside the store.
type Notifier interface {
	Notify(ctx context.Context, agent *Agent, alert *Alert) error
}

type SlackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

type SlackNotifier struct {
	Client  SlackClient
	Channel string
}

var severityEmoji = map[Severity]string{
	SeverityLow:    ":large_blue_circle:",
	SeverityMedium: ":warning:",
	SeverityHigh:   ":rotating_light:",
}

func (n *SlackNotifier) Notify(ctx context.Context, agent *Agent, alert *Alert) error {
	text := fmt.Sprintf("%s *%s*\n%s", severityEmoji[alert.Severity], alert.Title, alert.Message)
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("agent `%s` | severity %s | condition `%s`", agent.Name, alert.Severity, agent.AlertCondition),
				false, false)),
	}
	_, _, err := n.Client.PostMessageContext(ctx, n.Channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("failed to post alert to slack: %w", err)
	}
	return nil
}

type KafkaClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaNotifier publishes alerts as JSON, keyed by agent ID.
type KafkaNotifier struct {
	Client KafkaClient
	Topic  string
}

type alertEvent struct {
	Agent string `json:"agent"`
	*Alert
}

func (n *KafkaNotifier) Notify(ctx context.Context, agent *Agent, alert *Alert) error {
	payload, err := json.Marshal(alertEvent{Agent: agent.Name, Alert: alert})
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	rec := &kgo.Record{Topic: n.Topic, Key: []byte(agent.ID.String()), Value: payload}
	if err := n.Client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce alert: %w", err)
	}
	return nil
}

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, agent *Agent, alert *Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, agent, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes alerts to the log. It is the default when nothing else
// is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, agent *Agent, alert *Alert) error {
	n.Logger.Info("proactive: alert raised",
		"agent", agent.Name, "alert_id", alert.ID, "severity", alert.Severity, "title", alert.Title)
	return nil
}
