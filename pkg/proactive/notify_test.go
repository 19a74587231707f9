package proactive_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/malbeclabs/nl2sql/pkg/proactive"
)

type fakeSlack struct {
	channel string
	text    string
	err     error
}

func (f *fakeSlack) PostMessageContext(_ context.Context, channel string, opts ...slack.MsgOption) (string, string, error) {
	f.channel = channel
	_, values, err := slack.UnsafeApplyMsgOptions("token", channel, "https://slack.test/api/", opts...)
	if err != nil {
		return "", "", err
	}
	f.text = values.Get("text")
	return channel, "1700000000.000100", f.err
}

type fakeKafka struct {
	records []*kgo.Record
	err     error
}

func (f *fakeKafka) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var out kgo.ProduceResults
	for _, r := range rs {
		f.records = append(f.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func testAlert() (*proactive.Agent, *proactive.Alert) {
	agent := &proactive.Agent{ID: uuid.New(), Name: "revenue drop", AlertCondition: "pct_change < -10"}
	alert := &proactive.Alert{
		ID:       uuid.New(),
		AgentID:  agent.ID,
		Severity: proactive.SeverityHigh,
		Title:    "revenue drop: condition met",
		Message:  "1 of 2 rows matched",
		Data:     map[string]any{"matched_rows": 1},
		Status:   proactive.AlertActive,
	}
	return agent, alert
}

func TestSlackNotifier(t *testing.T) {
	t.Parallel()

	client := &fakeSlack{}
	n := &proactive.SlackNotifier{Client: client, Channel: "C123"}
	agent, alert := testAlert()

	require.NoError(t, n.Notify(t.Context(), agent, alert))
	assert.Equal(t, "C123", client.channel)
	assert.Contains(t, client.text, "*revenue drop: condition met*")
	assert.Contains(t, client.text, ":rotating_light:")

	client.err = errors.New("channel_not_found")
	require.ErrorContains(t, n.Notify(t.Context(), agent, alert), "channel_not_found")
}

func TestKafkaNotifier(t *testing.T) {
	t.Parallel()

	client := &fakeKafka{}
	n := &proactive.KafkaNotifier{Client: client, Topic: "nl2sql.alerts"}
	agent, alert := testAlert()

	require.NoError(t, n.Notify(t.Context(), agent, alert))
	require.Len(t, client.records, 1)
	rec := client.records[0]
	assert.Equal(t, "nl2sql.alerts", rec.Topic)
	assert.Equal(t, agent.ID.String(), string(rec.Key))

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Value, &got))
	assert.Equal(t, "revenue drop", got["agent"])
	assert.Equal(t, alert.ID.String(), got["id"])
	assert.Equal(t, "high", got["severity"])

	client.err = errors.New("broker down")
	require.ErrorContains(t, n.Notify(t.Context(), agent, alert), "broker down")
}

func TestMultiNotifier_JoinsErrors(t *testing.T) {
	t.Parallel()

	ok := &fakeNotifier{}
	bad := &fakeNotifier{err: errors.New("boom")}
	agent, alert := testAlert()

	err := proactive.MultiNotifier{bad, ok}.Notify(t.Context(), agent, alert)
	require.ErrorContains(t, err, "boom")
	assert.Equal(t, 1, ok.Count())
	assert.Equal(t, 1, bad.Count())

	require.NoError(t, proactive.MultiNotifier{ok}.Notify(t.Context(), agent, alert))
}
