package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hearth-agent/hearth/runtime/agent/steplog"
	"github.com/hearth-agent/hearth/runtime/agent/stream"
)

type fakeStreamClient struct {
	adds   []addCall
	addErr error
	closed bool
}

type addCall struct {
	stream string
	fields map[string]any
}

func (c *fakeStreamClient) Add(_ context.Context, stream string, fields map[string]any) (string, error) {
	if c.addErr != nil {
		return "", c.addErr
	}
	c.adds = append(c.adds, addCall{stream: stream, fields: fields})
	return "1-0", nil
}

func (c *fakeStreamClient) Close(context.Context) error {
	c.closed = true
	return nil
}

func testEvent() stream.Event {
	return stream.Event{
		SessionID:      "s1",
		ContinuationID: "c1",
		Timestamp:      time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC),
		Entry: steplog.Entry{
			Type: steplog.TypePlan,
			Plan: &steplog.PlanDetail{Thought: "thinking", NextAction: "respond"},
		},
	}
}

func TestNewSinkRequiresClient(t *testing.T) {
	_, err := NewSink(Options{})
	require.Error(t, err)
}

func TestSendPublishesToSessionStream(t *testing.T) {
	fc := &fakeStreamClient{}
	sink, err := NewSink(Options{Client: fc})
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), testEvent()))
	require.Len(t, fc.adds, 1)
	call := fc.adds[0]
	require.Equal(t, "session/s1", call.stream)
	require.Equal(t, "s1", call.fields["session_id"])
	require.Equal(t, "c1", call.fields["continuation_id"])
	require.Equal(t, "plan", call.fields["type"])
	require.Equal(t, "2026-08-01T09:30:00Z", call.fields["timestamp"])

	var entry steplog.Entry
	require.NoError(t, json.Unmarshal(call.fields["entry"].([]byte), &entry))
	require.Equal(t, steplog.TypePlan, entry.Type)
	require.Equal(t, "thinking", entry.Plan.Thought)
}

func TestSendRejectsMissingSessionID(t *testing.T) {
	fc := &fakeStreamClient{}
	sink, err := NewSink(Options{Client: fc})
	require.NoError(t, err)

	event := testEvent()
	event.SessionID = ""
	require.Error(t, sink.Send(context.Background(), event))
	require.Empty(t, fc.adds)
}

func TestSendCustomStreamName(t *testing.T) {
	fc := &fakeStreamClient{}
	sink, err := NewSink(Options{
		Client: fc,
		StreamName: func(event stream.Event) (string, error) {
			return "continuation/" + event.ContinuationID, nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, sink.Send(context.Background(), testEvent()))
	require.Equal(t, "continuation/c1", fc.adds[0].stream)
}

func TestSendMarshalFailure(t *testing.T) {
	fc := &fakeStreamClient{}
	sink, err := NewSink(Options{
		Client: fc,
		MarshalEntry: func(steplog.Entry) ([]byte, error) {
			return nil, errors.New("marshal exploded")
		},
	})
	require.NoError(t, err)

	require.Error(t, sink.Send(context.Background(), testEvent()))
	require.Empty(t, fc.adds)
}

func TestSendPropagatesClientFailure(t *testing.T) {
	fc := &fakeStreamClient{addErr: errors.New("connection refused")}
	sink, err := NewSink(Options{Client: fc})
	require.NoError(t, err)

	require.Error(t, sink.Send(context.Background(), testEvent()))
}

func TestSendFillsZeroTimestamp(t *testing.T) {
	fc := &fakeStreamClient{}
	sink, err := NewSink(Options{Client: fc})
	require.NoError(t, err)

	event := testEvent()
	event.Timestamp = time.Time{}
	require.NoError(t, sink.Send(context.Background(), event))
	ts, err := time.Parse(time.RFC3339Nano, fc.adds[0].fields["timestamp"].(string))
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().UTC(), ts, time.Minute)
}

func TestCloseDelegates(t *testing.T) {
	fc := &fakeStreamClient{}
	sink, err := NewSink(Options{Client: fc})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.True(t, fc.closed)
}
