package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

type mockEventBridge struct {
	inputs []*eventbridge.PutEventsInput
	out    *eventbridge.PutEventsOutput
	err    error
}

func (m *mockEventBridge) PutEvents(_ context.Context, in *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	m.inputs = append(m.inputs, in)
	if m.err != nil {
		return nil, m.err
	}
	if m.out != nil {
		return m.out, nil
	}
	return &eventbridge.PutEventsOutput{}, nil
}

func sampleReport() types.RunReport {
	return types.RunReport{
		RunID:       "01JNRUN",
		AsOfDate:    "2026-03-02",
		RunSource:   types.SourceScheduled,
		StartedAt:   time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC),
		CompletedAt: time.Date(2026, 3, 2, 2, 40, 0, 0, time.UTC),
		Aggregate:   types.Aggregate{Succeeded: 21, Failed: 25, Total: 46},
		Results: map[string]types.ItemResult{
			"AAPL": {Status: types.ResultSuccess},
		},
	}
}

func TestEventBridge_RunCompleted(t *testing.T) {
	mock := &mockEventBridge{}
	n, err := NewEventBridge(context.Background(), "nightrun-bus", WithEventBridgeClient(mock))
	require.NoError(t, err)

	require.NoError(t, n.RunCompleted(context.Background(), sampleReport()))
	require.Len(t, mock.inputs, 1)
	require.Len(t, mock.inputs[0].Entries, 1)

	entry := mock.inputs[0].Entries[0]
	assert.Equal(t, "nightrun-bus", *entry.EventBusName)
	assert.Equal(t, Source, *entry.Source)
	assert.Equal(t, DetailTypeRunCompleted, *entry.DetailType)

	var s RunSummary
	require.NoError(t, json.Unmarshal([]byte(*entry.Detail), &s))
	assert.Equal(t, 46, s.Aggregate.Total)
	assert.Equal(t, types.ExitItemsFailed, s.ExitCode)
	assert.Equal(t, 1, s.ArtifactsMissing)
}

func TestEventBridge_FailedEntry(t *testing.T) {
	mock := &mockEventBridge{out: &eventbridge.PutEventsOutput{
		FailedEntryCount: 1,
		Entries: []ebtypes.PutEventsResultEntry{{
			ErrorCode:    aws.String("ThrottlingException"),
			ErrorMessage: aws.String("rate exceeded"),
		}},
	}}
	n, err := NewEventBridge(context.Background(), "bus", WithEventBridgeClient(mock))
	require.NoError(t, err)

	err = n.RunCompleted(context.Background(), sampleReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ThrottlingException")
}

func TestEventBridge_ClientError(t *testing.T) {
	mock := &mockEventBridge{err: errors.New("network down")}
	n, err := NewEventBridge(context.Background(), "bus", WithEventBridgeClient(mock))
	require.NoError(t, err)
	assert.Error(t, n.RunCompleted(context.Background(), sampleReport()))
}

func TestNewEventBridge_RequiresBus(t *testing.T) {
	_, err := NewEventBridge(context.Background(), "")
	assert.Error(t, err)
}

func TestSummarize_OrchestrationError(t *testing.T) {
	s := Summarize(types.RunReport{RunID: "r", Error: "listing unavailable"})
	assert.Equal(t, types.ExitOrchestration, s.ExitCode)
	assert.Equal(t, "listing unavailable", s.Error)
}
