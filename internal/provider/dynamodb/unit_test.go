package dynamodb

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/nightrun/internal/provider"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

// mockDDB is a minimal mock of the DDBAPI interface for unit testing.
type mockDDB struct {
	putItemFn       func(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	getItemFn       func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	queryFn         func(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	describeTableFn func(ctx context.Context, input *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	createTableFn   func(ctx context.Context, input *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

func (m *mockDDB) PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if m.putItemFn != nil {
		return m.putItemFn(ctx, input, opts...)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDB) GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.getItemFn != nil {
		return m.getItemFn(ctx, input, opts...)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDDB) Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, input, opts...)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (m *mockDDB) DescribeTable(ctx context.Context, input *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if m.describeTableFn != nil {
		return m.describeTableFn(ctx, input, opts...)
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func (m *mockDDB) CreateTable(ctx context.Context, input *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	if m.createTableFn != nil {
		return m.createTableFn(ctx, input, opts...)
	}
	return &dynamodb.CreateTableOutput{}, nil
}

func (m *mockDDB) UpdateTimeToLive(_ context.Context, _ *dynamodb.UpdateTimeToLiveInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error) {
	return &dynamodb.UpdateTimeToLiveOutput{}, nil
}

func newTestLedger(mock *mockDDB) *Ledger {
	return &Ledger{
		client:       mock,
		tableName:    "test-table",
		logger:       slog.Default(),
		retentionTTL: 24 * time.Hour,
		now:          func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
}

func sampleReport() types.RunReport {
	started := time.Date(2026, 3, 2, 21, 30, 0, 0, time.UTC)
	return types.RunReport{
		RunID:       "01HZX",
		AsOfDate:    "2026-03-02",
		RunSource:   types.SourceScheduled,
		StartedAt:   started,
		CompletedAt: started.Add(5 * time.Minute),
		Results: map[string]types.ItemResult{
			"AAPL": {Status: types.ResultSuccess},
			"MSFT": {Status: types.ResultFailed, Error: "boom", Category: types.FailureContentGeneration},
		},
		Aggregate: types.Aggregate{Succeeded: 1, Failed: 1, Total: 2},
	}
}

func TestPutReport_KeysAndCondition(t *testing.T) {
	var captured *dynamodb.PutItemInput
	mock := &mockDDB{
		putItemFn: func(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			captured = input
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	l := newTestLedger(mock)

	require.NoError(t, l.PutReport(context.Background(), sampleReport()))
	require.NotNil(t, captured)
	assert.Equal(t, "attribute_not_exists(PK)", aws.ToString(captured.ConditionExpression))
	assert.Equal(t, "RUN#01HZX", captured.Item["PK"].(*ddbtypes.AttributeValueMemberS).Value)
	assert.Equal(t, "DATE#2026-03-02", captured.Item["GSI1PK"].(*ddbtypes.AttributeValueMemberS).Value)
	assert.Equal(t, "RUN#2026-03-02T21:30:00Z#01HZX", captured.Item["GSI1SK"].(*ddbtypes.AttributeValueMemberS).Value)
	assert.Contains(t, captured.Item, "ttl")
}

func TestPutReport_SecondWriteRejected(t *testing.T) {
	mock := &mockDDB{
		putItemFn: func(_ context.Context, _ *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("exists")}
		},
	}
	err := newTestLedger(mock).PutReport(context.Background(), sampleReport())
	assert.ErrorIs(t, err, provider.ErrReportExists)
}

func TestGetReport_ReadsWhatWasWritten(t *testing.T) {
	var stored map[string]ddbtypes.AttributeValue
	mock := &mockDDB{
		putItemFn: func(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			stored = input.Item
			return &dynamodb.PutItemOutput{}, nil
		},
		getItemFn: func(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			if input.Key["PK"].(*ddbtypes.AttributeValueMemberS).Value != "RUN#01HZX" {
				return &dynamodb.GetItemOutput{}, nil
			}
			return &dynamodb.GetItemOutput{Item: stored}, nil
		},
	}
	l := newTestLedger(mock)
	ctx := context.Background()
	require.NoError(t, l.PutReport(ctx, sampleReport()))

	got, err := l.GetReport(ctx, "01HZX")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Aggregate.Failed)
	assert.Equal(t, types.FailureContentGeneration, got.Results["MSFT"].Category)
	assert.Equal(t, types.ExitItemsFailed, got.ExitCode())

	missing, err := l.GetReport(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListReports_NewestFirst(t *testing.T) {
	var captured *dynamodb.QueryInput
	mock := &mockDDB{
		queryFn: func(_ context.Context, input *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			captured = input
			return &dynamodb.QueryOutput{}, nil
		},
	}
	reports, err := newTestLedger(mock).ListReports(context.Background(), "2026-03-02", 0)
	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.Equal(t, gsi1, aws.ToString(captured.IndexName))
	assert.False(t, aws.ToBool(captured.ScanIndexForward))
	assert.Equal(t, int32(20), aws.ToInt32(captured.Limit))
}

func TestPutCheckpoint_StaleVersionIgnored(t *testing.T) {
	mock := &mockDDB{
		putItemFn: func(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			v := input.ExpressionAttributeValues[":v"].(*ddbtypes.AttributeValueMemberN).Value
			if v == "1" {
				return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("newer exists")}
			}
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	l := newTestLedger(mock)
	scope := types.Scope{AsOfDate: "2026-03-02"}

	stored, err := l.PutCheckpoint(context.Background(), types.Checkpoint{Scope: scope, Version: 1})
	require.NoError(t, err)
	assert.False(t, stored)

	stored, err = l.PutCheckpoint(context.Background(), types.Checkpoint{Scope: scope, Version: 2})
	require.NoError(t, err)
	assert.True(t, stored)
}

func TestPutCheckpoint_OtherErrorsSurface(t *testing.T) {
	mock := &mockDDB{
		putItemFn: func(_ context.Context, _ *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	_, err := newTestLedger(mock).PutCheckpoint(context.Background(), types.Checkpoint{Version: 1})
	assert.Error(t, err)
}

func TestStart_TableAlreadyExists(t *testing.T) {
	mock := &mockDDB{
		createTableFn: func(_ context.Context, _ *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
			return nil, &ddbtypes.ResourceInUseException{Message: aws.String("exists")}
		},
	}
	l := newTestLedger(mock)
	l.createTable = true
	assert.NoError(t, l.Start(context.Background()))
}
