package dynamodb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dwsmith1983/nightrun/internal/provider"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

type reportItem struct {
	PK     string `dynamodbav:"PK"`
	SK     string `dynamodbav:"SK"`
	GSI1PK string `dynamodbav:"GSI1PK"`
	GSI1SK string `dynamodbav:"GSI1SK"`
	Data   string `dynamodbav:"data"`
	TTL    int64  `dynamodbav:"ttl,omitempty"`
}

// PutReport writes report once. Reports are immutable: a second write for the
// same run ID fails with provider.ErrReportExists.
func (l *Ledger) PutReport(ctx context.Context, report types.RunReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal run report: %w", err)
	}
	av, err := attributevalue.MarshalMap(reportItem{
		PK:     runPK(report.RunID),
		SK:     reportSK(),
		GSI1PK: datePK(report.AsOfDate),
		GSI1SK: reportListSK(report.StartedAt, report.RunID),
		Data:   string(data),
		TTL:    ttlEpoch(l.now(), l.retentionTTL),
	})
	if err != nil {
		return fmt.Errorf("marshal report item: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &l.tableName,
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return fmt.Errorf("run %s: %w", report.RunID, provider.ErrReportExists)
		}
		return fmt.Errorf("put run report %s: %w", report.RunID, err)
	}
	return nil
}

// GetReport returns the report for runID, or nil when none exists.
func (l *Ledger) GetReport(ctx context.Context, runID string) (*types.RunReport, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &l.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: runPK(runID)},
			"SK": &ddbtypes.AttributeValueMemberS{Value: reportSK()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get run report %s: %w", runID, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	return decodeReport(out.Item)
}

// ListReports returns reports for asOfDate, newest first.
func (l *Ledger) ListReports(ctx context.Context, asOfDate string, limit int) ([]types.RunReport, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := l.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &l.tableName,
		IndexName:              aws.String(gsi1),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND begins_with(GSI1SK, :prefix)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk":     &ddbtypes.AttributeValueMemberS{Value: datePK(asOfDate)},
			":prefix": &ddbtypes.AttributeValueMemberS{Value: prefixRun},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("list run reports for %s: %w", asOfDate, err)
	}

	reports := make([]types.RunReport, 0, len(out.Items))
	for _, item := range out.Items {
		r, err := decodeReport(item)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *r)
	}
	return reports, nil
}

func decodeReport(av map[string]ddbtypes.AttributeValue) (*types.RunReport, error) {
	var item reportItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("unmarshal report item: %w", err)
	}
	var r types.RunReport
	if err := json.Unmarshal([]byte(item.Data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal run report: %w", err)
	}
	return &r, nil
}
