package dynamodb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

type checkpointItem struct {
	PK      string `dynamodbav:"PK"`
	SK      string `dynamodbav:"SK"`
	Version int64  `dynamodbav:"version"`
	Data    string `dynamodbav:"data"`
	TTL     int64  `dynamodbav:"ttl,omitempty"`
}

// PutCheckpoint stores cp when no checkpoint with the same or a newer version
// exists for its scope.
func (l *Ledger) PutCheckpoint(ctx context.Context, cp types.Checkpoint) (bool, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return false, fmt.Errorf("marshal checkpoint: %w", err)
	}
	av, err := attributevalue.MarshalMap(checkpointItem{
		PK:      scopePK(cp.Scope.Key()),
		SK:      checkpointSK(),
		Version: cp.Version,
		Data:    string(data),
		TTL:     ttlEpoch(l.now(), l.retentionTTL),
	})
	if err != nil {
		return false, fmt.Errorf("marshal checkpoint item: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &l.tableName,
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR #v < :v"),
		ExpressionAttributeNames: map[string]string{
			"#v": "version",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":v": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(cp.Version, 10)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("put checkpoint %s: %w", cp.Scope.Key(), err)
	}
	return true, nil
}

// GetCheckpoint returns the stored checkpoint for scope, or nil.
func (l *Ledger) GetCheckpoint(ctx context.Context, scope types.Scope) (*types.Checkpoint, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &l.tableName,
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: scopePK(scope.Key())},
			"SK": &ddbtypes.AttributeValueMemberS{Value: checkpointSK()},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", scope.Key(), err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var item checkpointItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint item: %w", err)
	}
	var cp types.Checkpoint
	if err := json.Unmarshal([]byte(item.Data), &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
