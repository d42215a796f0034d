package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

// DecodeEvent resolves a raw worker-function event into invocations: an SQS
// batch yields one Queued per record, anything else must be a WorkerRequest
// and yields a single Direct.
func DecodeEvent(raw json.RawMessage) ([]types.Invocation, error) {
	var probe struct {
		Records []json.RawMessage `json:"Records"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decoding worker event: %w", err)
	}

	if len(probe.Records) > 0 {
		var evt events.SQSEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, fmt.Errorf("decoding SQS event: %w", err)
		}
		invs := make([]types.Invocation, 0, len(evt.Records))
		for _, rec := range evt.Records {
			if rec.EventSource != "aws:sqs" {
				return nil, fmt.Errorf("record %s: unsupported event source %q", rec.MessageId, rec.EventSource)
			}
			var req types.WorkerRequest
			if err := json.Unmarshal([]byte(rec.Body), &req); err != nil {
				return nil, fmt.Errorf("record %s: decoding worker request: %w", rec.MessageId, err)
			}
			invs = append(invs, types.Queued{MessageID: rec.MessageId, Body: req})
		}
		return invs, nil
	}

	var req types.WorkerRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding worker request: %w", err)
	}
	if req.Identifier == "" {
		return nil, fmt.Errorf("worker request missing identifier")
	}
	return []types.Invocation{types.Direct{Payload: req}}, nil
}
