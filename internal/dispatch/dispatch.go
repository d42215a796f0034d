// Package dispatch is the boundary between the orchestrator and workers. An
// invocation is resolved into a types.Invocation variant exactly once, here,
// and the worker only ever receives the WorkerRequest it carries.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

// Invoker delivers one invocation to a worker. A returned error means the
// invocation could not be delivered; a worker that ran and failed is a
// failed WorkerResult with a nil error.
type Invoker interface {
	Invoke(ctx context.Context, inv types.Invocation) (types.WorkerResult, error)
}

// Processor is the in-process worker.
type Processor interface {
	Process(ctx context.Context, req types.WorkerRequest) types.WorkerResult
}

// ErrWrongVariant is returned when an invoker receives an invocation kind it
// cannot deliver.
var ErrWrongVariant = errors.New("invocation variant not supported by invoker")

// NewInvocation wraps req in the variant mode delivers.
func NewInvocation(mode types.DispatchMode, req types.WorkerRequest) types.Invocation {
	if mode == types.DispatchQueue {
		return types.Queued{Body: req}
	}
	return types.Direct{Payload: req}
}

// Local runs the worker in process.
type Local struct {
	p Processor
}

// NewLocal creates an in-process invoker.
func NewLocal(p Processor) *Local { return &Local{p: p} }

func (l *Local) Invoke(ctx context.Context, inv types.Invocation) (types.WorkerResult, error) {
	return l.p.Process(ctx, inv.Request()), nil
}

// LambdaAPI is the subset of the Lambda client used for direct dispatch.
type LambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Lambda invokes the worker function synchronously.
type Lambda struct {
	client   LambdaAPI
	function string
}

// NewLambda creates a direct invoker for function.
func NewLambda(client LambdaAPI, function string) *Lambda {
	return &Lambda{client: client, function: function}
}

// functionError is the payload Lambda returns for an unhandled error.
type functionError struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorType    string `json:"errorType"`
}

func (l *Lambda) Invoke(ctx context.Context, inv types.Invocation) (types.WorkerResult, error) {
	direct, ok := inv.(types.Direct)
	if !ok {
		return types.WorkerResult{}, fmt.Errorf("lambda: %T: %w", inv, ErrWrongVariant)
	}
	req := direct.Payload
	payload, err := json.Marshal(req)
	if err != nil {
		return types.WorkerResult{}, fmt.Errorf("marshaling worker request: %w", err)
	}

	out, err := l.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(l.function),
		InvocationType: lambdatypes.InvocationTypeRequestResponse,
		Payload:        payload,
	})
	if err != nil {
		return types.WorkerResult{}, fmt.Errorf("invoking %s for %s: %w", l.function, req.Identifier, err)
	}

	if out.FunctionError != nil {
		var fe functionError
		_ = json.Unmarshal(out.Payload, &fe)
		msg := fmt.Sprintf("worker function error (%s): %s", aws.ToString(out.FunctionError), fe.ErrorMessage)
		category := types.FailureInternal
		if strings.Contains(fe.ErrorMessage, "timed out") || fe.ErrorType == "Sandbox.Timedout" {
			category = types.FailureResourceSaturation
		}
		return types.WorkerResult{
			Identifier: req.Identifier,
			Status:     types.ResultFailed,
			Error:      &msg,
			Category:   category,
		}, nil
	}

	var res types.WorkerResult
	if err := json.Unmarshal(out.Payload, &res); err != nil {
		return types.WorkerResult{}, fmt.Errorf("decoding worker result for %s: %w", req.Identifier, err)
	}
	if err := res.Validate(req); err != nil {
		return types.WorkerResult{}, fmt.Errorf("malformed worker result: %w", err)
	}
	return res, nil
}

// SQSAPI is the subset of the SQS client used for queued dispatch.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Queue sends invocations to the worker queue. Delivery is acknowledged with
// an accepted result; the item's outcome lands in the cache, not here.
type Queue struct {
	client   SQSAPI
	queueURL string
}

// NewQueue creates a queued invoker for queueURL.
func NewQueue(client SQSAPI, queueURL string) *Queue {
	return &Queue{client: client, queueURL: queueURL}
}

func (q *Queue) Invoke(ctx context.Context, inv types.Invocation) (types.WorkerResult, error) {
	queued, ok := inv.(types.Queued)
	if !ok {
		return types.WorkerResult{}, fmt.Errorf("queue: %T: %w", inv, ErrWrongVariant)
	}
	body, err := json.Marshal(queued.Body)
	if err != nil {
		return types.WorkerResult{}, fmt.Errorf("marshaling worker request: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return types.WorkerResult{}, fmt.Errorf("enqueueing %s: %w", queued.Body.Identifier, err)
	}
	return types.WorkerResult{Identifier: queued.Body.Identifier, Status: types.ResultAccepted}, nil
}

// Reachable checks the queue exists.
func (q *Queue) Reachable(ctx context.Context) error {
	_, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{QueueUrl: aws.String(q.queueURL)})
	if err != nil {
		return fmt.Errorf("queue %s: %w", q.queueURL, err)
	}
	return nil
}
