package types

// Invocation is how a work item reaches a worker. It is resolved once at the
// dispatch boundary; the worker only ever sees the WorkerRequest.
type Invocation interface {
	Request() WorkerRequest
	isInvocation()
}

// Direct is a synchronous invocation carrying the request payload.
type Direct struct {
	Payload WorkerRequest
}

// Request implements Invocation.
func (d Direct) Request() WorkerRequest { return d.Payload }
func (Direct) isInvocation()            {}

// Queued is an invocation delivered through a message queue.
type Queued struct {
	MessageID string
	Body      WorkerRequest
}

// Request implements Invocation.
func (q Queued) Request() WorkerRequest { return q.Body }
func (Queued) isInvocation()            {}
