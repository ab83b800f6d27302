package orchestrator

import (
	"context"
	"time"

	"github.com/aristath/gatekeeper/internal/logging"
)

// Escalation reports a review that landed in the Critical tier.
type Escalation struct {
	RunID     string
	TaskID    string
	Attempt   int
	Score     float64
	Dominant  string   // Fingerprint of the dominant finding
	Summary   []string // Descriptions of the dominant finding
	Reviewers []string // Reviewers that reported it
	Timestamp time.Time
}

// EscalationHandler receives critical escalations, e.g. to page a human.
type EscalationHandler func(ctx context.Context, e Escalation) error

type escalationRequest struct {
	escalation Escalation
	ackCh      chan error
}

// Escalator delivers escalations to a single handler goroutine so that
// slow handlers never run on a review path concurrently.
type Escalator struct {
	requests chan escalationRequest
	handler  EscalationHandler
	logger   *logging.Logger
	done     chan struct{}
}

// NewEscalator creates an escalator with the given buffer size. A nil
// handler logs escalations at error level.
func NewEscalator(bufferSize int, handler EscalationHandler, logger *logging.Logger) *Escalator {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	logger = logging.OrNop(logger).WithComponent("escalation")
	if handler == nil {
		handler = func(ctx context.Context, e Escalation) error {
			logger.Error("critical review escalated",
				"run_id", e.RunID,
				"task_id", e.TaskID,
				"attempt", e.Attempt,
				"score", e.Score,
				"dominant", e.Dominant,
				"reviewers", e.Reviewers)
			return nil
		}
	}
	return &Escalator{
		requests: make(chan escalationRequest, bufferSize),
		handler:  handler,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the handler goroutine. It runs until ctx is cancelled.
func (e *Escalator) Start(ctx context.Context) {
	go e.handle(ctx)
}

func (e *Escalator) handle(ctx context.Context) {
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.requests:
			err := e.handler(ctx, req.escalation)
			if ctx.Err() != nil {
				req.ackCh <- ctx.Err()
				return
			}
			req.ackCh <- err
		}
	}
}

// Escalate hands an escalation to the handler and waits until it has been
// handled. It respects cancellation while queueing and while waiting.
func (e *Escalator) Escalate(ctx context.Context, esc Escalation) error {
	// Buffered so the handler never blocks on an abandoned request.
	ackCh := make(chan error, 1)

	select {
	case e.requests <- escalationRequest{escalation: esc, ackCh: ackCh}:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return context.Canceled
	}

	select {
	case err := <-ackCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		// The handler may have acked just before exiting.
		select {
		case err := <-ackCh:
			return err
		default:
			return context.Canceled
		}
	}
}

// Stop blocks until the handler goroutine has exited.
func (e *Escalator) Stop() {
	<-e.done
}
