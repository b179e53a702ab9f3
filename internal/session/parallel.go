package session

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gofabric/internal/msg"
)

// -------------------------------------------------------------------------
// Parallel Query
// -------------------------------------------------------------------------

// ParallelMode selects the completion condition of a parallel query.
type ParallelMode uint8

const (
	// WaitAll completes when every operation has a reply or an error.
	WaitAll ParallelMode = iota

	// WaitAny completes as soon as one operation succeeds.
	// Outstanding operations continue in the background and populate
	// the operation list as they finish. When every operation fails,
	// the call waits for all of them (there is no success to return
	// early with).
	WaitAny
)

// ParallelOp is one operation of a parallel query. The caller fills
// ToEP and Query; Reply or Err is populated on completion.
type ParallelOp struct {
	// ToEP is the operation's target endpoint.
	ToEP msg.EP

	// Query is the outbound message.
	Query *msg.Message

	mu sync.Mutex

	// reply and err record the outcome.
	reply *msg.Message
	err   error
	done  bool
}

// Reply returns the operation's reply, or nil when it failed or is
// still outstanding.
func (op *ParallelOp) Reply() *msg.Message {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.reply
}

// Err returns the operation's error, or nil.
func (op *ParallelOp) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// Done reports whether the operation has completed.
func (op *ParallelOp) Done() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.done
}

// complete records the outcome.
func (op *ParallelOp) complete(reply *msg.Message, err error) {
	op.mu.Lock()
	op.reply = reply
	op.err = err
	op.done = true
	op.mu.Unlock()
}

// ParallelQuery dispatches every operation concurrently and waits per
// the completion mode. The returned error is nil when at least one
// operation succeeded; otherwise it is the first operation's error.
func (mgr *Manager) ParallelQuery(ctx context.Context, ops []*ParallelOp, mode ParallelMode) error {
	if len(ops) == 0 {
		return nil
	}

	if mode == WaitAll {
		return mgr.parallelAll(ctx, ops)
	}
	return mgr.parallelAny(ctx, ops)
}

// parallelAll waits for every operation.
func (mgr *Manager) parallelAll(ctx context.Context, ops []*ParallelOp) error {
	var g errgroup.Group
	for _, op := range ops {
		g.Go(func() error {
			op.Query.ToEP = op.ToEP
			reply, err := mgr.Query(ctx, op.Query)
			op.complete(reply, err)
			return nil
		})
	}
	_ = g.Wait()
	return firstOutcome(ops)
}

// parallelAny returns on the first success; stragglers keep running
// and fill in their outcomes for later inspection.
func (mgr *Manager) parallelAny(ctx context.Context, ops []*ParallelOp) error {
	type outcome struct {
		err error
	}
	results := make(chan outcome, len(ops))

	for _, op := range ops {
		go func() {
			op.Query.ToEP = op.ToEP
			reply, err := mgr.Query(ctx, op.Query)
			op.complete(reply, err)
			results <- outcome{err: err}
		}()
	}

	var firstErr error
	for i := 0; i < len(ops); i++ {
		res := <-results
		if res.err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = res.err
		}
	}
	return firstErr
}

// firstOutcome reports success when any op succeeded, else the first
// error.
func firstOutcome(ops []*ParallelOp) error {
	var firstErr error
	for _, op := range ops {
		if op.Err() == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = op.Err()
		}
	}
	return firstErr
}
