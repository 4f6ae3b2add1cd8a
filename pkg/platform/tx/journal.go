package tx

import (
	"context"
	"sync"
)

type journalKey struct{}

// journal collects undo closures for participants that cannot join a SQL transaction.
type journal struct {
	mu   sync.Mutex
	undo []func()
}

func (j *journal) add(fn func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.undo = append(j.undo, fn)
}

// rollback runs undo closures newest first.
func (j *journal) rollback() {
	j.mu.Lock()
	undo := j.undo
	j.undo = nil
	j.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

func withJournal(ctx context.Context) (context.Context, *journal) {
	j := &journal{}
	return context.WithValue(ctx, journalKey{}, j), j
}

// InUnit reports whether ctx belongs to an open unit of work.
func InUnit(ctx context.Context) bool {
	_, ok := ctx.Value(journalKey{}).(*journal)
	return ok
}

// OnRollback registers fn to run if the enclosing unit of work fails.
// Outside a unit it is a no-op: the write is already final.
func OnRollback(ctx context.Context, fn func()) {
	if j, ok := ctx.Value(journalKey{}).(*journal); ok {
		j.add(fn)
	}
}
