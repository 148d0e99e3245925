package async

// Guard is a scope-bound holder of one task. Deferring Close guarantees the
// task is cancelled on every exit path, including early returns and
// propagated failures, so a caller cannot leak a running invocation by
// forgetting to await it.
//
//	g := async.Guarded(async.Submit(body, async.WithTimeout(time.Second)))
//	defer g.Close()
//	val, err := g.Task().Wait(ctx)
type Guard struct {
	task     *Task
	released bool
}

// Guarded wraps an existing task in a guard.
func Guarded(t *Task) *Guard {
	return &Guard{task: t}
}

// Task returns the guarded task.
func (g *Guard) Task() *Task { return g.task }

// Release disarms the guard and hands ownership back to the caller. The
// task keeps running after the guard's scope ends.
func (g *Guard) Release() *Task {
	g.released = true
	return g.task
}

// Close cancels the task unless it was released or already terminal.
// Safe to call more than once.
func (g *Guard) Close() error {
	if g.released || g.task == nil {
		return nil
	}
	if !g.task.State().Terminal() {
		g.task.Cancel()
	}
	return nil
}
