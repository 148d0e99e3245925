package async

import (
	"context"
	"errors"
	"testing"

	"github.com/polyrun/polyrun/executor"
	"github.com/polyrun/polyrun/value"
)

func TestGuardCancelsOnClose(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	task := Submit(func(ctx context.Context) (value.Value, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return value.Null(), ctx.Err()
	})

	func() {
		g := Guarded(task)
		defer g.Close()
		// scope exits without awaiting the task
	}()

	if _, err := task.Wait(context.Background()); !errors.Is(err, executor.ErrCancelled) {
		t.Errorf("guarded task error = %v, want cancelled", err)
	}
}

func TestGuardReleaseKeepsTaskAlive(t *testing.T) {
	release := make(chan struct{})
	task := Submit(func(ctx context.Context) (value.Value, error) {
		<-release
		return value.Int(5), nil
	})

	var kept *Task
	func() {
		g := Guarded(task)
		defer g.Close()
		kept = g.Release()
	}()

	close(release)
	got, err := kept.Wait(context.Background())
	if err != nil {
		t.Fatalf("released task error: %v", err)
	}
	if n, _ := got.Int(); n != 5 {
		t.Errorf("released task result = %v, want 5", got)
	}
}

func TestGuardCloseAfterTerminalIsNoop(t *testing.T) {
	task := Submit(func(ctx context.Context) (value.Value, error) {
		return value.Null(), nil
	})
	if _, err := task.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	g := Guarded(task)
	if err := g.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if task.State() != StateCompleted {
		t.Errorf("Close() disturbed a completed task: %v", task.State())
	}
}
