package mysqlbus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mysqlbus/mysqlbus"
)

func TestScopeCompleteRunsCommittedInOrder(t *testing.T) {
	t.Parallel()
	scope := mysqlbus.NewScope()
	var order []int
	scope.OnCommitted(func(context.Context) error { order = append(order, 1); return nil })
	scope.OnCommitted(func(context.Context) error { order = append(order, 2); return nil })
	scope.OnAborted(func(context.Context) error { order = append(order, -1); return nil })

	if err := scope.Complete(context.Background()); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if err := scope.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose error: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("callback order = %v, want [1 2]", order)
	}
}

func TestScopeCompleteStopsAtFirstError(t *testing.T) {
	t.Parallel()
	scope := mysqlbus.NewScope()
	boom := errors.New("boom")
	var ran bool
	scope.OnCommitted(func(context.Context) error { return boom })
	scope.OnCommitted(func(context.Context) error { ran = true; return nil })

	if err := scope.Complete(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Complete error = %v, want boom", err)
	}
	if ran {
		t.Fatalf("second committed callback ran after the first failed")
	}
}

func TestScopeDisposeWithoutCompleteAborts(t *testing.T) {
	t.Parallel()
	scope := mysqlbus.NewScope()
	var aborted, committed, disposed bool
	scope.OnCommitted(func(context.Context) error { committed = true; return nil })
	scope.OnAborted(func(context.Context) error { aborted = true; return nil })
	scope.OnDisposed(func(context.Context) error { disposed = true; return nil })

	if err := scope.Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose error: %v", err)
	}
	if committed {
		t.Fatalf("committed callback ran on abort")
	}
	if !aborted || !disposed {
		t.Fatalf("aborted=%v disposed=%v, want both", aborted, disposed)
	}
}

func TestScopeDisposeJoinsAbortErrors(t *testing.T) {
	t.Parallel()
	scope := mysqlbus.NewScope()
	first := errors.New("first")
	second := errors.New("second")
	var bothRan int
	scope.OnAborted(func(context.Context) error { bothRan++; return first })
	scope.OnAborted(func(context.Context) error { bothRan++; return second })

	err := scope.Dispose(context.Background())
	if bothRan != 2 {
		t.Fatalf("only %d abort callbacks ran, want 2", bothRan)
	}
	if !errors.Is(err, first) || !errors.Is(err, second) {
		t.Fatalf("Dispose error = %v, want both joined", err)
	}
}

func TestScopeIdempotence(t *testing.T) {
	t.Parallel()
	scope := mysqlbus.NewScope()
	var commits int
	scope.OnCommitted(func(context.Context) error { commits++; return nil })

	ctx := context.Background()
	if err := scope.Complete(ctx); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if err := scope.Complete(ctx); err != nil {
		t.Fatalf("second Complete error: %v", err)
	}
	if err := scope.Dispose(ctx); err != nil {
		t.Fatalf("Dispose error: %v", err)
	}
	if err := scope.Dispose(ctx); err != nil {
		t.Fatalf("second Dispose error: %v", err)
	}
	if commits != 1 {
		t.Fatalf("committed callback ran %d times, want 1", commits)
	}
	if !scope.Completed() {
		t.Fatalf("Completed() = false after Complete")
	}
}

func TestScopeCompleteAfterDisposeIsNoOp(t *testing.T) {
	t.Parallel()
	scope := mysqlbus.NewScope()
	var commits int
	scope.OnCommitted(func(context.Context) error { commits++; return nil })

	ctx := context.Background()
	if err := scope.Dispose(ctx); err != nil {
		t.Fatalf("Dispose error: %v", err)
	}
	if err := scope.Complete(ctx); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if commits != 0 {
		t.Fatalf("committed callback ran after dispose")
	}
}

func TestScopeGetOrAddItem(t *testing.T) {
	t.Parallel()
	scope := mysqlbus.NewScope()
	var creates int
	create := func() any { creates++; return creates }

	first, created := scope.GetOrAddItem("k", create)
	if !created {
		t.Fatalf("first GetOrAddItem reported created=false")
	}
	second, created := scope.GetOrAddItem("k", create)
	if created {
		t.Fatalf("second GetOrAddItem reported created=true")
	}
	if first != second {
		t.Fatalf("GetOrAddItem returned different values: %v, %v", first, second)
	}
	if creates != 1 {
		t.Fatalf("create ran %d times, want 1", creates)
	}
	if v, ok := scope.Item("k"); !ok || v != first {
		t.Fatalf("Item(k) = %v, %v", v, ok)
	}
}

func TestScopeGetOrAddItemThenRegisterCallback(t *testing.T) {
	t.Parallel()
	scope := mysqlbus.NewScope()

	// The transport's send path: lazily create the item, then register
	// the flush callback once, outside the creating closure.
	var flushes int
	for i := 0; i < 3; i++ {
		_, created := scope.GetOrAddItem("buffer", func() any { return &struct{}{} })
		if created {
			scope.OnCommitted(func(context.Context) error { flushes++; return nil })
		}
	}

	if err := scope.Complete(context.Background()); err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if flushes != 1 {
		t.Fatalf("flush callback ran %d times, want 1", flushes)
	}
}
