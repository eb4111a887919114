package trace

import (
	"context"
	"testing"
)

func TestStartMintsNewID(t *testing.T) {
	id, ctx, end := Start(context.Background())
	defer end()

	if id == "" {
		t.Fatal("expected non-empty trace id")
	}
	if Current(ctx) != id {
		t.Fatalf("Current(ctx) = %q, want %q", Current(ctx), id)
	}
}

func TestStartReusesActiveID(t *testing.T) {
	id1, ctx1, end1 := Start(context.Background())
	defer end1()

	id2, ctx2, end2 := Start(ctx1)
	defer end2()

	if id1 != id2 {
		t.Fatalf("expected Start to reuse active id, got %q and %q", id1, id2)
	}
	if Current(ctx2) != id1 {
		t.Fatalf("Current(ctx2) = %q, want %q", Current(ctx2), id1)
	}
}

func TestCurrentEmptyWithoutStart(t *testing.T) {
	if got := Current(context.Background()); got != "" {
		t.Fatalf("Current() = %q, want empty", got)
	}
}
