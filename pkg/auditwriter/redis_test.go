package auditwriter

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/modkernel/pkg/kernel/audit"
)

func newTestRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRedisWriteBatchPushesAndTrims(t *testing.T) {
	client, mr := newTestRedisClient(t)
	w := NewRedis(client, "kernel:audit_log", 2)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		rec := []audit.Record{{TraceID: "trace", CallerModuleID: "caller", TargetModuleID: "target", Outcome: audit.Allowed}}
		if err := w.WriteBatch(ctx, rec); err != nil {
			t.Fatalf("WriteBatch: %v", err)
		}
	}

	n, err := mr.Llen("kernel:audit_log")
	if err != nil {
		t.Fatalf("Llen: %v", err)
	}
	if n != 2 {
		t.Errorf("expected list trimmed to 2 entries, got %d", n)
	}
}

func TestRedisWriteBatchEmptyIsNoop(t *testing.T) {
	client, mr := newTestRedisClient(t)
	w := NewRedis(client, "kernel:audit_log", 0)

	if err := w.WriteBatch(context.Background(), nil); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if mr.Exists("kernel:audit_log") {
		t.Error("expected no key to be created for an empty batch")
	}
}
