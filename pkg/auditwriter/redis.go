package auditwriter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/modkernel/pkg/kernel/audit"
)

// Redis appends each audit record as a JSON payload to a capped Redis list,
// grounded on the teacher's go-redis client usage elsewhere in the stack
// (internal/platform.NewRedisClient) and generalized here to LPUSH+LTRIM
// batching for the audit domain.
type Redis struct {
	client *redis.Client
	key    string
	maxLen int64
}

// NewRedis creates a Redis-backed audit writer. Entries are pushed to key
// and the list is trimmed to maxLen to bound memory; pass 0 for no trim.
func NewRedis(client *redis.Client, key string, maxLen int64) *Redis {
	return &Redis{client: client, key: key, maxLen: maxLen}
}

// WriteBatch implements audit.Writer.
func (r *Redis) WriteBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	payloads := make([]interface{}, 0, len(records))
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling audit record: %w", err)
		}
		payloads = append(payloads, b)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, payloads...)
	if r.maxLen > 0 {
		pipe.LTrim(ctx, r.key, 0, r.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pushing audit batch to redis: %w", err)
	}
	return nil
}
