package auditwriter

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/modkernel/pkg/kernel/audit"
)

// Postgres persists audit records into a governance_audit_log table via a
// single batched round trip, grounded on the teacher's pgx-based store
// pattern (pkg/incident/store.go) but using pgx.Batch in place of sqlc's
// generated query methods since each flush writes a variable-size slice.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres-backed audit writer.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const insertAuditRecord = `INSERT INTO governance_audit_log
	(trace_id, caller_module_id, target_module_id, module_version, capability, operation, outcome, latency_ns, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// WriteBatch implements audit.Writer.
func (p *Postgres) WriteBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(insertAuditRecord,
			r.TraceID, r.CallerModuleID, r.TargetModuleID, r.ModuleVersion,
			r.Capability, r.Operation, string(r.Outcome), r.LatencyNs, r.Timestamp,
		)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("inserting audit record: %w", err)
		}
	}
	return nil
}
