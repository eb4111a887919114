// Package auditwriter provides concrete audit.Writer backends: a dev-mode
// stdout line writer, a Redis list-backed writer, and a batched Postgres
// writer, mirroring the teacher's own Postgres-only audit.Writer
// (internal/audit in the source repo) generalized across three transports.
package auditwriter

import (
	"context"
	"fmt"
	"io"

	"github.com/wisbric/modkernel/pkg/kernel/audit"
)

// Stdout writes one line per audit record to the given writer (os.Stdout in
// production, any io.Writer in tests). Intended for local/dev use where no
// external sink is configured.
type Stdout struct {
	w io.Writer
}

// NewStdout creates a Stdout writer.
func NewStdout(w io.Writer) *Stdout {
	return &Stdout{w: w}
}

// WriteBatch implements audit.Writer.
func (s *Stdout) WriteBatch(ctx context.Context, records []audit.Record) error {
	for _, r := range records {
		_, err := fmt.Fprintf(s.w, "%s trace=%s caller=%s target=%s version=%s capability=%s op=%s outcome=%s latency_ns=%d\n",
			r.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			r.TraceID, r.CallerModuleID, r.TargetModuleID, r.ModuleVersion,
			r.Capability, r.Operation, r.Outcome, r.LatencyNs,
		)
		if err != nil {
			return fmt.Errorf("writing audit line: %w", err)
		}
	}
	return nil
}
