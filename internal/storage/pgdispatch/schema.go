package pgdispatch

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS dispatch_trackings (
  id BIGSERIAL PRIMARY KEY,
  ticket_id TEXT NOT NULL,
  total_mechanics INT NOT NULL,
  called_mechanics INT NOT NULL DEFAULT 0,
  batch_index INT NOT NULL DEFAULT 0,
  ticket_context JSONB NULL,
  found_interest BOOLEAN NOT NULL DEFAULT FALSE,
  found_interest_time TIMESTAMPTZ NULL,
  call_finished TIMESTAMPTZ NULL,
  last_processed_at TIMESTAMPTZ NULL,
  cleanup_reason TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (ticket_id)
)`,
		// Active-set scan: called < total AND call_finished IS NULL.
		`CREATE INDEX IF NOT EXISTS idx_dispatch_trackings_active
  ON dispatch_trackings(ticket_id) WHERE call_finished IS NULL`,
		// Sweep scan by interest window.
		`CREATE INDEX IF NOT EXISTS idx_dispatch_trackings_interest_time
  ON dispatch_trackings(found_interest_time) WHERE call_finished IS NULL`,
		`
CREATE TABLE IF NOT EXISTS mechanics_queue (
  id BIGSERIAL PRIMARY KEY,
  ticket_id TEXT NOT NULL,
  phone TEXT NOT NULL,
  display_name TEXT NOT NULL DEFAULT '',
  formatted_address TEXT NOT NULL DEFAULT '',
  source TEXT NOT NULL DEFAULT 'database',
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (ticket_id, phone)
)`,
		`CREATE INDEX IF NOT EXISTS idx_mechanics_queue_ticket_id ON mechanics_queue(ticket_id, id)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
