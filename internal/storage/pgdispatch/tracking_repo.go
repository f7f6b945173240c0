package pgdispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fieldcall/callbox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const trackingColumns = `
  id, ticket_id, total_mechanics, called_mechanics, batch_index,
  found_interest, found_interest_time,
  call_finished, last_processed_at, cleanup_reason,
  created_at, updated_at`

func scanTracking(row pgx.Row) (*models.DispatchTracking, error) {
	var t models.DispatchTracking
	if err := row.Scan(
		&t.ID, &t.TicketID, &t.TotalMechanics, &t.CalledMechanics, &t.BatchIndex,
		&t.FoundInterest, &t.FoundInterestTime,
		&t.CallFinished, &t.LastProcessedAt, &t.CleanupReason,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateDispatch создаёт запись прогресса для тикета. Повторный вызов для того
// же тикета возвращает уже существующую запись (create-or-get).
func (s *Storage) CreateDispatch(ctx context.Context, ticketID string, totalMechanics int32, ticket models.TicketContext) (*models.DispatchTracking, error) {
	now := time.Now().UTC()

	tctx, err := json.Marshal(ticket)
	if err != nil {
		return nil, errors.Wrap(err, "marshal ticket context")
	}

	var id uint64
	err = s.db.QueryRow(ctx, `
INSERT INTO dispatch_trackings (ticket_id, total_mechanics, ticket_context, created_at, updated_at)
VALUES ($1,$2,$3,$4,$4)
ON CONFLICT (ticket_id)
DO UPDATE SET updated_at = dispatch_trackings.updated_at
RETURNING id
`, ticketID, totalMechanics, tctx, now).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "insert dispatch tracking")
	}

	return s.GetByTicketID(ctx, ticketID)
}

// GetTicketContext читает данные тикета для скрипта звонка. Отсутствие
// контекста — record-level ошибка, её ловит процессор и не валит весь цикл.
func (s *Storage) GetTicketContext(ctx context.Context, ticketID string) (models.TicketContext, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `
SELECT ticket_context FROM dispatch_trackings WHERE ticket_id = $1
`, ticketID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return models.TicketContext{}, errors.Errorf("ticket %s not found", ticketID)
	}
	if err != nil {
		return models.TicketContext{}, errors.Wrap(err, "select ticket context")
	}
	if len(raw) == 0 {
		return models.TicketContext{}, errors.Errorf("ticket %s has no context", ticketID)
	}

	var tc models.TicketContext
	if err := json.Unmarshal(raw, &tc); err != nil {
		return models.TicketContext{}, errors.Wrap(err, "unmarshal ticket context")
	}
	return tc, nil
}

// GetByTicketID возвращает (nil, nil), если записи нет.
func (s *Storage) GetByTicketID(ctx context.Context, ticketID string) (*models.DispatchTracking, error) {
	t, err := scanTracking(s.db.QueryRow(ctx, `
SELECT `+trackingColumns+`
FROM dispatch_trackings
WHERE ticket_id = $1
`, ticketID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select dispatch tracking")
	}
	return t, nil
}

// ListActive returns the batch processor's active set: records with mechanics
// still to call and no terminal mark.
func (s *Storage) ListActive(ctx context.Context, limit int) ([]*models.DispatchTracking, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}

	rows, err := s.db.Query(ctx, `
SELECT `+trackingColumns+`
FROM dispatch_trackings
WHERE called_mechanics < total_mechanics
  AND call_finished IS NULL
ORDER BY created_at ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select active trackings")
	}
	defer rows.Close()

	var out []*models.DispatchTracking
	for rows.Next() {
		t, err := scanTracking(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan active tracking")
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// MarkInterest фиксирует интерес механика. Время интереса выставляется один
// раз: повторные отметки его не сдвигают и окно не продлевают.
func (s *Storage) MarkInterest(ctx context.Context, ticketID string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE dispatch_trackings
SET
  found_interest = TRUE,
  found_interest_time = COALESCE(found_interest_time, $2),
  updated_at = now()
WHERE ticket_id = $1
  AND call_finished IS NULL
`, ticketID, at.UTC())
	if err != nil {
		return false, errors.Wrap(err, "mark interest")
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFinished помечает запись терминальной. Guard по call_finished IS NULL
// делает операцию идемпотентной и защищает от гонки двух процессоров.
func (s *Storage) MarkFinished(ctx context.Context, ticketID string, at time.Time, reason *string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE dispatch_trackings
SET
  call_finished = $2,
  cleanup_reason = COALESCE($3, cleanup_reason),
  updated_at = now()
WHERE ticket_id = $1
  AND call_finished IS NULL
`, ticketID, at.UTC(), reason)
	if err != nil {
		return false, errors.Wrap(err, "mark finished")
	}
	return tag.RowsAffected() > 0, nil
}

// AdvanceBatch атомарно двигает счётчики после того, как батч звонков
// завершился: called_mechanics += n, batch_index += 1. Если новый счётчик
// достиг total_mechanics, запись закрывается тем же запросом.
// Возвращает (nil, nil), если запись уже закрыта или не существует — счётчики
// терминальной записи не меняются никогда.
func (s *Storage) AdvanceBatch(ctx context.Context, ticketID string, n int, at time.Time) (*models.BatchAdvance, error) {
	var adv models.BatchAdvance
	var finished *time.Time
	err := s.db.QueryRow(ctx, `
UPDATE dispatch_trackings
SET
  called_mechanics = called_mechanics + $2,
  batch_index = batch_index + 1,
  last_processed_at = $3,
  call_finished = CASE
    WHEN called_mechanics + $2 >= total_mechanics THEN $3
    ELSE NULL
  END,
  updated_at = now()
WHERE ticket_id = $1
  AND call_finished IS NULL
RETURNING called_mechanics, batch_index, call_finished
`, ticketID, n, at.UTC()).Scan(&adv.CalledMechanics, &adv.BatchIndex, &finished)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "advance batch")
	}
	adv.Finished = finished != nil
	return &adv, nil
}

// SweepExpired закрывает все записи с истёкшим окном интереса одним UPDATE.
// Повторный запуск сразу после первого ничего не меняет (cleaned = 0).
func (s *Storage) SweepExpired(ctx context.Context, cutoff, at time.Time) (found, cleaned int64, err error) {
	err = s.db.QueryRow(ctx, `
SELECT COUNT(*)
FROM dispatch_trackings
WHERE found_interest_time < $1
  AND call_finished IS NULL
`, cutoff.UTC()).Scan(&found)
	if err != nil {
		return 0, 0, errors.Wrap(err, "count expired")
	}

	tag, err := s.db.Exec(ctx, `
UPDATE dispatch_trackings
SET
  call_finished = $2,
  cleanup_reason = $3,
  updated_at = now()
WHERE found_interest_time < $1
  AND call_finished IS NULL
`, cutoff.UTC(), at.UTC(), models.CleanupReasonExpired)
	if err != nil {
		return found, 0, errors.Wrap(err, "sweep expired")
	}
	return found, tag.RowsAffected(), nil
}

func (s *Storage) TrackingStats(ctx context.Context) (models.TrackingStats, error) {
	var st models.TrackingStats
	err := s.db.QueryRow(ctx, `
SELECT
  COUNT(*),
  COUNT(*) FILTER (WHERE call_finished IS NULL),
  COUNT(*) FILTER (WHERE call_finished IS NOT NULL AND cleanup_reason IS NULL),
  COUNT(*) FILTER (WHERE cleanup_reason IS NOT NULL)
FROM dispatch_trackings
`).Scan(&st.Total, &st.Active, &st.Completed, &st.Expired)
	if err != nil {
		return models.TrackingStats{}, errors.Wrap(err, "tracking stats")
	}
	return st, nil
}
