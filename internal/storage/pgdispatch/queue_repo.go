package pgdispatch

import (
	"context"
	"time"

	"github.com/fieldcall/callbox/internal/models"
	"github.com/pkg/errors"
)

// EnqueueBatch — best-effort insert-many. Дубликат пары (ticket_id, phone)
// молча пропускается и не валит остальной батч. Возвращает число реально
// вставленных записей.
func (s *Storage) EnqueueBatch(ctx context.Context, ticketID string, mechanics []models.Mechanic) (int64, error) {
	now := time.Now().UTC()

	var inserted int64
	for _, m := range mechanics {
		source := m.Source
		if source == "" {
			source = models.MechanicSourceDatabase
		}
		tag, err := s.db.Exec(ctx, `
INSERT INTO mechanics_queue (ticket_id, phone, display_name, formatted_address, source, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (ticket_id, phone) DO NOTHING
`, ticketID, m.Phone, m.DisplayName, m.FormattedAddress, source, now)
		if err != nil {
			return inserted, errors.Wrap(err, "enqueue mechanic")
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// PeekNext читает следующие limit записей очереди, не удаляя их.
// Порядок стабильный — по id вставки.
func (s *Storage) PeekNext(ctx context.Context, ticketID string, limit int) ([]models.Mechanic, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx, `
SELECT id, ticket_id, phone, display_name, formatted_address, source, created_at
FROM mechanics_queue
WHERE ticket_id = $1
ORDER BY id ASC
LIMIT $2
`, ticketID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select queue entries")
	}
	defer rows.Close()

	var out []models.Mechanic
	for rows.Next() {
		var m models.Mechanic
		if err := rows.Scan(&m.ID, &m.TicketID, &m.Phone, &m.DisplayName, &m.FormattedAddress, &m.Source, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan queue entry")
		}
		out = append(out, m)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// Dequeue удаляет обработанные записи очереди после того, как батч звонков
// завершился. Запись просто исчезает из очереди — состояния "уже позвонили"
// у неё нет.
func (s *Storage) Dequeue(ctx context.Context, ticketID string, ids []uint64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := s.db.Exec(ctx, `
DELETE FROM mechanics_queue
WHERE ticket_id = $1
  AND id = ANY($2)
`, ticketID, ids)
	if err != nil {
		return 0, errors.Wrap(err, "dequeue mechanics")
	}
	return tag.RowsAffected(), nil
}

// QueueDepth возвращает число механиков, оставшихся в очереди тикета.
func (s *Storage) QueueDepth(ctx context.Context, ticketID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM mechanics_queue WHERE ticket_id = $1`, ticketID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "queue depth")
	}
	return n, nil
}
