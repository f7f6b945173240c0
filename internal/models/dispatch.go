package models

import "time"

// Источники кандидатов-механиков для тикета.
const (
	MechanicSourceDatabase = "database"
	MechanicSourceGoogle   = "google"
)

// Причина принудительного закрытия записи (sweep / inline-проверка окна).
const CleanupReasonExpired = "Expired - window exceeded"

// DispatchTracking — прогресс обзвона по одному тикету. Одна запись на тикет.
// Запись никогда не удаляется, только помечается завершённой (CallFinished).
type DispatchTracking struct {
	ID              uint64
	TicketID        string
	TotalMechanics  int32
	CalledMechanics int32
	BatchIndex      int32

	FoundInterest     bool
	FoundInterestTime *time.Time

	CallFinished    *time.Time
	LastProcessedAt *time.Time
	CleanupReason   *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Finished reports whether the record is terminal. A terminal record is never
// selected again by the batch processor or the cleanup sweep.
func (t *DispatchTracking) Finished() bool {
	return t.CallFinished != nil
}

// InterestExpired reports whether the interest window has lapsed as of now.
func (t *DispatchTracking) InterestExpired(now time.Time, window time.Duration) bool {
	if t.FoundInterestTime == nil {
		return false
	}
	return now.Sub(*t.FoundInterestTime) > window
}

// Mechanic — кандидат в очереди обзвона. Уникален в паре (ticket_id, phone).
type Mechanic struct {
	ID               uint64
	TicketID         string
	Phone            string // E.164
	DisplayName      string
	FormattedAddress string
	Source           string
	CreatedAt        time.Time
}

// TicketContext — данные тикета, которые уходят в скрипт звонка.
type TicketContext struct {
	TicketID     string
	CustomerName string
	VehicleInfo  string
	Location     string
	Issue        string
}

type DispatchCreateInput struct {
	TicketID  string
	Ticket    TicketContext
	Mechanics []Mechanic
}

// BatchAdvance — состояние счётчиков после атомарного сдвига батча.
type BatchAdvance struct {
	CalledMechanics int32
	BatchIndex      int32
	Finished        bool
}

type TrackingStats struct {
	Total     int64 `json:"total"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Expired   int64 `json:"expired"`
}
