package messages

import "time"

// DispatchRequested публикуется API после создания записи обзвона; воркер по
// нему дёргает внеочередной цикл, не дожидаясь таймера.
type DispatchRequested struct {
	TicketID       string    `json:"ticket_id"`
	TotalMechanics int32     `json:"total_mechanics"`
	RequestedAt    time.Time `json:"requested_at"`
}

// BatchSettled — post-commit событие: батч звонков по тикету завершился и
// счётчики уже записаны. Потребители (API-кэш, отчёты) обновляются по нему.
type BatchSettled struct {
	EventID  string `json:"event_id"`
	TicketID string `json:"ticket_id"`

	BatchIndex int32 `json:"batch_index"`
	Attempted  int   `json:"attempted"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`

	CalledMechanics int32 `json:"called_mechanics"`
	Finished        bool  `json:"finished"`

	SettledAt time.Time `json:"settled_at"`
}
