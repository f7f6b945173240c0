package dispatches

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldcall/callbox/internal/broker/messages"
	"github.com/fieldcall/callbox/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	CreateDispatch(ctx context.Context, ticketID string, totalMechanics int32, ticket models.TicketContext) (*models.DispatchTracking, error)
	EnqueueBatch(ctx context.Context, ticketID string, mechanics []models.Mechanic) (int64, error)
	GetByTicketID(ctx context.Context, ticketID string) (*models.DispatchTracking, error)
	MarkInterest(ctx context.Context, ticketID string, at time.Time) (bool, error)
	QueueDepth(ctx context.Context, ticketID string) (int64, error)
	TrackingStats(ctx context.Context) (models.TrackingStats, error)
}

type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Service struct {
	repo  Repository
	cache BytesCache
	prod  Producer

	requestedTopic string
	currentTTL     time.Duration
}

func New(repo Repository, c BytesCache, prod Producer, requestedTopic string, currentTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, prod: prod, requestedTopic: requestedTopic, currentTTL: currentTTL}
}

// CreateDispatch заводит обзвон для тикета: запись прогресса + очередь
// механиков. Кандидаты дедуплицируются по телефону до записи в стор.
func (s *Service) CreateDispatch(ctx context.Context, in models.DispatchCreateInput) (*models.DispatchTracking, error) {
	if in.TicketID == "" {
		return nil, errors.New("ticketId is required")
	}
	if len(in.Mechanics) == 0 {
		return nil, errors.New("mechanics is empty")
	}
	if len(in.Mechanics) > 1000 {
		return nil, errors.New("too many mechanics (max 1000)")
	}

	clean := make([]models.Mechanic, 0, len(in.Mechanics))
	seen := make(map[string]struct{}, len(in.Mechanics))
	for _, m := range in.Mechanics {
		if m.Phone == "" {
			return nil, errors.New("mechanic phone is required")
		}
		if _, ok := seen[m.Phone]; ok {
			continue
		}
		seen[m.Phone] = struct{}{}
		m.TicketID = in.TicketID
		clean = append(clean, m)
	}

	tr, err := s.repo.CreateDispatch(ctx, in.TicketID, int32(len(clean)), in.Ticket)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.EnqueueBatch(ctx, in.TicketID, clean); err != nil {
		return nil, err
	}

	// Уведомляем воркер, чтобы первый батч ушёл не дожидаясь таймера.
	// Лучшее усилие: без Kafka обзвон всё равно стартует на ближайшем тике.
	if s.prod != nil && s.requestedTopic != "" {
		msg := messages.DispatchRequested{
			TicketID:       in.TicketID,
			TotalMechanics: tr.TotalMechanics,
			RequestedAt:    time.Now().UTC(),
		}
		if b, err := json.Marshal(msg); err == nil {
			_ = s.prod.Publish(ctx, s.requestedTopic, []byte(in.TicketID), b)
		}
	}

	return tr, nil
}

// GetDispatch читает текущий прогресс, сперва из кэша.
func (s *Service) GetDispatch(ctx context.Context, ticketID string) (*models.DispatchTracking, error) {
	if ticketID == "" {
		return nil, errors.New("ticketId is required")
	}

	if s.cache != nil && s.currentTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, currentKey(ticketID)); err == nil && ok {
			var t models.DispatchTracking
			if json.Unmarshal(b, &t) == nil {
				return &t, nil
			}
		}
	}

	tr, err := s.repo.GetByTicketID(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, nil
	}

	if s.cache != nil && s.currentTTL > 0 {
		b, _ := json.Marshal(tr)
		_ = s.cache.Set(ctx, currentKey(ticketID), b, s.currentTTL)
	}
	return tr, nil
}

// MarkInterest фиксирует интерес механика по тикету. Возвращает false, если
// запись не найдена или уже закрыта.
func (s *Service) MarkInterest(ctx context.Context, ticketID string) (bool, error) {
	if ticketID == "" {
		return false, errors.New("ticketId is required")
	}

	ok, err := s.repo.MarkInterest(ctx, ticketID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if ok && s.cache != nil {
		_ = s.cache.Del(ctx, currentKey(ticketID))
	}
	return ok, nil
}

func (s *Service) QueueDepth(ctx context.Context, ticketID string) (int64, error) {
	return s.repo.QueueDepth(ctx, ticketID)
}

func (s *Service) TrackingStats(ctx context.Context) (models.TrackingStats, error) {
	return s.repo.TrackingStats(ctx)
}

// ApplyBatchSettled обновляет кэшированный слепок прогресса после того, как
// воркер записал батч. Стор уже актуален, здесь только кэш.
func (s *Service) ApplyBatchSettled(ctx context.Context, msg messages.BatchSettled) error {
	if msg.TicketID == "" {
		return errors.New("ticket_id is required")
	}
	if s.cache == nil || s.currentTTL <= 0 {
		return nil
	}

	tr, err := s.repo.GetByTicketID(ctx, msg.TicketID)
	if err != nil || tr == nil {
		// Не смогли перечитать — просто инвалидируем.
		return s.cache.Del(ctx, currentKey(msg.TicketID))
	}
	b, _ := json.Marshal(tr)
	return s.cache.Set(ctx, currentKey(msg.TicketID), b, s.currentTTL)
}

func currentKey(ticketID string) string {
	return fmt.Sprintf("dispatch:%s:current", ticketID)
}
