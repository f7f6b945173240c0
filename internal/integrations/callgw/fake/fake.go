package fake

import (
	"context"
	"hash/fnv"

	"github.com/fieldcall/callbox/internal/integrations/callgw"
	"github.com/fieldcall/callbox/internal/models"
	"github.com/google/uuid"
)

// FakeClient — локальная заглушка голосового шлюза для dev-окружения.
// Исход детерминирован по (ticket, phone): часть звонков "не дозвонится".
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) PlaceCall(ctx context.Context, mechanic models.Mechanic, ticket models.TicketContext) (callgw.CallResult, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ticket.TicketID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(mechanic.Phone))
	v := h.Sum32()

	// 20% звонков считаем неудачными.
	if v%5 == 0 {
		return callgw.CallResult{Error: "fake gateway: no answer"}, nil
	}

	return callgw.CallResult{
		Success: true,
		CallID:  uuid.NewString(),
	}, nil
}
