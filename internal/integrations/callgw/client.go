package callgw

import (
	"context"

	"github.com/fieldcall/callbox/internal/models"
)

// CallResult — итог одной попытки дозвониться до механика.
// Обычный сбой (занято, отбой, ошибка API) приходит здесь, а не как error.
type CallResult struct {
	Success bool
	CallID  string
	Error   string
}

// Client places one outbound call to one mechanic with a generated script.
// Implementations must return a Go error only for unrecoverable problems
// (bad credentials, impossible request); everything else goes into CallResult.
type Client interface {
	PlaceCall(ctx context.Context, mechanic models.Mechanic, ticket models.TicketContext) (CallResult, error)
}
