package fake

import (
	"context"
	"fmt"
	"testing"

	"github.com/fieldcall/callbox/internal/models"
	"github.com/stretchr/testify/require"
)

func TestFake_Deterministic(t *testing.T) {
	f := New()
	ctx := context.Background()
	ticket := models.TicketContext{TicketID: "T1"}

	first, err := f.PlaceCall(ctx, models.Mechanic{Phone: "+15550001"}, ticket)
	require.NoError(t, err)

	second, err := f.PlaceCall(ctx, models.Mechanic{Phone: "+15550001"}, ticket)
	require.NoError(t, err)
	require.Equal(t, first.Success, second.Success)

	if first.Success {
		require.NotEmpty(t, first.CallID)
	} else {
		require.NotEmpty(t, first.Error)
	}
}

func TestFake_SomeCallsFail(t *testing.T) {
	f := New()
	ctx := context.Background()
	ticket := models.TicketContext{TicketID: "T1"}

	failures := 0
	for i := 0; i < 200; i++ {
		m := models.Mechanic{Phone: fmt.Sprintf("+1555000%04d", i)}
		res, err := f.PlaceCall(ctx, m, ticket)
		require.NoError(t, err)
		if !res.Success {
			failures++
		}
	}
	require.Greater(t, failures, 0)
	require.Less(t, failures, 200)
}
