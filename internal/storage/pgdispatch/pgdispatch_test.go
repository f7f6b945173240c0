package pgdispatch

import (
	"context"
	"testing"
	"time"

	"github.com/fieldcall/callbox/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "callbox_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/callbox_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestPGDispatch_RepoFlow(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)
	now := time.Now().UTC()

	ticket := models.TicketContext{TicketID: "T1", CustomerName: "Ann", Issue: "dead battery", Location: "I-80 exit 12"}
	tr, err := st.CreateDispatch(ctx, "T1", 3, ticket)
	require.NoError(t, err)
	require.Equal(t, "T1", tr.TicketID)
	require.Equal(t, int32(3), tr.TotalMechanics)
	require.Equal(t, int32(0), tr.CalledMechanics)
	require.Nil(t, tr.CallFinished)

	tc, err := st.GetTicketContext(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, ticket, tc)

	// Create-or-get: повторное создание возвращает ту же запись.
	again, err := st.CreateDispatch(ctx, "T1", 99, ticket)
	require.NoError(t, err)
	require.Equal(t, tr.ID, again.ID)
	require.Equal(t, int32(3), again.TotalMechanics)

	mechanics := []models.Mechanic{
		{Phone: "+15550001", DisplayName: "A", Source: models.MechanicSourceDatabase},
		{Phone: "+15550002", DisplayName: "B", Source: models.MechanicSourceGoogle},
		{Phone: "+15550002", DisplayName: "B dup"},
		{Phone: "+15550003", DisplayName: "C"},
	}
	inserted, err := st.EnqueueBatch(ctx, "T1", mechanics)
	require.NoError(t, err)
	require.Equal(t, int64(3), inserted)

	batch, err := st.PeekNext(ctx, "T1", 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.Equal(t, "+15550001", batch[0].Phone)

	// Peek не удаляет.
	depth, err := st.QueueDepth(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, int64(3), depth)

	active, err := st.ListActive(ctx, 100)
	require.NoError(t, err)
	require.Len(t, active, 1)

	adv, err := st.AdvanceBatch(ctx, "T1", len(batch), now)
	require.NoError(t, err)
	require.NotNil(t, adv)
	require.Equal(t, int32(3), adv.CalledMechanics)
	require.Equal(t, int32(1), adv.BatchIndex)
	require.True(t, adv.Finished) // 3 of 3 called

	ids := []uint64{batch[0].ID, batch[1].ID, batch[2].ID}
	removed, err := st.Dequeue(ctx, "T1", ids)
	require.NoError(t, err)
	require.Equal(t, int64(3), removed)

	// Terminal stability: закрытая запись больше не двигается.
	adv2, err := st.AdvanceBatch(ctx, "T1", 1, now)
	require.NoError(t, err)
	require.Nil(t, adv2)

	ok, err := st.MarkFinished(ctx, "T1", now, nil)
	require.NoError(t, err)
	require.False(t, ok)

	active, err = st.ListActive(ctx, 100)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestPGDispatch_InterestAndSweep(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)
	now := time.Now().UTC()

	_, err := st.CreateDispatch(ctx, "T2", 10, models.TicketContext{TicketID: "T2"})
	require.NoError(t, err)

	past := now.Add(-15 * time.Minute)
	ok, err := st.MarkInterest(ctx, "T2", past)
	require.NoError(t, err)
	require.True(t, ok)

	// Повторная отметка не сдвигает время интереса.
	ok, err = st.MarkInterest(ctx, "T2", now)
	require.NoError(t, err)
	require.True(t, ok)
	tr, err := st.GetByTicketID(ctx, "T2")
	require.NoError(t, err)
	require.True(t, tr.FoundInterest)
	require.WithinDuration(t, past, *tr.FoundInterestTime, time.Second)

	cutoff := now.Add(-10 * time.Minute)
	found, cleaned, err := st.SweepExpired(ctx, cutoff, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), found)
	require.Equal(t, int64(1), cleaned)

	tr, err = st.GetByTicketID(ctx, "T2")
	require.NoError(t, err)
	require.NotNil(t, tr.CallFinished)
	require.Equal(t, models.CleanupReasonExpired, *tr.CleanupReason)

	// Идемпотентность: второй прогон ничего не чистит.
	found, cleaned, err = st.SweepExpired(ctx, cutoff, now)
	require.NoError(t, err)
	require.Equal(t, int64(0), found)
	require.Equal(t, int64(0), cleaned)

	st2, err := st.TrackingStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), st2.Total)
	require.Equal(t, int64(0), st2.Active)
	require.Equal(t, int64(1), st2.Expired)
}

func TestPGDispatch_GetByTicketID_NotFound(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	tr, err := st.GetByTicketID(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, tr)

	_, err = st.GetTicketContext(ctx, "missing")
	require.Error(t, err)
}
