package dispatches

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fieldcall/callbox/internal/broker/messages"
	"github.com/fieldcall/callbox/internal/models"
	"github.com/stretchr/testify/suite"
)

type stubRepo struct {
	created   *models.DispatchTracking
	createdIn struct {
		ticketID string
		total    int32
		ticket   models.TicketContext
	}
	enqueued []models.Mechanic

	getRes      *models.DispatchTracking
	getErr      error
	markInterOK bool
}

func (r *stubRepo) CreateDispatch(ctx context.Context, ticketID string, total int32, ticket models.TicketContext) (*models.DispatchTracking, error) {
	r.createdIn.ticketID, r.createdIn.total, r.createdIn.ticket = ticketID, total, ticket
	r.created = &models.DispatchTracking{TicketID: ticketID, TotalMechanics: total}
	return r.created, nil
}

func (r *stubRepo) EnqueueBatch(ctx context.Context, ticketID string, mechanics []models.Mechanic) (int64, error) {
	r.enqueued = mechanics
	return int64(len(mechanics)), nil
}

func (r *stubRepo) GetByTicketID(ctx context.Context, ticketID string) (*models.DispatchTracking, error) {
	return r.getRes, r.getErr
}

func (r *stubRepo) MarkInterest(ctx context.Context, ticketID string, at time.Time) (bool, error) {
	return r.markInterOK, nil
}

func (r *stubRepo) QueueDepth(ctx context.Context, ticketID string) (int64, error) {
	return int64(len(r.enqueued)), nil
}

func (r *stubRepo) TrackingStats(ctx context.Context) (models.TrackingStats, error) {
	return models.TrackingStats{Total: 1}, nil
}

type stubCache struct {
	store map[string][]byte
	dels  []string
}

func newStubCache() *stubCache { return &stubCache{store: map[string][]byte{}} }

func (c *stubCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, ok := c.store[key]
	return b, ok, nil
}

func (c *stubCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.store[key] = value
	return nil
}

func (c *stubCache) Del(ctx context.Context, key string) error {
	c.dels = append(c.dels, key)
	delete(c.store, key)
	return nil
}

type stubProducer struct {
	topics []string
	values [][]byte
}

func (p *stubProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.topics = append(p.topics, topic)
	p.values = append(p.values, value)
	return nil
}

type ServiceSuite struct {
	suite.Suite

	repo  *stubRepo
	cache *stubCache
	prod  *stubProducer
	svc   *Service
}

func (s *ServiceSuite) SetupTest() {
	s.repo = &stubRepo{}
	s.cache = newStubCache()
	s.prod = &stubProducer{}
	s.svc = New(s.repo, s.cache, s.prod, "dispatch.requested", 10*time.Minute)
}

func (s *ServiceSuite) TestCreateDispatch_DedupesByPhone() {
	in := models.DispatchCreateInput{
		TicketID: "T1",
		Ticket:   models.TicketContext{TicketID: "T1", Issue: "flat tire"},
		Mechanics: []models.Mechanic{
			{Phone: "+15550001", DisplayName: "A"},
			{Phone: "+15550001", DisplayName: "A dup"},
			{Phone: "+15550002", DisplayName: "B"},
		},
	}

	tr, err := s.svc.CreateDispatch(context.Background(), in)
	s.Require().NoError(err)
	s.Require().Equal(int32(2), tr.TotalMechanics)
	s.Require().Equal(int32(2), s.repo.createdIn.total)
	s.Require().Len(s.repo.enqueued, 2)
	s.Require().Equal("T1", s.repo.enqueued[0].TicketID)

	// DispatchRequested ушёл воркеру.
	s.Require().Equal([]string{"dispatch.requested"}, s.prod.topics)
	var msg messages.DispatchRequested
	s.Require().NoError(json.Unmarshal(s.prod.values[0], &msg))
	s.Require().Equal("T1", msg.TicketID)
	s.Require().Equal(int32(2), msg.TotalMechanics)
}

func (s *ServiceSuite) TestCreateDispatch_ValidationErrors() {
	_, err := s.svc.CreateDispatch(context.Background(), models.DispatchCreateInput{})
	s.Require().Error(err)

	_, err = s.svc.CreateDispatch(context.Background(), models.DispatchCreateInput{TicketID: "T1"})
	s.Require().Error(err)

	_, err = s.svc.CreateDispatch(context.Background(), models.DispatchCreateInput{
		TicketID:  "T1",
		Mechanics: []models.Mechanic{{Phone: ""}},
	})
	s.Require().Error(err)

	many := make([]models.Mechanic, 1001)
	for i := range many {
		many[i] = models.Mechanic{Phone: "+1"}
	}
	_, err = s.svc.CreateDispatch(context.Background(), models.DispatchCreateInput{TicketID: "T1", Mechanics: many})
	s.Require().Error(err)
}

func (s *ServiceSuite) TestGetDispatch_CacheHitSkipsRepo() {
	want := &models.DispatchTracking{TicketID: "T1", TotalMechanics: 5, CalledMechanics: 3}
	b, _ := json.Marshal(want)
	s.cache.store["dispatch:T1:current"] = b
	s.repo.getErr = context.DeadlineExceeded // repo не должен быть тронут

	got, err := s.svc.GetDispatch(context.Background(), "T1")
	s.Require().NoError(err)
	s.Require().Equal(int32(3), got.CalledMechanics)
}

func (s *ServiceSuite) TestGetDispatch_CacheMissLoadsAndCaches() {
	s.repo.getRes = &models.DispatchTracking{TicketID: "T1", TotalMechanics: 5}

	got, err := s.svc.GetDispatch(context.Background(), "T1")
	s.Require().NoError(err)
	s.Require().Equal("T1", got.TicketID)
	s.Require().Contains(s.cache.store, "dispatch:T1:current")
}

func (s *ServiceSuite) TestGetDispatch_NotFound() {
	got, err := s.svc.GetDispatch(context.Background(), "T1")
	s.Require().NoError(err)
	s.Require().Nil(got)
}

func (s *ServiceSuite) TestMarkInterest_InvalidatesCache() {
	s.cache.store["dispatch:T1:current"] = []byte("{}")
	s.repo.markInterOK = true

	ok, err := s.svc.MarkInterest(context.Background(), "T1")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Require().NotContains(s.cache.store, "dispatch:T1:current")
}

func (s *ServiceSuite) TestMarkInterest_FinishedTicket() {
	ok, err := s.svc.MarkInterest(context.Background(), "T1")
	s.Require().NoError(err)
	s.Require().False(ok)
}

func (s *ServiceSuite) TestApplyBatchSettled_RefreshesCache() {
	s.repo.getRes = &models.DispatchTracking{TicketID: "T1", CalledMechanics: 10}

	err := s.svc.ApplyBatchSettled(context.Background(), messages.BatchSettled{TicketID: "T1"})
	s.Require().NoError(err)

	var cached models.DispatchTracking
	s.Require().NoError(json.Unmarshal(s.cache.store["dispatch:T1:current"], &cached))
	s.Require().Equal(int32(10), cached.CalledMechanics)
}

func (s *ServiceSuite) TestApplyBatchSettled_MissingRecordInvalidates() {
	s.cache.store["dispatch:T1:current"] = []byte("{}")

	err := s.svc.ApplyBatchSettled(context.Background(), messages.BatchSettled{TicketID: "T1"})
	s.Require().NoError(err)
	s.Require().NotContains(s.cache.store, "dispatch:T1:current")
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
