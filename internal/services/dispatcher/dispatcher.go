package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldcall/callbox/internal/broker/messages"
	"github.com/fieldcall/callbox/internal/integrations/callgw"
	"github.com/fieldcall/callbox/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type TrackingRepo interface {
	ListActive(ctx context.Context, limit int) ([]*models.DispatchTracking, error)
	GetByTicketID(ctx context.Context, ticketID string) (*models.DispatchTracking, error)
	GetTicketContext(ctx context.Context, ticketID string) (models.TicketContext, error)
	MarkFinished(ctx context.Context, ticketID string, at time.Time, reason *string) (bool, error)
	AdvanceBatch(ctx context.Context, ticketID string, n int, at time.Time) (*models.BatchAdvance, error)
	SweepExpired(ctx context.Context, cutoff, at time.Time) (found, cleaned int64, err error)
	TrackingStats(ctx context.Context) (models.TrackingStats, error)
}

type MechanicQueue interface {
	PeekNext(ctx context.Context, ticketID string, limit int) ([]models.Mechanic, error)
	Dequeue(ctx context.Context, ticketID string, ids []uint64) (int64, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// ErrCycleInProgress — single-flight: тик пропускается, если предыдущий цикл
// ещё не завершился.
var ErrCycleInProgress = errors.New("batch cycle already in progress")

var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrTicketFinished = errors.New("ticket already finished")
)

// Исходы processOne.
const (
	OutcomeAdvanced  = "advanced"
	OutcomeExpired   = "expired - window exceeded"
	OutcomeCompleted = "completed - no more mechanics"
)

type Dispatcher struct {
	repo     TrackingRepo
	queue    MechanicQueue
	gateway  callgw.Client
	producer Producer
	rl       RateLimiter

	settledTopic string

	batchInterval   time.Duration
	cleanupInterval time.Duration
	batchSize       int
	concurrency     int
	interestWindow  time.Duration
	scanLimit       int

	callRateLimitPerMinute int64

	triggerCh chan struct{}
	cycleBusy atomic.Bool

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastSweepUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalScanned        atomic.Int64
	totalAdvanced       atomic.Int64
	totalCalls          atomic.Int64
	totalCallFailures   atomic.Int64
	totalErrors         atomic.Int64
	totalSwept          atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo TrackingRepo, queue MechanicQueue, gateway callgw.Client, producer Producer, rl RateLimiter, settledTopic string) *Dispatcher {
	return &Dispatcher{
		repo: repo, queue: queue, gateway: gateway, producer: producer, rl: rl,
		settledTopic:           settledTopic,
		batchInterval:          2 * time.Minute,
		cleanupInterval:        10 * time.Minute,
		batchSize:              10,
		concurrency:            5,
		interestWindow:         10 * time.Minute,
		scanLimit:              500,
		callRateLimitPerMinute: 60,
		triggerCh:              make(chan struct{}, 1),
		startedAtUnixNano:      time.Now().UTC().UnixNano(),
	}
}

func (d *Dispatcher) WithSettings(batchInterval, cleanupInterval time.Duration, batchSize, concurrency int, interestWindow time.Duration, callRLPerMin int64) *Dispatcher {
	if batchInterval > 0 {
		d.batchInterval = batchInterval
	}
	if cleanupInterval > 0 {
		d.cleanupInterval = cleanupInterval
	}
	if batchSize > 0 {
		d.batchSize = batchSize
	}
	if concurrency > 0 {
		d.concurrency = concurrency
	}
	if interestWindow > 0 {
		d.interestWindow = interestWindow
	}
	if callRLPerMin > 0 {
		d.callRateLimitPerMinute = callRLPerMin
	}
	return d
}

// Trigger forces an immediate batch cycle (best-effort, non-blocking).
func (d *Dispatcher) Trigger() {
	d.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case d.triggerCh <- struct{}{}:
	default:
	}
}

type CycleError struct {
	TicketID string `json:"ticketId,omitempty"`
	Step     string `json:"step"`
	Error    string `json:"error"`
}

type CycleResult struct {
	Scanned  int           `json:"scanned"`
	Advanced int           `json:"advanced"`
	Finished int           `json:"finished"`
	Errors   []CycleError  `json:"errors,omitempty"`
	Took     time.Duration `json:"took"`
}

type TicketResult struct {
	TicketID string `json:"ticketId"`
	Outcome  string `json:"outcome"`

	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	BatchIndex      int32 `json:"batchIndex"`
	CalledMechanics int32 `json:"calledMechanics"`
	Finished        bool  `json:"finished"`

	// Post-commit шаги (публикация события и т.п.) фейлятся независимо и не
	// откатывают уже записанные счётчики.
	PostCommitErrors []string `json:"postCommitErrors,omitempty"`
}

type SweepResult struct {
	Found   int64 `json:"found"`
	Cleaned int64 `json:"cleaned"`
}

// RunBatchCycle сканирует активные записи и независимо обрабатывает каждую.
// Ошибка одной записи не прерывает остальные; падение самого скана — ошибка
// всего цикла.
func (d *Dispatcher) RunBatchCycle(ctx context.Context) (CycleResult, error) {
	if !d.cycleBusy.CompareAndSwap(false, true) {
		return CycleResult{}, ErrCycleInProgress
	}
	defer d.cycleBusy.Store(false)

	started := time.Now().UTC()
	d.lastCycleUnixNano.Store(started.UnixNano())

	records, err := d.repo.ListActive(ctx, d.scanLimit)
	if err != nil {
		d.recordError(err)
		return CycleResult{}, errors.Wrap(err, "list active trackings")
	}
	d.totalScanned.Add(int64(len(records)))

	res := CycleResult{Scanned: len(records)}

	var mu sync.Mutex
	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	for _, rec := range records {
		sem <- struct{}{}
		wg.Add(1)
		recCopy := rec
		d.inFlight.Add(1)
		go func() {
			defer func() {
				d.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			tr, err := d.processOne(ctx, recCopy)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.totalErrors.Add(1)
				d.recordError(err)
				res.Errors = append(res.Errors, CycleError{
					TicketID: recCopy.TicketID,
					Step:     "processOne",
					Error:    err.Error(),
				})
				slog.Error("process dispatch", "ticket_id", recCopy.TicketID, "error", err.Error())
				return
			}
			if tr.Outcome == OutcomeAdvanced {
				res.Advanced++
				d.totalAdvanced.Add(1)
			}
			if tr.Finished {
				res.Finished++
			}
		}()
	}
	wg.Wait()

	res.Took = time.Since(started)
	return res, nil
}

// ProcessTicket гоняет processOne для одного тикета в обход общего скана.
func (d *Dispatcher) ProcessTicket(ctx context.Context, ticketID string) (TicketResult, error) {
	rec, err := d.repo.GetByTicketID(ctx, ticketID)
	if err != nil {
		return TicketResult{}, err
	}
	if rec == nil {
		return TicketResult{}, ErrTicketNotFound
	}
	if rec.Finished() {
		return TicketResult{}, ErrTicketFinished
	}
	return d.processOne(ctx, rec)
}

func (d *Dispatcher) processOne(ctx context.Context, rec *models.DispatchTracking) (TicketResult, error) {
	now := time.Now().UTC()
	res := TicketResult{TicketID: rec.TicketID, BatchIndex: rec.BatchIndex, CalledMechanics: rec.CalledMechanics}

	// Окно интереса: механик уже заинтересовался, новые звонки не нужны.
	if rec.InterestExpired(now, d.interestWindow) {
		reason := models.CleanupReasonExpired
		if _, err := d.repo.MarkFinished(ctx, rec.TicketID, now, &reason); err != nil {
			return res, errors.Wrap(err, "finish expired")
		}
		res.Outcome = OutcomeExpired
		res.Finished = true
		return res, nil
	}

	batch, err := d.queue.PeekNext(ctx, rec.TicketID, d.batchSize)
	if err != nil {
		return res, errors.Wrap(err, "peek queue")
	}
	if len(batch) == 0 {
		if _, err := d.repo.MarkFinished(ctx, rec.TicketID, now, nil); err != nil {
			return res, errors.Wrap(err, "finish exhausted")
		}
		res.Outcome = OutcomeCompleted
		res.Finished = true
		return res, nil
	}

	ticket, err := d.repo.GetTicketContext(ctx, rec.TicketID)
	if err != nil {
		return res, errors.Wrap(err, "ticket context")
	}

	// Fan-out: звоним всем механикам батча параллельно; исход каждого звонка
	// собираем отдельно, одна неудача не отменяет остальные.
	results := make([]callgw.CallResult, len(batch))
	var wg sync.WaitGroup
	for i, m := range batch {
		wg.Add(1)
		go func(i int, m models.Mechanic) {
			defer wg.Done()
			results[i] = d.placeCall(ctx, m, ticket, now)
		}(i, m)
	}
	wg.Wait()

	res.Attempted = len(batch)
	ids := make([]uint64, 0, len(batch))
	for i := range batch {
		ids = append(ids, batch[i].ID)
		if results[i].Success {
			res.Succeeded++
		} else {
			res.Failed++
			d.totalCallFailures.Add(1)
		}
	}
	d.totalCalls.Add(int64(len(batch)))

	// Весь батч уходит из очереди после того, как звонки отзвенели; повторных
	// попыток по несостоявшимся звонкам нет — ретраем служит само расписание.
	if _, err := d.queue.Dequeue(ctx, rec.TicketID, ids); err != nil {
		return res, errors.Wrap(err, "dequeue batch")
	}

	// Счётчик двигается на размер батча, а не на число успешных звонков.
	adv, err := d.repo.AdvanceBatch(ctx, rec.TicketID, len(batch), now)
	if err != nil {
		return res, errors.Wrap(err, "advance batch")
	}
	if adv == nil {
		// Запись закрыли параллельно (sweep или второй процессор).
		res.Outcome = OutcomeCompleted
		res.Finished = true
		return res, nil
	}

	res.Outcome = OutcomeAdvanced
	res.BatchIndex = adv.BatchIndex
	res.CalledMechanics = adv.CalledMechanics
	res.Finished = adv.Finished

	if err := d.publishSettled(ctx, res, now); err != nil {
		res.PostCommitErrors = append(res.PostCommitErrors, "publish settled: "+err.Error())
		slog.Warn("publish batch settled", "ticket_id", rec.TicketID, "error", err.Error())
	}

	return res, nil
}

func (d *Dispatcher) placeCall(ctx context.Context, m models.Mechanic, ticket models.TicketContext, now time.Time) callgw.CallResult {
	if d.rl != nil && d.callRateLimitPerMinute > 0 {
		minuteKey := fmt.Sprintf("rl:callgw:%s", now.Format("200601021504"))
		allowed, n, err := d.rl.Allow(ctx, minuteKey, d.callRateLimitPerMinute, 70*time.Second)
		if err == nil && !allowed {
			// Слишком много звонков в минуту: притормозим, чтобы не долбить шлюз.
			slog.Warn("call rate limit exceeded", "count", n)
			time.Sleep(500 * time.Millisecond)
		}
	}

	res, err := d.gateway.PlaceCall(ctx, m, ticket)
	if err != nil {
		// Контракт шлюза: сюда попадают только проблемы уровня конфигурации.
		// Звонок считаем несостоявшимся, но батч и цикл не валим.
		return callgw.CallResult{Error: err.Error()}
	}
	return res
}

// SweepExpired — bulk-закрытие записей с истёкшим окном интереса. Страхует
// кейсы, которые batch-цикл не застал (полностью обзвонённый тикет и т.п.).
func (d *Dispatcher) SweepExpired(ctx context.Context) (SweepResult, error) {
	now := time.Now().UTC()
	d.lastSweepUnixNano.Store(now.UnixNano())

	cutoff := now.Add(-d.interestWindow)
	found, cleaned, err := d.repo.SweepExpired(ctx, cutoff, now)
	if err != nil {
		d.recordError(err)
		return SweepResult{}, errors.Wrap(err, "sweep expired")
	}
	d.totalSwept.Add(cleaned)
	return SweepResult{Found: found, Cleaned: cleaned}, nil
}

func (d *Dispatcher) publishSettled(ctx context.Context, res TicketResult, now time.Time) error {
	if d.producer == nil || d.settledTopic == "" {
		return nil
	}

	msg := messages.BatchSettled{
		EventID:         uuid.NewString(),
		TicketID:        res.TicketID,
		BatchIndex:      res.BatchIndex,
		Attempted:       res.Attempted,
		Succeeded:       res.Succeeded,
		Failed:          res.Failed,
		CalledMechanics: res.CalledMechanics,
		Finished:        res.Finished,
		SettledAt:       now,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal settled msg")
	}
	return d.producer.Publish(ctx, d.settledTopic, []byte(res.TicketID), b)
}

func (d *Dispatcher) StoreStats(ctx context.Context) (models.TrackingStats, error) {
	return d.repo.TrackingStats(ctx)
}

func (d *Dispatcher) recordError(err error) {
	d.lastErrorMu.Lock()
	d.lastError = err.Error()
	d.lastErrorMu.Unlock()
}
