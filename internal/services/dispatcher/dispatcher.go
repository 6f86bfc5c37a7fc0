package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agent-scheduler/internal/clock"
	"agent-scheduler/internal/errs"
	"agent-scheduler/internal/models"
	"agent-scheduler/internal/services/agents"
	"agent-scheduler/internal/services/cron"
	"agent-scheduler/internal/services/retry"
	"agent-scheduler/internal/services/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// bookkeepingTimeout bounds the writes made after an invocation ends.
const bookkeepingTimeout = 10 * time.Second

type Store interface {
	Get(ctx context.Context, id string) (*models.Schedule, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error)
	ClaimByID(ctx context.Context, id string, now time.Time) (*models.Schedule, error)
	Renew(ctx context.Context, sched *models.Schedule, now time.Time) error
	RecordOutcome(ctx context.Context, o store.Outcome) error
}

type History interface {
	Start(ctx context.Context, rec *models.Execution) error
	Finish(ctx context.Context, id string, outcome models.Outcome, endedAt time.Time, errMsg, output string) (*models.Execution, error)
	SuccessRate(ctx context.Context, scheduleID string, since time.Time) (float64, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type Resolver interface {
	Resolve(agentType string) (agents.Handler, error)
}

// Publisher receives every finalized execution.
type Publisher interface {
	Publish(rec models.Execution)
}

type Options struct {
	TickInterval   time.Duration
	MaxConcurrency int
	// SuccessWindow is the span successRate is computed over.
	SuccessWindow time.Duration
	// Retention is how long finalized executions are kept; zero keeps them.
	Retention time.Duration
	Retry     retry.Policy
	Clock     clock.Clock
	Publisher Publisher
	Logger    *zap.Logger
}

// TriggerResult is the handle returned for a manual run.
type TriggerResult struct {
	ExecutionID string    `json:"executionId"`
	ScheduleID  string    `json:"scheduleId"`
	TriggeredAt time.Time `json:"triggeredAt"`
}

// Dispatcher claims due schedules on every tick and runs each claimed
// invocation on its own goroutine, bounded by MaxConcurrency.
type Dispatcher struct {
	store   Store
	history History
	agents  Resolver
	opts    Options
	clock   clock.Clock
	logger  *zap.Logger

	slots *semaphore.Weighted
	wg    sync.WaitGroup

	// runCtx parents every invocation; it is cancelled only on a hard stop.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu         sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	janitor    *janitor
}

func New(st Store, h History, r Resolver, opts Options) *Dispatcher {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.SuccessWindow <= 0 {
		opts.SuccessWindow = 7 * 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:     st,
		history:   h,
		agents:    r,
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("dispatcher"),
		slots:     semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

// Start runs the tick loop and housekeeping until Stop is called or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loopCancel != nil {
		return fmt.Errorf("dispatcher already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.loopCancel = cancel
	d.loopDone = make(chan struct{})

	d.janitor = newJanitor(d.history, d.clock, d.opts.Retention, d.logger)
	if err := d.janitor.start(); err != nil {
		cancel()
		d.loopCancel = nil
		return err
	}

	go d.loop(loopCtx, d.loopDone)
	d.logger.Info("dispatcher started",
		zap.Duration("tick", d.opts.TickInterval),
		zap.Int("maxConcurrency", d.opts.MaxConcurrency))
	return nil
}

// Stop halts the tick loop and waits for in-flight invocations. When ctx ends
// first the invocations are cancelled and ctx.Err is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel, done, j := d.loopCancel, d.loopDone, d.janitor
	d.loopCancel, d.loopDone, d.janitor = nil, nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if j != nil {
		j.stop()
	}

	idle := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.runCancel()
		<-idle
		d.logger.Warn("dispatcher stopped with in-flight invocations cancelled")
		return ctx.Err()
	}
}

// Wait blocks until every dispatched invocation has finished its bookkeeping.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()

	d.safeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.safeTick(ctx)
		}
	}
}

func (d *Dispatcher) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tick panicked", zap.Any("panic", r))
		}
	}()
	if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
		d.logger.Warn("tick abandoned", zap.Error(err))
	}
}

// Tick claims as many due schedules as there are free slots and dispatches
// them. It returns the number dispatched. A failing claim is retried once;
// a second failure abandons the tick.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	free := 0
	for free < d.opts.MaxConcurrency && d.slots.TryAcquire(1) {
		free++
	}
	if free == 0 {
		return 0, nil
	}

	now := d.clock.Now()
	claimed, err := d.store.ClaimDue(ctx, now, free)
	if err != nil {
		d.logger.Debug("claim failed, retrying", zap.Error(err))
		var more []models.Schedule
		more, err = d.store.ClaimDue(ctx, now, free-len(claimed))
		claimed = append(claimed, more...)
	}

	if unused := free - len(claimed); unused > 0 {
		d.slots.Release(int64(unused))
	}
	for _, sched := range claimed {
		trigger := models.TriggerCron
		if sched.RetryCount > 0 {
			trigger = models.TriggerRetry
		}
		d.launch(sched, trigger, now, true)
	}
	return len(claimed), err
}

// Trigger runs a schedule now, bypassing next_run and enabled. The schedule
// goes through the same claim and bookkeeping as a cron run.
func (d *Dispatcher) Trigger(ctx context.Context, id string) (TriggerResult, error) {
	now := d.clock.Now()
	sched, err := d.store.ClaimByID(ctx, id, now)
	if errors.Is(err, errs.ErrConcurrentModification) {
		sched, err = d.store.ClaimByID(ctx, id, d.clock.Now())
	}
	if err != nil {
		return TriggerResult{}, err
	}

	rec := d.launch(*sched, models.TriggerManual, now, false)
	return TriggerResult{ExecutionID: rec.ID, ScheduleID: sched.ID, TriggeredAt: now}, nil
}

// launch records the start of an execution and runs it in the background.
// holdsSlot tells whether the caller already acquired a worker slot. A claim
// that had to queue for a slot renews its lease before running, and gives up
// if another claim replaced it while it waited.
func (d *Dispatcher) launch(sched models.Schedule, trigger models.Trigger, now time.Time, holdsSlot bool) *models.Execution {
	rec := &models.Execution{
		ID:           uuid.NewString(),
		ScheduleID:   sched.ID,
		AgentType:    sched.AgentType,
		Trigger:      trigger,
		StartedAt:    now,
		RetryAttempt: sched.RetryCount,
	}
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	if err := d.history.Start(ctx, rec); err != nil {
		d.logger.Error("record execution start", zap.String("scheduleId", sched.ID), zap.Error(err))
	}
	cancel()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if !holdsSlot {
			if err := d.slots.Acquire(d.runCtx, 1); err != nil {
				d.finish(sched, rec, models.OutcomeFailure, agents.Result{},
					errs.New(errs.ErrHandlerInvocation, "dispatcher stopped before start"))
				return
			}
		}
		defer d.slots.Release(1)
		if !holdsSlot {
			if err := d.renew(&sched); err != nil {
				d.abandon(sched, rec, err)
				return
			}
		}
		d.run(sched, rec)
	}()
	return rec
}

func (d *Dispatcher) renew(sched *models.Schedule) error {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()
	return d.store.Renew(ctx, sched, d.clock.Now())
}

// abandon closes the execution record of a claim that never ran. The
// schedule row belongs to whoever holds the claim now, so it is left alone.
func (d *Dispatcher) abandon(sched models.Schedule, rec *models.Execution, cause error) {
	d.logger.Warn("claim lost before start",
		zap.String("scheduleId", sched.ID), zap.String("executionId", rec.ID), zap.Error(cause))
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()
	final, err := d.history.Finish(ctx, rec.ID, models.OutcomeFailure, d.clock.Now(), "claim lost before start", "")
	if err != nil {
		d.logger.Error("finalize execution", zap.String("executionId", rec.ID), zap.Error(err))
	} else if d.opts.Publisher != nil {
		d.opts.Publisher.Publish(*final)
	}
}

func (d *Dispatcher) run(sched models.Schedule, rec *models.Execution) {
	log := d.logger.With(zap.String("scheduleId", sched.ID), zap.String("executionId", rec.ID))
	log.Debug("invocation started", zap.String("agentType", sched.AgentType), zap.String("trigger", string(rec.Trigger)))

	var (
		res     agents.Result
		outcome = models.OutcomeSuccess
	)
	handler, err := d.agents.Resolve(sched.AgentType)
	if err == nil {
		res, err = d.invoke(sched, handler)
	}
	if err != nil {
		outcome = models.OutcomeFailure
		if errors.Is(err, errs.ErrTimeoutExceeded) {
			outcome = models.OutcomeTimeout
		}
		log.Info("invocation failed", zap.String("outcome", string(outcome)), zap.Error(err))
	}
	d.finish(sched, rec, outcome, res, err)
}

type reply struct {
	res agents.Result
	err error
}

// invoke runs the handler under the schedule timeout. A handler that outlives
// its timeout is abandoned; its late reply lands in a buffered channel nobody
// reads.
func (d *Dispatcher) invoke(sched models.Schedule, handler agents.Handler) (agents.Result, error) {
	ctx, cancel := context.WithTimeout(d.runCtx, sched.Timeout())
	defer cancel()

	replies := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				replies <- reply{err: errs.New(errs.ErrHandlerPanicked, fmt.Sprint(r))}
			}
		}()
		res, err := handler.Invoke(ctx, sched.ConfigMap())
		replies <- reply{res: res, err: err}
	}()

	select {
	case r := <-replies:
		if r.err == nil {
			return r.res, nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return r.res, errs.New(errs.ErrTimeoutExceeded, sched.Timeout().String())
		}
		if errors.Is(r.err, errs.ErrHandlerPanicked) {
			return r.res, r.err
		}
		return r.res, fmt.Errorf("%w: %w", errs.ErrHandlerInvocation, r.err)
	case <-ctx.Done():
		if d.runCtx.Err() != nil {
			return agents.Result{}, errs.New(errs.ErrHandlerInvocation, "cancelled by shutdown")
		}
		return agents.Result{}, errs.New(errs.ErrTimeoutExceeded, sched.Timeout().String())
	}
}

// finish finalizes the execution record and writes the schedule outcome.
func (d *Dispatcher) finish(sched models.Schedule, rec *models.Execution, outcome models.Outcome, res agents.Result, invokeErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()
	log := d.logger.With(zap.String("scheduleId", sched.ID), zap.String("executionId", rec.ID))

	ended := d.clock.Now()
	errMsg := ""
	if invokeErr != nil {
		errMsg = invokeErr.Error()
	}

	final, err := d.history.Finish(ctx, rec.ID, outcome, ended, errMsg, res.Output)
	if err != nil {
		log.Error("finalize execution", zap.Error(err))
	} else if d.opts.Publisher != nil {
		d.opts.Publisher.Publish(*final)
	}

	rate, err := d.history.SuccessRate(ctx, sched.ID, ended.Add(-d.opts.SuccessWindow))
	if err != nil {
		log.Warn("compute success rate", zap.Error(err))
		rate = sched.SuccessRate
	}

	o := d.nextOutcome(sched, ended, invokeErr, log)
	o.SuccessRate = rate
	o.Error = errMsg
	o.RanAt = rec.StartedAt
	d.record(ctx, sched, o, log)
}

// nextOutcome applies the retry policy: success and exhausted retries resume
// the cron cadence, other failures retry after the backoff delay.
func (d *Dispatcher) nextOutcome(sched models.Schedule, now time.Time, invokeErr error, log *zap.Logger) store.Outcome {
	o := store.Outcome{ID: sched.ID, Generation: sched.Generation}
	if invokeErr != nil {
		if delay, ok := d.opts.Retry.NextDelay(sched.RetryCount, sched.RetryConfig); ok {
			o.Status = models.StatusPending
			o.RetryCount = sched.RetryCount + 1
			o.NextRun = now.Add(delay)
			log.Info("retry scheduled", zap.Int("retry", o.RetryCount), zap.Duration("delay", delay))
			return o
		}
		o.Status = models.StatusFailed
	} else {
		o.Status = models.StatusSuccess
	}

	o.RetryCount = 0
	next, err := cron.Next(sched.Cron, sched.Timezone, now)
	if err != nil {
		log.Error("compute next run", zap.String("cron", sched.Cron), zap.Error(err))
		next = now.Add(time.Hour)
	}
	o.NextRun = next
	return o
}

// record writes o. A lost race is retried once after re-reading the row;
// deleted schedules and stale claims are discarded.
func (d *Dispatcher) record(ctx context.Context, sched models.Schedule, o store.Outcome, log *zap.Logger) {
	for attempt := 0; attempt < 2; attempt++ {
		err := d.store.RecordOutcome(ctx, o)
		switch {
		case err == nil:
			return
		case errors.Is(err, errs.ErrNotFound):
			log.Info("schedule deleted while running, outcome discarded")
			return
		case errors.Is(err, errs.ErrConcurrentModification):
			current, getErr := d.store.Get(ctx, sched.ID)
			if getErr != nil || current.Generation != sched.Generation || current.LastStatus != models.StatusRunning {
				log.Warn("stale claim, outcome discarded", zap.Int64("generation", sched.Generation))
				return
			}
		default:
			log.Warn("record outcome", zap.Int("attempt", attempt+1), zap.Error(err))
		}
	}
	log.Error("outcome not recorded, lease expiry will release the schedule")
}
