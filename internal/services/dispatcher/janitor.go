package dispatcher

import (
	"context"
	"time"

	"agent-scheduler/internal/clock"

	robfig "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const pruneSpec = "@every 1h"

// janitor prunes execution history past the retention horizon.
type janitor struct {
	history   History
	clock     clock.Clock
	retention time.Duration
	logger    *zap.Logger
	cron      *robfig.Cron
}

func newJanitor(h History, clk clock.Clock, retention time.Duration, logger *zap.Logger) *janitor {
	return &janitor{
		history:   h,
		clock:     clk,
		retention: retention,
		logger:    logger.Named("janitor"),
		cron:      robfig.New(robfig.WithChain(robfig.Recover(robfig.DiscardLogger))),
	}
}

func (j *janitor) start() error {
	if j.retention <= 0 {
		return nil
	}
	if _, err := j.cron.AddFunc(pruneSpec, func() { j.prune(context.Background()) }); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

func (j *janitor) stop() {
	<-j.cron.Stop().Done()
}

func (j *janitor) prune(ctx context.Context) int64 {
	if j.retention <= 0 {
		return 0
	}
	before := j.clock.Now().Add(-j.retention)
	n, err := j.history.Prune(ctx, before)
	if err != nil {
		j.logger.Warn("prune executions", zap.Error(err))
		return 0
	}
	if n > 0 {
		j.logger.Info("pruned executions", zap.Int64("count", n), zap.Time("before", before))
	}
	return n
}
