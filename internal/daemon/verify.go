package daemon

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/loykin/pidkeeper/internal/history"
	"github.com/loykin/pidkeeper/internal/metrics"
)

// ScheduleParser accepts standard five-field specs, an optional leading
// seconds field and descriptors such as "@every 30s".
var ScheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Verify checks that a claimed pidfile still names this instance. A missing
// or stale pidfile is rewritten and restored is true. A pidfile now naming
// another live process is reported as ErrAlreadyRunning and left alone.
func (i *Instance) Verify(ctx context.Context) (restored bool, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.claimed {
		return false, nil
	}
	own, _ := i.pf.PID()
	path := i.pf.Path()
	res, err := i.validate()
	if err != nil {
		return false, err
	}
	if q, ok := res.PID(); ok {
		if q == own {
			return false, nil
		}
		return false, fmt.Errorf("%w: pidfile %s taken over by PID %d", ErrAlreadyRunning, path, q)
	}

	err = i.pf.Create(own)
	metrics.ObserveOperation("create", err)
	if err != nil {
		return false, err
	}
	i.logger.Warn("pidfile restored", "path", path, "pid", own)
	i.emit(ctx, history.EventRestore, history.Record{Path: path, PID: own})
	return true, nil
}

// StartVerifier runs Verify on spec until ctx is done. Failures are logged.
func (i *Instance) StartVerifier(ctx context.Context, spec string) error {
	sched, err := ScheduleParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse verify schedule %q: %w", spec, err)
	}
	c := cron.New(cron.WithParser(ScheduleParser))
	c.Schedule(sched, cron.FuncJob(func() {
		if _, err := i.Verify(ctx); err != nil {
			i.logger.Error("pidfile verification failed", "path", i.Path(), "error", err)
		}
	}))
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}
