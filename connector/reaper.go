package connector

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fzft/go-mini-tomcat/log"
	"go.uber.org/zap"
)

// sweeper is a set of connections the reaper can scan.
type sweeper interface {
	cleanTimeoutSockets() int
}

// IdleConnectionReaper periodically closes keep-alive connections that stayed
// idle past their timeout.
type IdleConnectionReaper struct {
	targets  []sweeper
	interval time.Duration

	once    sync.Once
	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

func newIdleConnectionReaper(interval time.Duration, targets ...sweeper) *IdleConnectionReaper {
	return &IdleConnectionReaper{
		targets:  targets,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *IdleConnectionReaper) start() {
	r.started.Store(true)
	go r.run()
}

func (r *IdleConnectionReaper) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *IdleConnectionReaper) sweep() {
	for _, t := range r.targets {
		r.sweepOne(t)
	}
}

func (r *IdleConnectionReaper) sweepOne(t sweeper) {
	defer func() {
		if p := recover(); p != nil {
			log.Logger.Error("idle sweep panic", zap.Any("panic", p))
		}
	}()
	if n := t.cleanTimeoutSockets(); n > 0 {
		log.Logger.Debug("reaped idle connections", zap.Int("count", n))
	}
}

// shutdown cancels the schedule and waits for a running sweep to finish. It is
// safe to call more than once, and on a reaper that never started.
func (r *IdleConnectionReaper) shutdown() {
	r.once.Do(func() {
		close(r.stop)
		if r.started.Load() {
			<-r.done
		}
	})
}
