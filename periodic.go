package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// periodicTask runs fn at most once at a time. A tick that arrives while
// the previous one is still running is skipped.
type periodicTask struct {
	name    string
	fn      func(context.Context)
	running atomic.Bool
	skipped atomic.Int64
	wg      sync.WaitGroup
}

func newPeriodicTask(name string, fn func(context.Context)) *periodicTask {
	return &periodicTask{name: name, fn: fn}
}

// tryRun runs fn synchronously unless a run is already in flight.
func (p *periodicTask) tryRun(ctx context.Context) bool {
	if !p.running.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		log.Printf("%s: previous run still in progress, skipping tick", p.name)
		return false
	}
	defer p.running.Store(false)
	p.fn(ctx)
	return true
}

// start runs fn in the background unless a run is in flight.
func (p *periodicTask) start(ctx context.Context) {
	if p.running.Load() {
		p.skipped.Add(1)
		log.Printf("%s: previous run still in progress, skipping tick", p.name)
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.tryRun(ctx)
	}()
}

// runPeriodic fires fn every interval until ctx is done. It returns once
// any in-flight run has finished.
func runPeriodic(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	p := newPeriodicTask(name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return
		case <-ticker.C:
			p.start(ctx)
		}
	}
}
