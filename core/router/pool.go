package router

import (
	"context"
	"sync"
	"time"
)

// pool runs the consumers of one queue. It keeps min workers alive and
// grows up to max workers while deliveries find no idle worker. Workers
// above min stop after being idle for the idle timeout.
type pool struct {
	min, max int
	idle     time.Duration
	handle   func(*Delivery)

	work    chan *Delivery
	mutex   sync.Mutex
	workers int
	wg      sync.WaitGroup
}

func newPool(min, max int, idle time.Duration, handle func(*Delivery)) *pool {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	return &pool{
		min:    min,
		max:    max,
		idle:   idle,
		handle: handle,
		work:   make(chan *Delivery),
	}
}

// run consumes deliveries until the channel is closed or ctx is done, then
// waits for all running handlers to finish.
func (p *pool) run(ctx context.Context, deliveries <-chan *Delivery) {
	p.mutex.Lock()
	for i := 0; i < p.min; i++ {
		p.spawn(true)
	}
	p.mutex.Unlock()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case d, ok := <-deliveries:
			if !ok {
				break loop
			}
			p.submit(ctx, d)
		}
	}
	close(p.work)
	p.wg.Wait()
}

func (p *pool) submit(ctx context.Context, d *Delivery) {
	select {
	case p.work <- d:
		return
	default:
	}

	p.mutex.Lock()
	if p.workers < p.max {
		p.spawn(false)
	}
	p.mutex.Unlock()

	select {
	case p.work <- d:
	case <-ctx.Done():
		d.Release()
	}
}

// size returns the current number of workers
func (p *pool) size() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.workers
}

// spawn must be called with the mutex held
func (p *pool) spawn(permanent bool) {
	p.workers++
	p.wg.Add(1)
	go p.worker(permanent)
}

func (p *pool) worker(permanent bool) {
	defer func() {
		p.mutex.Lock()
		p.workers--
		p.mutex.Unlock()
		p.wg.Done()
	}()

	if permanent {
		for d := range p.work {
			p.handle(d)
		}
		return
	}

	timer := time.NewTimer(p.idle)
	defer timer.Stop()
	for {
		select {
		case d, ok := <-p.work:
			if !ok {
				return
			}
			p.handle(d)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.idle)
		case <-timer.C:
			return
		}
	}
}
