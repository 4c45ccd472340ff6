/*Package router is a declarative publish/subscribe and RPC dispatch layer
over a message broker.

Every service registers exactly once with a Registration: the name of its
durable queue, a Subscription (topic patterns on the shared topic exchange
or a fanout exchange) and a Handler. The router declares the queues, binds
them and runs a pool of consumers per queue.

	r := router.New(&router.Builder{Transport: transport})
	r.Register(lifecycleService.Registration())
	err := r.Run(ctx)

Handlers answer requests by returning a result; the router sends it to the
message's reply address. Messages of one queue are delivered in FIFO order
by the transport, but with more than one consumer they are processed
concurrently.
*/
package router

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/cloudio/core/logger"
)

// Builder is a builder helper for the Router
type Builder struct {
	// Transport is the broker transport. This is mandatory.
	Transport Transport
	// MinConsumers is the number of permanent consumers per queue. Defaults
	// to the number of CPUs.
	MinConsumers int
	// MaxConsumers is the maximum number of consumers per queue. Defaults to
	// four times the number of CPUs.
	MaxConsumers int
	// IdleTimeout after which surplus consumers stop. Defaults to one minute.
	IdleTimeout time.Duration
}

// Router dispatches broker messages to registered services
type Router struct {
	transport    Transport
	minConsumers int
	maxConsumers int
	idleTimeout  time.Duration

	mutex         sync.Mutex
	registrations []Registration
	pools         map[string]*pool
}

// New returns a new router. The router does not consume before Run is called.
func New(rb *Builder) *Router {
	if rb.Transport == nil {
		panic("Transport is missing")
	}
	r := &Router{
		transport:    rb.Transport,
		minConsumers: rb.MinConsumers,
		maxConsumers: rb.MaxConsumers,
		idleTimeout:  rb.IdleTimeout,
		pools:        map[string]*pool{},
	}
	if r.minConsumers <= 0 {
		r.minConsumers = runtime.NumCPU()
	}
	if r.maxConsumers <= 0 {
		r.maxConsumers = 4 * runtime.NumCPU()
	}
	if r.maxConsumers < r.minConsumers {
		r.maxConsumers = r.minConsumers
	}
	if r.idleTimeout <= 0 {
		r.idleTimeout = time.Minute
	}
	return r
}

// Register adds services to the router. It panics on invalid or duplicate
// registrations.
func (r *Router) Register(registrations ...Registration) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, reg := range registrations {
		if err := reg.validate(); err != nil {
			panic(err)
		}
		for _, existing := range r.registrations {
			if existing.Name == reg.Name {
				panic(fmt.Sprintf("service %s registered twice", reg.Name))
			}
		}
		r.registrations = append(r.registrations, reg)
	}
}

// Transport returns the transport the router runs on
func (r *Router) Transport() Transport {
	return r.transport
}

// Run declares the queues of all registered services and consumes them
// until ctx is done. It returns after all running handlers have finished.
func (r *Router) Run(ctx context.Context) error {
	r.mutex.Lock()
	registrations := append([]Registration(nil), r.registrations...)
	r.mutex.Unlock()

	rlog := logger.FromContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	abort := func(err error) error {
		cancel()
		g.Wait()
		return err
	}
	for _, reg := range registrations {
		reg := reg
		if err := r.transport.Declare(ctx, reg.Name, reg.Subscription); err != nil {
			return abort(fmt.Errorf("cannot declare queue %s: %w", reg.Name, err))
		}
		deliveries, err := r.transport.Consume(ctx, reg.Name)
		if err != nil {
			return abort(fmt.Errorf("cannot consume queue %s: %w", reg.Name, err))
		}
		rlog.Infof("service %s consumes %s subscription %v", reg.Name, reg.Subscription.Kind, reg.Subscription.Patterns)

		p := newPool(r.minConsumers, r.maxConsumers, r.idleTimeout, func(d *Delivery) {
			r.deliver(ctx, reg, d)
		})
		r.mutex.Lock()
		r.pools[reg.Name] = p
		r.mutex.Unlock()

		g.Go(func() error {
			p.run(ctx, deliveries)
			return nil
		})
	}
	return g.Wait()
}

func (r *Router) deliver(ctx context.Context, reg Registration, d *Delivery) {
	ctx = logger.ContextFromHeaders(ctx, d.Headers)
	rlog := logger.FromContext(ctx)
	rlog.Debugf("%s: dispatch %s", reg.Name, d.RoutingKey)
	if err := Dispatch(ctx, r.transport, reg.Handler, d); err != nil {
		rlog.WithError(err).Errorf("%s: failed to process %s", reg.Name, d.RoutingKey)
	}
}

// Consumers returns the current number of consumers of a service's queue.
func (r *Router) Consumers(name string) int {
	r.mutex.Lock()
	p := r.pools[name]
	r.mutex.Unlock()
	if p == nil {
		return 0
	}
	return p.size()
}
