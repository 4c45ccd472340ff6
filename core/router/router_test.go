package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mutex    sync.Mutex
	messages []*Message
	err      error
}

func (p *recordingPublisher) Publish(ctx context.Context, msg *Message) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

type outcome struct {
	acked  bool
	nacked error
}

func testDelivery(msg Message, o *outcome) *Delivery {
	return NewDelivery(msg,
		func() error { o.acked = true; return nil },
		func(err error) error { o.nacked = err; return nil })
}

func TestDispatchReplies(t *testing.T) {
	pub := &recordingPublisher{}
	handler := HandlerFunc(func(ctx context.Context, msg *Message) ([]byte, error) {
		return []byte("allow"), nil
	})

	var o outcome
	err := Dispatch(context.Background(), pub, handler, testDelivery(Message{
		RoutingKey:    "x",
		ReplyTo:       "reply.1",
		CorrelationID: "c1",
	}, &o))
	require.NoError(t, err)
	assert.True(t, o.acked)
	require.Len(t, pub.messages, 1)
	assert.Equal(t, "reply.1", pub.messages[0].RoutingKey)
	assert.Equal(t, "", pub.messages[0].Exchange)
	assert.Equal(t, "c1", pub.messages[0].CorrelationID)
	assert.Equal(t, []byte("allow"), pub.messages[0].Body)
}

func TestDispatchNoReply(t *testing.T) {
	pub := &recordingPublisher{}
	withResult := HandlerFunc(func(ctx context.Context, msg *Message) ([]byte, error) {
		return []byte("ignored"), nil
	})
	withoutResult := HandlerFunc(func(ctx context.Context, msg *Message) ([]byte, error) {
		return nil, nil
	})

	var o outcome
	require.NoError(t, Dispatch(context.Background(), pub, withResult, testDelivery(Message{RoutingKey: "x"}, &o)))
	assert.True(t, o.acked)
	o = outcome{}
	require.NoError(t, Dispatch(context.Background(), pub, withoutResult, testDelivery(Message{RoutingKey: "x", ReplyTo: "r"}, &o)))
	assert.True(t, o.acked)
	assert.Empty(t, pub.messages)
}

func TestDispatchFailures(t *testing.T) {
	pub := &recordingPublisher{}
	failing := HandlerFunc(func(ctx context.Context, msg *Message) ([]byte, error) {
		return nil, errors.New("boom")
	})
	panicking := HandlerFunc(func(ctx context.Context, msg *Message) ([]byte, error) {
		panic("oops")
	})

	var o outcome
	err := Dispatch(context.Background(), pub, failing, testDelivery(Message{}, &o))
	assert.EqualError(t, err, "boom")
	assert.False(t, o.acked)
	assert.EqualError(t, o.nacked, "boom")

	o = outcome{}
	err = Dispatch(context.Background(), pub, panicking, testDelivery(Message{}, &o))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovered from panic: oops")
	assert.False(t, o.acked)
	assert.Error(t, o.nacked)

	o = outcome{}
	pub.err = errors.New("broker down")
	ok := HandlerFunc(func(ctx context.Context, msg *Message) ([]byte, error) { return []byte("x"), nil })
	err = Dispatch(context.Background(), pub, ok, testDelivery(Message{ReplyTo: "r"}, &o))
	assert.ErrorContains(t, err, "broker down")
	assert.Error(t, o.nacked)
}

func TestRegisterValidates(t *testing.T) {
	r := New(&Builder{Transport: NewMemoryTransport()})
	noop := HandlerFunc(func(ctx context.Context, msg *Message) ([]byte, error) { return nil, nil })

	assert.Panics(t, func() { r.Register(Registration{Name: "a", Subscription: Topic(), Handler: noop}) })
	assert.Panics(t, func() { r.Register(Registration{Name: "a", Subscription: Broadcast(""), Handler: noop}) })
	assert.Panics(t, func() { r.Register(Registration{Name: "a", Subscription: Topic("#")}) })
	assert.Panics(t, func() { r.Register(Registration{Subscription: Topic("#"), Handler: noop}) })

	r.Register(Registration{Name: "a", Subscription: Topic("#"), Handler: noop})
	assert.Panics(t, func() { r.Register(Registration{Name: "a", Subscription: Topic("#"), Handler: noop}) })
}

func TestRouterDelivers(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	r := New(&Builder{Transport: transport, MinConsumers: 1, MaxConsumers: 4})

	var mutex sync.Mutex
	received := map[string][]string{}
	record := func(service string) Handler {
		return HandlerFunc(func(ctx context.Context, msg *Message) ([]byte, error) {
			mutex.Lock()
			received[service] = append(received[service], msg.RoutingKey)
			mutex.Unlock()
			return nil, nil
		})
	}
	r.Register(
		Registration{Name: "lifecycle", Subscription: Topic("@online.*", "@offline.*"), Handler: record("lifecycle")},
		Registration{Name: "update", Subscription: Topic("@update.#"), Handler: record("update")},
		Registration{Name: "auth", Subscription: Broadcast("authentication"), Handler: record("auth")},
	)

	// messages published before the services run are kept in their durable queues
	ctx := context.Background()
	for _, reg := range []Registration{
		{Name: "lifecycle", Subscription: Topic("@online.*", "@offline.*")},
		{Name: "update", Subscription: Topic("@update.#")},
		{Name: "auth", Subscription: Broadcast("authentication")},
	} {
		require.NoError(t, transport.Declare(ctx, reg.Name, reg.Subscription))
	}
	require.NoError(t, transport.Publish(ctx, &Message{Exchange: TopicExchange, RoutingKey: "@online.dev1"}))
	assert.Equal(t, 1, transport.Pending("lifecycle"))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error)
	go func() { done <- r.Run(runCtx) }()

	require.NoError(t, transport.Publish(ctx, &Message{Exchange: TopicExchange, RoutingKey: "@update.dev1.nodes.n.objects.o.attributes.a"}))
	require.NoError(t, transport.Publish(ctx, &Message{Exchange: TopicExchange, RoutingKey: "@nodeAdded.dev1.nodes.n"}))
	require.NoError(t, transport.Publish(ctx, &Message{Exchange: "authentication", RoutingKey: ""}))

	assert.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(received["lifecycle"]) == 1 && len(received["update"]) == 1 && len(received["auth"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"@online.dev1"}, received["lifecycle"])
}

func TestPoolGrowsAndShrinks(t *testing.T) {
	release := make(chan struct{})
	var running, maxRunning int32
	p := newPool(1, 3, 50*time.Millisecond, func(d *Delivery) {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		d.Ack()
	})

	deliveries := make(chan *Delivery)
	done := make(chan struct{})
	go func() {
		p.run(context.Background(), deliveries)
		close(done)
	}()

	sent := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			deliveries <- NewDelivery(Message{}, nil, nil)
		}
		close(sent)
	}()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, p.size())
	close(release)

	assert.Eventually(t, func() bool { return p.size() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&maxRunning))

	<-sent
	close(deliveries)
	<-done
	assert.Equal(t, 0, p.size())
}

func TestCall(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	r := New(&Builder{Transport: transport, MinConsumers: 2})
	r.Register(Registration{
		Name:         "echo",
		Subscription: Broadcast("echo"),
		Handler: HandlerFunc(func(ctx context.Context, msg *Message) ([]byte, error) {
			return append([]byte("echo "), msg.Body...), nil
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, transport.Declare(ctx, "echo", Broadcast("echo")))
	go r.Run(ctx)

	callCtx, callCancel := context.WithTimeout(ctx, 2*time.Second)
	defer callCancel()
	reply, err := Call(callCtx, transport, &Message{Exchange: "echo", Body: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, "echo hello", string(reply))

	transport.mutex.RLock()
	queues := len(transport.queues)
	transport.mutex.RUnlock()
	assert.Equal(t, 1, queues, "reply queue is deleted")
}

func TestCallTimeout(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Call(ctx, transport, &Message{Exchange: "nobody"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFailurePolicy(t *testing.T) {
	ctx := context.Background()
	msg := &Message{RoutingKey: "@update.dev1.nodes.n.objects.o.attributes.a"}
	failure := errors.New("backend down")

	assert.NoError(t, DropOnError.Apply(ctx, msg, failure))
	assert.NoError(t, DropOnError.Apply(ctx, msg, nil))
	assert.Equal(t, failure, PropagateOnError.Apply(ctx, msg, failure))
	assert.NoError(t, PropagateOnError.Apply(ctx, msg, nil))
	assert.Equal(t, "drop", DropOnError.String())
}

func queueCount(transport *MemoryTransport) int {
	transport.mutex.RLock()
	defer transport.mutex.RUnlock()
	return len(transport.queues)
}

func TestCallerSharesReplyQueue(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	r := New(&Builder{Transport: transport, MinConsumers: 4})
	r.Register(Registration{
		Name:         "echo",
		Subscription: Broadcast("echo"),
		Handler: HandlerFunc(func(ctx context.Context, msg *Message) ([]byte, error) {
			return append([]byte("echo "), msg.Body...), nil
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, transport.Declare(ctx, "echo", Broadcast("echo")))
	go r.Run(ctx)

	caller := NewCaller(transport)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		body := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, callCancel := context.WithTimeout(ctx, 2*time.Second)
			defer callCancel()
			reply, err := caller.Call(callCtx, &Message{Exchange: "echo", Body: []byte(body)})
			assert.NoError(t, err)
			assert.Equal(t, "echo "+body, string(reply))
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, queueCount(transport), "one reply queue for all calls")
	assert.Equal(t, 0, caller.Pending())

	require.NoError(t, caller.Close())
	assert.Equal(t, 1, queueCount(transport), "reply queue is deleted")
	_, err := caller.Call(ctx, &Message{Exchange: "echo"})
	assert.ErrorIs(t, err, ErrCallerClosed)
}

func TestCallerTimeout(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	caller := NewCaller(transport)
	defer caller.Close()

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := caller.Call(ctx, &Message{Exchange: "nobody"})
		cancel()
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Equal(t, 0, caller.Pending())
	assert.Equal(t, 1, queueCount(transport))
}

func TestPropagatedFailuresAreNotRedelivered(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	var calls int32
	r := New(&Builder{Transport: transport, MinConsumers: 1})
	r.Register(Registration{
		Name:         "failing",
		Subscription: Topic("@update.#"),
		Handler: HandlerFunc(func(ctx context.Context, msg *Message) ([]byte, error) {
			atomic.AddInt32(&calls, 1)
			return nil, PropagateOnError.Apply(ctx, msg, errors.New("backend down"))
		}),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, transport.Declare(ctx, "failing", Topic("@update.#")))
	go r.Run(ctx)

	require.NoError(t, transport.Publish(ctx, &Message{Exchange: TopicExchange, RoutingKey: "@update.dev1.nodes.n"}))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, transport.Pending("failing"))
}

func TestReleasedDeliveryGoesBackToQueue(t *testing.T) {
	transport := NewMemoryTransport()
	defer transport.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, transport.Declare(ctx, "q", Topic("#")))
	require.NoError(t, transport.Publish(ctx, &Message{Exchange: TopicExchange, RoutingKey: "a"}))

	deliveries, err := transport.Consume(ctx, "q")
	require.NoError(t, err)
	d := <-deliveries
	require.NoError(t, d.Release())
	select {
	case again := <-deliveries:
		assert.Equal(t, "a", again.RoutingKey)
		require.NoError(t, again.Ack())
	case <-time.After(2 * time.Second):
		t.Fatal("released message not delivered again")
	}
}

func TestShutdownReleasesPendingDelivery(t *testing.T) {
	p := newPool(1, 1, time.Minute, func(*Delivery) {})
	// the only worker is busy
	p.workers = 1

	var released bool
	var o outcome
	d := testDelivery(Message{RoutingKey: "a"}, &o).WithRelease(func() error {
		released = true
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.submit(ctx, d)
	assert.True(t, released)
	assert.NoError(t, o.nacked)

	var plain outcome
	p.submit(ctx, testDelivery(Message{RoutingKey: "b"}, &plain))
	assert.ErrorIs(t, plain.nacked, ErrReleased)
}
