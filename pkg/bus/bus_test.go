package bus

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func recv[K comparable, M any](t *testing.T, ch <-chan Message[K, M]) Message[K, M] {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		panic("unreachable")
	}
}

func TestKeyedDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus[string, int](zap.NewNop())
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	<-b.Ready()

	a := b.Subscribe(ctx, "a")
	all := b.Subscribe(ctx)

	b.Publish(ctx, "a", 1)
	b.Publish(ctx, "b", 2)

	if msg := recv(t, a); msg.Message != 1 {
		t.Errorf("keyed subscriber got %d, want 1", msg.Message)
	}
	if msg := recv(t, all); msg.Message != 1 || msg.Key != "a" {
		t.Errorf("global subscriber got %v, want a/1", msg)
	}
	if msg := recv(t, all); msg.Message != 2 || msg.Key != "b" {
		t.Errorf("global subscriber got %v, want b/2", msg)
	}
	select {
	case msg := <-a:
		t.Errorf("keyed subscriber got unexpected %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublisher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus[string, string](zap.NewNop())
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	ch := b.Subscribe(ctx, "dev1")
	pub := b.CreatePublisher("dev1")
	pub(ctx, "hello")
	if msg := recv(t, ch); msg.Message != "hello" {
		t.Errorf("got %q, want hello", msg.Message)
	}
}

func TestSubscribeChurnDuringPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus[string, int](zap.NewNop())
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	<-b.Ready()

	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		for i := 0; i < 500; i++ {
			b.Publish(ctx, "k", i)
		}
	}()

	// subscribers come and go on the same key while the publisher runs;
	// each cancelled channel must still be closed
	for i := 0; i < 100; i++ {
		subCtx, subCancel := context.WithCancel(ctx)
		ch := b.Subscribe(subCtx, "k")
		go func() {
			for range ch {
			}
		}()
		subCancel()
	}
	select {
	case <-pubDone:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher stalled during subscriber churn")
	}
}

func TestSubscriberChannelClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus[string, int](zap.NewNop())
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	<-b.Ready()

	subCtx, subCancel := context.WithCancel(ctx)
	ch := b.Subscribe(subCtx, "k")
	subCancel()
	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected closed channel, got message")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// cancellation after the bus itself stopped must still close
	cancel()
	lateCtx, lateCancel := context.WithCancel(context.Background())
	ch2 := b.Subscribe(lateCtx, "k")
	lateCancel()
	select {
	case _, open := <-ch2:
		if open {
			t.Fatal("expected closed channel after bus stop")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after bus stop")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus[string, int](zap.NewNop(), WithSubscriberBuffer(1))
	if err := b.Start(ctx); err != nil {
		t.Fatal(err)
	}
	_ = b.Subscribe(ctx, "k") // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(ctx, "k", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}
