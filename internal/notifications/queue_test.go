package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bookhaven/api/internal/services"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []services.EmailMessage
	block chan struct{}
	err   error
}

func (s *recordingSender) Send(ctx context.Context, msg services.EmailMessage) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return s.err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestAsyncSenderDeliversAndDrains(t *testing.T) {
	next := &recordingSender{}
	sender, err := NewAsyncSender(next, AsyncSenderConfig{QueueSize: 8, Workers: 2})
	if err != nil {
		t.Fatalf("NewAsyncSender: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := sender.Send(context.Background(), services.EmailMessage{To: "a@example.com"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sender.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if next.count() != 5 {
		t.Fatalf("expected 5 deliveries, got %d", next.count())
	}
	if err := sender.Send(context.Background(), services.EmailMessage{To: "late@example.com"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestAsyncSenderDropsWhenFull(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	next := &recordingSender{block: make(chan struct{})}
	sender, err := NewAsyncSender(next, AsyncSenderConfig{QueueSize: 1, Workers: 1, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("NewAsyncSender: %v", err)
	}

	var dropped int
	for i := 0; i < 4; i++ {
		if err := sender.Send(context.Background(), services.EmailMessage{To: "a@example.com"}); errors.Is(err, ErrQueueFull) {
			dropped++
		}
	}
	if dropped == 0 {
		t.Fatalf("expected at least one dropped message")
	}
	if logs.FilterMessage("email dropped: queue full").Len() != dropped {
		t.Fatalf("expected a warning per dropped message")
	}
	close(next.block)
	if err := sender.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestAsyncSenderLogsDeliveryFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	next := &recordingSender{err: errors.New("smtp down")}
	sender, err := NewAsyncSender(next, AsyncSenderConfig{Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("NewAsyncSender: %v", err)
	}
	if err := sender.Send(context.Background(), services.EmailMessage{To: "a@example.com"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sender.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if logs.FilterMessage("email delivery failed").Len() != 1 {
		t.Fatalf("expected delivery failure to be logged")
	}
}

func TestNewAsyncSenderRequiresDownstream(t *testing.T) {
	if _, err := NewAsyncSender(nil, AsyncSenderConfig{}); err == nil {
		t.Fatalf("expected error")
	}
}
