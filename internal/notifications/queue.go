package notifications

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bookhaven/api/internal/platform/observability"
	"github.com/bookhaven/api/internal/services"
)

const (
	defaultQueueSize   = 256
	defaultQueueWorker = 2
)

// ErrQueueClosed is returned by Send after Close.
var ErrQueueClosed = errors.New("notifications: queue closed")

// ErrQueueFull is returned when the buffer has no room; the message is dropped.
var ErrQueueFull = errors.New("notifications: queue full")

// AsyncSender decouples email delivery from the request path. Messages are buffered and
// delivered by a fixed worker pool, each attempt bounded by the send timeout.
type AsyncSender struct {
	next    services.EmailSender
	logger  *zap.Logger
	timeout time.Duration

	jobs chan services.EmailMessage
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// AsyncSenderConfig configures AsyncSender.
type AsyncSenderConfig struct {
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
	Logger      *zap.Logger
}

// NewAsyncSender starts the worker pool around next.
func NewAsyncSender(next services.EmailSender, cfg AsyncSenderConfig) (*AsyncSender, error) {
	if next == nil {
		return nil, errors.New("notifications: downstream sender is required")
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultQueueWorker
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AsyncSender{
		next:    next,
		logger:  logger,
		timeout: timeout,
		jobs:    make(chan services.EmailMessage, size),
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.work()
	}
	return s, nil
}

// Send enqueues msg without blocking.
func (s *AsyncSender) Send(_ context.Context, msg services.EmailMessage) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrQueueClosed
	}
	select {
	case s.jobs <- msg:
		return nil
	default:
		s.logger.Warn("email dropped: queue full", zap.String("to", observability.MaskEmail(msg.To)), zap.String("subject", msg.Subject))
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits for queued ones to drain or ctx to end.
func (s *AsyncSender) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncSender) work() {
	defer s.wg.Done()
	for msg := range s.jobs {
		s.deliver(msg)
	}
}

func (s *AsyncSender) deliver(msg services.EmailMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("email sender panicked", zap.String("to", observability.MaskEmail(msg.To)), zap.Any("panic", r))
		}
	}()
	if err := s.next.Send(ctx, msg); err != nil {
		s.logger.Warn("email delivery failed",
			zap.String("to", observability.MaskEmail(msg.To)),
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
	}
}
