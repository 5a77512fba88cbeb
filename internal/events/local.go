package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Local queues events on a buffered channel drained by one worker goroutine.
type Local struct {
	handler        Handler
	logger         *zap.Logger
	queue          chan CustomerActivity
	handlerTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewLocal(handler Handler, logger *zap.Logger, buffer int) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer < 1 {
		buffer = 256
	}
	l := &Local{
		handler:        handler,
		logger:         logger,
		queue:          make(chan CustomerActivity, buffer),
		handlerTimeout: 10 * time.Second,
		done:           make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Local) Publish(_ context.Context, event CustomerActivity) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrBufferFull
	}
	select {
	case l.queue <- event:
		return nil
	default:
		return ErrBufferFull
	}
}

func (l *Local) run() {
	defer close(l.done)
	for event := range l.queue {
		// The publisher's request context is gone by now.
		ctx, cancel := context.WithTimeout(context.Background(), l.handlerTimeout)
		dispatch(ctx, l.handler, event, l.logger)
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be handled.
func (l *Local) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}
