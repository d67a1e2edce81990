package model

import "context"

// Limiter bounds the number of concurrent provider calls. Excess callers
// queue in FIFO order: Go serves blocked channel sends in arrival order, so
// no caller starves.
type Limiter struct {
	sem chan struct{}
}

// NewLimiter creates a limiter admitting at most max concurrent calls.
// max <= 0 means unlimited.
func NewLimiter(max int) *Limiter {
	if max <= 0 {
		return &Limiter{}
	}
	return &Limiter{sem: make(chan struct{}, max)}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.sem == nil {
		return ctx.Err()
	}
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	if l.sem == nil {
		return
	}
	<-l.sem
}

// Limited wraps a ChatModel so every StreamChat passes through the limiter.
type Limited struct {
	inner   ChatModel
	limiter *Limiter
}

// NewLimited wraps inner with the given limiter.
func NewLimited(inner ChatModel, limiter *Limiter) *Limited {
	return &Limited{inner: inner, limiter: limiter}
}

// StreamChat implements ChatModel.
func (l *Limited) StreamChat(ctx context.Context, req Request, onDelta func(Chunk)) (Response, error) {
	if err := l.limiter.Acquire(ctx); err != nil {
		return Response{}, err
	}
	defer l.limiter.Release()
	return l.inner.StreamChat(ctx, req, onDelta)
}
