package stream

import "sync"

// CancellationToken is a cooperative cancellation signal shared between the party that may abort an
// exchange and the exchange itself. Cancel may be called any number of times from any goroutine.
type CancellationToken interface {
	Cancel()
	Cancelled() bool
	Done() <-chan struct{}
}

type cancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancellationToken returns a token that has not been cancelled yet.
func NewCancellationToken() CancellationToken {
	return &cancelToken{done: make(chan struct{})}
}

func (t *cancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

func (t *cancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *cancelToken) Done() <-chan struct{} {
	return t.done
}
