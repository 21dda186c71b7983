package bridge

import (
	"context"
	"sync"

	"github.com/m-lab/perfbridge/pkg/bridge/model"
)

// progressBuffer is the capacity of a Run's progress channel. Notifications
// beyond it are queued, never dropped, so the test is not slowed down by a
// slow reader.
const progressBuffer = 64

// Run is a client test running on its own goroutine.
type Run struct {
	progress chan model.Progress
	done     chan struct{}
	result   *model.Result

	// Notifications not yet forwarded to progress.
	mu       sync.Mutex
	queue    []model.Progress
	finished bool
	wake     chan struct{}
}

// Progress returns the channel of progress notifications. Every interval is
// delivered, in order. The channel is closed after the last notification,
// which may be after Done is closed.
func (r *Run) Progress() <-chan model.Progress {
	return r.progress
}

// Done returns a channel that is closed when the test completes.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Result waits for the test to complete and returns its Result, which must
// be released with FreeResult.
func (r *Run) Result() *model.Result {
	<-r.done
	return r.result
}

// push queues p for delivery without blocking.
func (r *Run) push(p model.Progress) {
	r.mu.Lock()
	r.queue = append(r.queue, p)
	r.mu.Unlock()
	r.notify()
}

// finish marks the end of the notifications.
func (r *Run) finish() {
	r.mu.Lock()
	r.finished = true
	r.mu.Unlock()
	r.notify()
}

func (r *Run) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// forward moves queued notifications to the progress channel and closes it
// once the test has finished and the queue is drained.
func (r *Run) forward() {
	defer close(r.progress)
	for {
		r.mu.Lock()
		batch, finished := r.queue, r.finished
		r.queue = nil
		r.mu.Unlock()
		for _, p := range batch {
			r.progress <- p
		}
		if finished {
			return
		}
		if len(batch) == 0 {
			<-r.wake
		}
	}
}

// Start runs a client test on a new goroutine. Cancelling ctx cancels the
// test.
func (b *Bridge) Start(ctx context.Context, cfg model.Config) *Run {
	r := &Run{
		progress: make(chan model.Progress, progressBuffer),
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	go r.forward()
	go func() {
		defer close(r.done)
		defer r.finish()
		r.result = b.run(ctx, cfg, r.push)
	}()
	return r
}
