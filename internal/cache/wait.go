package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/objectfs/graphfs/pkg/errors"
)

// notifier is a broadcast primitive: every flag transition closes the
// current channel and installs a fresh one.
type notifier struct {
	ch atomic.Pointer[chan struct{}]
}

func (n *notifier) init() {
	ch := make(chan struct{})
	n.ch.Store(&ch)
}

// changed returns a channel closed at the next broadcast.
func (n *notifier) changed() <-chan struct{} {
	return *n.ch.Load()
}

func (n *notifier) broadcast() {
	ch := make(chan struct{})
	old := n.ch.Swap(&ch)
	close(*old)
}

func flagsSatisfied(flags, mask uint32) bool {
	if mask == 0 {
		return flags == 0
	}
	return flags&mask == mask
}

// waitForFlags blocks until flagsSatisfied(load(), mask), the timeout
// elapses or ctx is done. The channel is sampled before the flags so a
// transition between the two reads is never missed.
func waitForFlags(ctx context.Context, n *notifier, load func() uint32, mask uint32, timeout time.Duration, op string) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		ch := n.changed()
		if flagsSatisfied(load(), mask) {
			return nil
		}

		select {
		case <-ch:
		case <-timer.C:
			if flagsSatisfied(load(), mask) {
				return nil
			}
			return errors.Newf(errors.ErrCodeOperationTimeout, "flags %#x not reached within %s", mask, timeout).
				WithComponent(component).WithOperation(op)
		case <-ctx.Done():
			return errors.NewError(errors.ErrCodeOperationCanceled, "wait canceled").
				WithComponent(component).WithOperation(op).WithCause(ctx.Err())
		}
	}
}
