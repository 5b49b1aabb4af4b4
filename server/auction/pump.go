// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package auction

import (
	"context"
	"sync"
)

// readyBatch is a batch queued for clearing. The ready channel is closed by
// the cycle driver once the batch's reveal deadline has passed and its missed
// reveals are processed; only then may the consumer clear it.
type readyBatch struct {
	batchID int64
	ready   chan struct{} // close this when the batch is ready
	misses  []*RevealResult
	// aborted marks a batch handed over on shutdown before its reveal
	// deadline. The consumer must not clear it.
	aborted bool
}

// batchPump serializes the handoff of closed batches to the clearing
// consumer. Batches are delivered strictly in insertion order, one at a time,
// so the clearing and settlement critical section can never see two batches
// concurrently, no matter how the timers fire.
type batchPump struct {
	ready chan *readyBatch // consumer receives from this

	mtx    sync.RWMutex
	q      []*readyBatch
	halt   bool
	halted bool
	head   chan *readyBatch // internal, closed when ready to halt
}

func newBatchPump() *batchPump {
	return &batchPump{
		ready: make(chan *readyBatch, 1),
		head:  make(chan *readyBatch, 1),
	}
}

func (bp *batchPump) Run(ctx context.Context) {
	// Context cancellation must cause a graceful shutdown.
	go func() {
		<-ctx.Done()

		bp.mtx.Lock()
		defer bp.mtx.Unlock()

		// Gracefully shut down the pump, allowing the queue to be fully
		// drained and all batches passed on to the consumer.
		if len(bp.q) == 0 {
			// Ready to shutdown.
			close(bp.head) // cause next() to return a closed channel and Run to return.
			bp.halted = true
		} else {
			// next will close it after it drains the queue.
			bp.halt = true
		}
	}()

	defer close(bp.ready)
	for {
		rb, ok := <-bp.next()
		if !ok {
			return
		}
		bp.ready <- rb // consumer should receive this
	}
}

// Insert enqueues a batch at commit open. Access batches in order and only
// after their reveal deadline by receiving from the batchPump.ready channel.
func (bp *batchPump) Insert(batchID int64) *readyBatch {
	rb := &readyBatch{
		batchID: batchID,
		ready:   make(chan struct{}),
	}

	bp.mtx.Lock()
	defer bp.mtx.Unlock()

	if bp.halted || bp.halt {
		// head is closed or about to be.
		return nil
	}

	select {
	case bp.head <- rb: // buffered, so non-blocking when empty and no receiver
	default:
		// push: append to the closed batch queue.
		bp.q = append(bp.q, rb)
	}

	return rb
}

// popFront removes the next readyBatch from the queue. It is not thread-safe,
// and is only used in next to advance the head of the pump.
func (bp *batchPump) popFront() *readyBatch {
	if len(bp.q) == 0 {
		return nil
	}
	x := bp.q[0]
	bp.q = bp.q[1:]
	return x
}

// next provides a channel for receiving the next readyBatch when its reveal
// deadline processing completes. next blocks until there is a batch to send.
func (bp *batchPump) next() <-chan *readyBatch {
	ready := make(chan *readyBatch) // next sent on this channel when ready
	next := <-bp.head

	// A closed head channel signals a halted and drained pump.
	if next == nil {
		close(ready)
		return ready
	}

	bp.mtx.Lock()
	defer bp.mtx.Unlock()

	// If the queue is not empty, set new head.
	x := bp.popFront()
	if x != nil {
		bp.head <- x // non-blocking, received in select above
	} else if bp.halt {
		// Only halt the pump once the queue is emptied. The final head is
		// still forwarded to the consumer.
		close(bp.head)
		bp.halted = true
		// continue to serve next, but a closed channel will be returned on
		// subsequent calls.
	}

	// Send next on the returned channel when it becomes ready.
	go func() {
		<-next.ready // block until reveal deadline processing is complete
		ready <- next
	}()
	return ready
}
