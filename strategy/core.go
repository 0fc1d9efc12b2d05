package strategy

import (
	"context"
	"fmt"

	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/lifecycle"
	"github.com/workhubhq/workhub/message"
)

// core is the flush machinery every strategy shares: snapshot the buffer,
// run the distribute lifecycle stages, call the coordinator, and clear only
// what was flushed.
type core struct {
	processor Processor
	invoker   *lifecycle.Invoker
	opts      Options
	buf       buffer
}

func newCore(processor Processor, invoker *lifecycle.Invoker, opts Options) *core {
	return &core{processor: processor, invoker: invoker, opts: opts}
}

func (c *core) flush(ctx context.Context, flags message.BatchFlags) (*coordinator.WorkBatch, error) {
	snap := c.buf.take()
	envelopes := snap.envelopes()

	if err := c.invoker.Invoke(ctx, lifecycle.Context{Stage: lifecycle.PreDistributeAsync}, envelopes); err != nil {
		return nil, err
	}
	if err := c.invoker.Invoke(ctx, lifecycle.Context{Stage: lifecycle.PreDistributeInline}, envelopes); err != nil {
		return nil, fmt.Errorf("flush aborted: %w", err)
	}

	// Distribute observes the coordinator call in flight.
	if err := c.invoker.Invoke(ctx, lifecycle.Context{Stage: lifecycle.DistributeAsync}, envelopes); err != nil {
		return nil, err
	}

	batch, err := c.processor.ProcessWorkBatch(ctx, snap.request(c.opts, flags))
	if err != nil {
		// Buffer retained: the next flush retries everything.
		return nil, err
	}
	c.buf.drop(snap)

	if err := c.invoker.Invoke(ctx, lifecycle.Context{Stage: lifecycle.PostDistributeAsync}, envelopes); err != nil {
		return batch, err
	}
	if err := c.invoker.Invoke(ctx, lifecycle.Context{Stage: lifecycle.PostDistributeInline}, envelopes); err != nil {
		return batch, fmt.Errorf("post-flush lifecycle failed: %w", err)
	}

	if c.opts.OnBatch != nil {
		c.opts.OnBatch(batch)
	}
	return batch, nil
}
