// Package stream dispatches the work items of a batch to caller-supplied
// processors while preserving per-stream order: items of one stream run
// strictly sequentially, distinct streams may run concurrently, and a
// failure stops the rest of its stream but leaves other streams untouched.
package stream

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/workhubhq/workhub/common"
	"github.com/workhubhq/workhub/message"
)

// ProcessFunc handles one work item and returns the status mask of the
// stages it completed. On error the returned mask is the pre-failure state,
// so the failure report tells the coordinator which stages still succeeded.
type ProcessFunc[T any] func(ctx context.Context, item T) (message.Status, error)

// Processor drives a slice of work items through a ProcessFunc. The
// accessor fields adapt it to any work type carrying a stream id and a
// sequence order.
type Processor[T any] struct {
	// Parallel dispatches distinct streams concurrently. Order within a
	// stream is sequential either way.
	Parallel bool

	Stream   func(item T) *uuid.UUID
	Sequence func(item T) int64

	Process  ProcessFunc[T]
	Complete func(item T, status message.Status)
	Fail     func(item T, failure *message.Failure)

	logger *logrus.Entry
	once   sync.Once
}

func (p *Processor[T]) log() *logrus.Entry {
	p.once.Do(func() {
		p.logger = common.Logger.WithField("component", "stream-processor")
	})
	return p.logger
}

// Dispatch processes the items grouped by stream. Items without a stream
// share one catch-all group. Cancelling ctx stops handing out further
// items; the item being processed runs to completion.
func (p *Processor[T]) Dispatch(ctx context.Context, items []T) {
	if len(items) == 0 {
		return
	}

	groups := p.group(items)

	if !p.Parallel {
		for _, group := range groups {
			p.dispatchGroup(ctx, group)
		}
		return
	}

	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(group []T) {
			defer wg.Done()
			p.dispatchGroup(ctx, group)
		}(group)
	}
	wg.Wait()
}

// group splits items by stream in first-seen order and sorts each group by
// sequence order.
func (p *Processor[T]) group(items []T) [][]T {
	index := make(map[uuid.UUID]int)
	var groups [][]T

	for _, item := range items {
		key := uuid.Nil
		if s := p.Stream(item); s != nil {
			key = *s
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], item)
	}

	for _, group := range groups {
		sort.SliceStable(group, func(i, j int) bool {
			return p.Sequence(group[i]) < p.Sequence(group[j])
		})
	}
	return groups
}

func (p *Processor[T]) dispatchGroup(ctx context.Context, group []T) {
	for _, item := range group {
		if ctx.Err() != nil {
			return
		}

		status, err := p.Process(ctx, item)
		if err == nil {
			if p.Complete != nil {
				p.Complete(item, status)
			}
			continue
		}

		failure, ok := err.(*message.Failure)
		if !ok {
			failure = message.NewFailure(message.Classify(err), status, err.Error())
		}
		if p.Fail != nil {
			p.Fail(item, failure)
		}
		p.log().WithError(err).WithField("kind", failure.Kind).
			Debug("stream halted on failed item")
		// Later items of this stream wait for a future batch.
		return
	}
}
