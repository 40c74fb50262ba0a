package embedding

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cexll/eliza-go/pkg/event"
	"github.com/cexll/eliza-go/pkg/memory"
)

// tier indexes the queue; lower drains first.
type tier int

const (
	tierHigh tier = iota
	tierNormal
	tierLow
	tierCount
)

func tierOf(p event.Priority) tier {
	switch p {
	case event.PriorityHigh:
		return tierHigh
	case event.PriorityLow:
		return tierLow
	default:
		return tierNormal
	}
}

func (t tier) priority() event.Priority {
	switch t {
	case tierHigh:
		return event.PriorityHigh
	case tierLow:
		return event.PriorityLow
	default:
		return event.PriorityNormal
	}
}

// job is one queued embedding request.
type job struct {
	mem        *memory.Memory
	tier       tier
	source     string
	attempts   int
	maxRetries int
	seq        uint64
	enqueuedAt time.Time
	backoff    backoff.BackOff
	lastErr    error
}

// queue is a three-tier FIFO. It is not safe for concurrent use.
type queue struct {
	tiers [tierCount][]*job
}

func (q *queue) push(j *job) {
	q.tiers[j.tier] = append(q.tiers[j.tier], j)
}

// pop returns the oldest job of the highest non-empty tier.
func (q *queue) pop() (*job, bool) {
	for t := tierHigh; t < tierCount; t++ {
		if len(q.tiers[t]) == 0 {
			continue
		}
		j := q.tiers[t][0]
		q.tiers[t][0] = nil
		q.tiers[t] = q.tiers[t][1:]
		return j, true
	}
	return nil, false
}

// evictFor drops the oldest job of the lowest tier not above incoming. It
// reports false when only higher-priority work is queued.
func (q *queue) evictFor(incoming tier) (*job, bool) {
	for t := tierLow; t >= incoming; t-- {
		if len(q.tiers[t]) == 0 {
			continue
		}
		j := q.tiers[t][0]
		q.tiers[t][0] = nil
		q.tiers[t] = q.tiers[t][1:]
		return j, true
	}
	return nil, false
}

// dropBelowHigh empties the normal and low tiers.
func (q *queue) dropBelowHigh() int {
	n := len(q.tiers[tierNormal]) + len(q.tiers[tierLow])
	q.tiers[tierNormal] = nil
	q.tiers[tierLow] = nil
	return n
}

func (q *queue) len() int {
	return len(q.tiers[tierHigh]) + len(q.tiers[tierNormal]) + len(q.tiers[tierLow])
}

func (q *queue) size(t tier) int {
	return len(q.tiers[t])
}
