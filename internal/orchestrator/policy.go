package orchestrator

import (
	"time"

	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

// Action is what the orchestrator does with a task after a handler returns.
type Action int

// Possible actions.
const (
	ActionDone Action = iota
	ActionRetry
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionDone:
		return "done"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Action   Action
	Delay    time.Duration
	Category pipeline.ErrorCategory
}

// Policy bounds retries for one task kind.
type Policy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultPolicies returns the retry policy of every task kind.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		pipeline.TaskPoll:    {MaxRetries: 3, Backoff: 60 * time.Second},
		pipeline.TaskExtract: {MaxRetries: 3, Backoff: 60 * time.Second},
		pipeline.TaskEnrich:  {MaxRetries: 3, Backoff: 120 * time.Second},
		pipeline.TaskFanout:  {MaxRetries: 0},
	}
}

// Decide maps a handler result to an action. Transient and malformed failures retry while
// task.Attempt < MaxRetries; terminal failures never retry.
func (p Policy) Decide(task Task, err error) Decision {
	category := pipeline.Classify(err)
	switch category {
	case pipeline.CategoryNone:
		return Decision{Action: ActionDone}
	case pipeline.CategoryTransient, pipeline.CategoryMalformed:
		if task.Attempt < p.MaxRetries {
			return Decision{Action: ActionRetry, Delay: p.Backoff, Category: category}
		}
	}
	return Decision{Action: ActionFail, Category: category}
}
