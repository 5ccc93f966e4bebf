// Package poller fetches new stack events for one deployment, deduplicates
// them, and self-tunes its polling cadence.
package poller

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"cfn-deploy/awserrors"
	"cfn-deploy/logging"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

// EventsAPI is the slice of the CloudFormation API the poller needs.
// *cfnclient.Client satisfies it; GetStackEvents handles pagination.
type EventsAPI interface {
	GetStackEvents(ctx context.Context, stackName string) ([]types.StackEvent, error)
}

// Poller tracks which events of a stack have already been delivered and
// returns only genuinely new ones. The dedup state is owned by a single
// monitor loop and is not safe for concurrent use; the interval is stored
// atomically so CurrentInterval may be read from other goroutines while a
// poll is in flight.
type Poller struct {
	api       EventsAPI
	log       *logging.Logger
	stackName string

	initialInterval time.Duration
	maxInterval     time.Duration
	interval        atomic.Int64 // nanoseconds

	deploymentStart time.Time
	lastEventTime   time.Time
	seen            map[string]struct{}
}

// New returns a Poller for the named stack. initial and max bound the
// adaptive poll interval.
func New(api EventsAPI, log *logging.Logger, stackName string, initial, max time.Duration) *Poller {
	if initial <= 0 {
		initial = 5 * time.Second
	}
	if max < initial {
		max = initial
	}
	p := &Poller{
		api:             api,
		log:             log,
		stackName:       stackName,
		initialInterval: initial,
		maxInterval:     max,
		seen:            make(map[string]struct{}),
	}
	p.interval.Store(int64(initial))
	return p
}

// CurrentInterval returns the current poll interval. Safe to call from any
// goroutine.
func (p *Poller) CurrentInterval() time.Duration {
	return time.Duration(p.interval.Load())
}

// ResetInterval restores the poll interval to its initial value.
func (p *Poller) ResetInterval() {
	p.interval.Store(int64(p.initialInterval))
}

// SetDeploymentStartTime establishes a lower bound so events from a prior
// deployment of the same stack name are not replayed.
func (p *Poller) SetDeploymentStartTime(t time.Time) {
	p.deploymentStart = t
}

// DeploymentStartTime returns the configured lower bound, zero if unset.
func (p *Poller) DeploymentStartTime() time.Time {
	return p.deploymentStart
}

// PollEvents fetches the stack's events and returns the new ones sorted
// ascending by timestamp. The interval resets to its initial value when
// new events arrive and grows by 1.5x (bounded) otherwise. Errors are
// classified, logged, backoff-adjusted, and always re-raised; the caller
// owns retry scheduling.
func (p *Poller) PollEvents(ctx context.Context) ([]types.StackEvent, error) {
	events, err := p.api.GetStackEvents(ctx, p.stackName)
	if err != nil {
		p.handlePollError(err)
		return nil, err
	}

	fresh := p.filterNew(events)
	sort.SliceStable(fresh, func(i, j int) bool {
		return eventTime(fresh[i]).Before(eventTime(fresh[j]))
	})

	for _, event := range fresh {
		p.seen[identityKey(event)] = struct{}{}
		if ts := eventTime(event); ts.After(p.lastEventTime) {
			p.lastEventTime = ts
		}
	}

	if len(fresh) > 0 {
		p.ResetInterval()
	} else {
		p.growInterval(3, 2) // 1.5x
	}

	return fresh, nil
}

// filterNew keeps events whose composite identity has not been seen and
// whose timestamp is strictly after both the deployment-start floor and
// the last-seen high-water mark.
func (p *Poller) filterNew(events []types.StackEvent) []types.StackEvent {
	var fresh []types.StackEvent
	for _, event := range events {
		if _, ok := p.seen[identityKey(event)]; ok {
			continue
		}
		ts := eventTime(event)
		if !p.deploymentStart.IsZero() && !ts.After(p.deploymentStart) {
			continue
		}
		if !p.lastEventTime.IsZero() && !ts.After(p.lastEventTime) {
			continue
		}
		fresh = append(fresh, event)
	}
	return fresh
}

// handlePollError adjusts the interval per the error's classification and
// logs a warning. The error itself is never swallowed here.
func (p *Poller) handlePollError(err error) {
	switch awserrors.Classify(err) {
	case awserrors.KindThrottling:
		p.growInterval(2, 1) // double
		p.log.Warn("event polling throttled, backing off to %s: %v", p.CurrentInterval(), err)
	case awserrors.KindNetwork:
		p.growInterval(3, 2)
		p.log.Warn("network error while polling events, interval now %s: %v", p.CurrentInterval(), err)
	case awserrors.KindTimeout:
		p.growInterval(3, 2)
		p.log.Warn("event polling timed out, interval now %s: %v", p.CurrentInterval(), err)
	case awserrors.KindCredential:
		p.log.Warn("credential or permission error while polling events: %v", err)
	case awserrors.KindService:
		p.log.Warn("service error while polling events: %v", err)
	default:
		p.log.Warn("event polling failed: %v", err)
	}
}

// growInterval multiplies the interval by num/den, capped at maxInterval.
func (p *Poller) growInterval(num, den int64) {
	next := p.interval.Load() * num / den
	if next > int64(p.maxInterval) {
		next = int64(p.maxInterval)
	}
	p.interval.Store(next)
}

// identityKey derives the composite event identity used for dedup:
// timestamp + logical resource id + status.
func identityKey(event types.StackEvent) string {
	var ts string
	if event.Timestamp != nil {
		ts = event.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	var logicalID string
	if event.LogicalResourceId != nil {
		logicalID = *event.LogicalResourceId
	}
	return ts + "|" + logicalID + "|" + string(event.ResourceStatus)
}

// eventTime returns the event timestamp, zero if missing. Events without
// timestamps compare as equal and sort in their arrival order.
func eventTime(event types.StackEvent) time.Time {
	if event.Timestamp == nil {
		return time.Time{}
	}
	return *event.Timestamp
}
