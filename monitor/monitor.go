// Package monitor streams stack events to the log while a deployment
// runs. The monitor is a best-effort side channel: it never gates the
// deployment and none of its errors escape the package.
package monitor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cfn-deploy/awserrors"
	"cfn-deploy/colorizer"
	"cfn-deploy/extractor"
	"cfn-deploy/formatter"
	"cfn-deploy/logging"
	"cfn-deploy/poller"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

const (
	// maxConsecutiveErrors is the circuit-breaker ceiling: after this many
	// consecutive poll failures the loop stops and the deployment proceeds
	// without streaming.
	maxConsecutiveErrors = 5

	// maxBackoff caps both the throttling and the linear error backoff.
	maxBackoff = 30 * time.Second
)

// errorBackoffBase is the per-attempt step of the linear backoff applied
// after non-throttling poll errors. Variable for tests.
var errorBackoffBase = 5 * time.Second

// terminalStackStatuses are stack-level statuses that end the event stream.
var terminalStackStatuses = map[string]bool{
	"CREATE_COMPLETE":          true,
	"CREATE_FAILED":            true,
	"ROLLBACK_COMPLETE":        true,
	"ROLLBACK_FAILED":          true,
	"UPDATE_COMPLETE":          true,
	"UPDATE_FAILED":            true,
	"UPDATE_ROLLBACK_COMPLETE": true,
	"UPDATE_ROLLBACK_FAILED":   true,
	"DELETE_COMPLETE":          true,
	"DELETE_FAILED":            true,
	"IMPORT_COMPLETE":          true,
	"IMPORT_ROLLBACK_COMPLETE": true,
	"IMPORT_ROLLBACK_FAILED":   true,
}

// Config configures a Monitor. Supplied once at construction.
type Config struct {
	StackName string
	API       poller.EventsAPI

	// EnableColors turns on ANSI colors in the streamed lines.
	EnableColors bool

	// PollInterval and MaxPollInterval bound the adaptive polling cadence.
	// Zero values fall back to the poller defaults.
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	// DeploymentStart filters out events from earlier deployments of the
	// same stack name.
	DeploymentStart time.Time
}

// Stats is a snapshot of the monitor's counters.
type Stats struct {
	EventCount int
	ErrorCount int
	Elapsed    time.Duration
}

// Monitor runs the background event-streaming loop.
type Monitor struct {
	cfg       Config
	log       *logging.Logger
	poller    *poller.Poller
	formatter *formatter.Formatter
	extractor *extractor.Extractor

	active        atomic.Bool
	stopRequested atomic.Bool
	eventCount    atomic.Int64
	errorCount    atomic.Int64

	mu          sync.Mutex
	startTime   time.Time
	finalStatus string
	done        chan struct{}
	stop        chan struct{}
	stopOnce    *sync.Once
	summaryOnce *sync.Once
}

// New constructs a Monitor. The config's client handle is shared with the
// deployer; both may issue concurrent requests against it.
func New(cfg Config, log *logging.Logger) *Monitor {
	colors := colorizer.New(cfg.EnableColors)
	ext := extractor.New(colors, log)
	p := poller.New(cfg.API, log, cfg.StackName, cfg.PollInterval, cfg.MaxPollInterval)
	if !cfg.DeploymentStart.IsZero() {
		p.SetDeploymentStartTime(cfg.DeploymentStart)
	}

	return &Monitor{
		cfg:       cfg,
		log:       log,
		poller:    p,
		formatter: formatter.New(formatter.DefaultConfig(), colors, ext, log),
		extractor: ext,
	}
}

// StartMonitoring launches the background poll loop. Calling it while the
// monitor is already active is a logged no-op, not an error.
func (m *Monitor) StartMonitoring(ctx context.Context) {
	if m.active.Swap(true) {
		m.log.Info("event monitor for stack %s is already running", m.cfg.StackName)
		return
	}

	m.stopRequested.Store(false)
	m.eventCount.Store(0)
	m.errorCount.Store(0)

	m.mu.Lock()
	m.startTime = time.Now()
	m.finalStatus = ""
	m.done = make(chan struct{})
	m.stop = make(chan struct{})
	m.stopOnce = new(sync.Once)
	m.summaryOnce = new(sync.Once)
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		defer m.active.Store(false)
		defer func() {
			if r := recover(); r != nil {
				m.log.Warn("event monitoring stopped unexpectedly: %v", r)
			}
		}()
		m.runLoop(ctx)
	}()
}

// StopMonitoring requests the loop to stop and emits the final summary.
// isMonitoring() reflects the stop synchronously even while the background
// loop is still unwinding. No-op when the monitor is not active.
func (m *Monitor) StopMonitoring() {
	if !m.active.Load() {
		return
	}

	m.stopRequested.Store(true)
	m.active.Store(false)

	m.mu.Lock()
	stop, once, done := m.stop, m.stopOnce, m.done
	m.mu.Unlock()
	if once != nil {
		once.Do(func() { close(stop) })
	}

	m.emitSummary()
	if done != nil {
		// Bounded wait: one in-flight call plus the current interval.
		select {
		case <-done:
		case <-time.After(m.poller.CurrentInterval() + 5*time.Second):
			m.log.Debug("event monitor loop still unwinding after stop")
		}
	}
}

// IsMonitoring reports whether the background loop is active.
func (m *Monitor) IsMonitoring() bool {
	return m.active.Load()
}

// GetStats returns a snapshot of the monitor's counters.
func (m *Monitor) GetStats() Stats {
	m.mu.Lock()
	start := m.startTime
	m.mu.Unlock()

	var elapsed time.Duration
	if !start.IsZero() {
		elapsed = time.Since(start)
	}

	return Stats{
		EventCount: int(m.eventCount.Load()),
		ErrorCount: int(m.errorCount.Load()),
		Elapsed:    elapsed,
	}
}

func (m *Monitor) runLoop(ctx context.Context) {
	consecutiveErrors := 0

	for m.active.Load() && !m.stopRequested.Load() {
		events, err := m.poller.PollEvents(ctx)
		if err != nil {
			consecutiveErrors++
			if !m.handlePollError(ctx, err, consecutiveErrors) {
				return
			}
			continue
		}

		consecutiveErrors = 0

		if len(events) > 0 {
			m.log.Info("%s", m.formatter.FormatEvents(events))
			m.eventCount.Add(int64(len(events)))
			m.errorCount.Add(int64(len(m.extractor.ExtractAllErrors(events))))

			if status, terminal := m.terminalStatus(events); terminal {
				m.setFinalStatus(status)
				m.stopRequested.Store(true)
				m.emitSummary()
				return
			}
		}

		if m.active.Load() && !m.sleep(ctx, m.poller.CurrentInterval()) {
			return
		}
	}
}

// handlePollError schedules the retry backoff for a failed iteration.
// Returns false when the loop must stop.
func (m *Monitor) handlePollError(ctx context.Context, err error, consecutiveErrors int) bool {
	if awserrors.IsThrottling(err) {
		backoff := m.poller.CurrentInterval() << uint(consecutiveErrors)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		return m.sleep(ctx, backoff)
	}

	m.log.Warn("event polling error (attempt %d/%d): %v", consecutiveErrors, maxConsecutiveErrors, err)
	if consecutiveErrors >= maxConsecutiveErrors {
		m.log.Warn("maximum consecutive polling errors reached (%d), event streaming disabled; deployment continues", maxConsecutiveErrors)
		return false
	}

	backoff := time.Duration(consecutiveErrors) * errorBackoffBase
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return m.sleep(ctx, backoff)
}

// sleep waits for d, returning early (false) when the monitor is stopped
// or the context is cancelled.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	m.mu.Lock()
	stop := m.stop
	m.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

// terminalStatus reports the stack-level terminal status carried by the
// batch, if any. Only the stack's own events are considered.
func (m *Monitor) terminalStatus(events []types.StackEvent) (string, bool) {
	for _, event := range events {
		if event.ResourceType == nil || *event.ResourceType != "AWS::CloudFormation::Stack" {
			continue
		}
		status := strings.ToUpper(string(event.ResourceStatus))
		if terminalStackStatuses[status] {
			return status, true
		}
	}
	return "", false
}

func (m *Monitor) setFinalStatus(status string) {
	m.mu.Lock()
	m.finalStatus = status
	m.mu.Unlock()
}

// emitSummary logs the deployment summary once per run, whether the loop
// ended by reaching a terminal status or by an explicit stop. Best effort:
// a panic here is logged and swallowed so stop never fails.
func (m *Monitor) emitSummary() {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("failed to emit deployment summary: %v", r)
		}
	}()

	m.mu.Lock()
	once := m.summaryOnce
	m.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(m.logSummary)
}

func (m *Monitor) logSummary() {
	m.mu.Lock()
	start := m.startTime
	status := m.finalStatus
	m.mu.Unlock()

	if status == "" {
		status = "UNKNOWN"
	}

	var duration *time.Duration
	if !start.IsZero() {
		d := time.Since(start)
		duration = &d
	}

	m.log.Info("%s", m.formatter.FormatDeploymentSummary(
		m.cfg.StackName,
		status,
		int(m.eventCount.Load()),
		int(m.errorCount.Load()),
		duration,
	))
}
