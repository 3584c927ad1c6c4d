package cfn

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"go.uber.org/zap"
)

// ProgressSink is the boundary to the progress-reporting UI. The engine
// starts a sink around every long wait and stops the returned handle exactly
// once on every exit path; it does not care how progress is rendered.
type ProgressSink interface {
	Start(stackName string, expectedChanges int, computedAt time.Time) ProgressHandle
}

// ProgressHandle stops one started progress report. Stop is safe to call
// multiple times; only the first call has effect.
type ProgressHandle interface {
	Stop()
}

// NoopProgress discards all progress reporting.
type NoopProgress struct{}

func (NoopProgress) Start(string, int, time.Time) ProgressHandle { return noopHandle{} }

type noopHandle struct{}

func (noopHandle) Stop() {}

// EventMonitor tails a stack's event history on its own cadence while the
// main flow blocks on a terminal-state wait, logging each new event.
type EventMonitor struct {
	Events   StacksAPI
	Logger   *zap.Logger
	Interval time.Duration
}

// NewEventMonitor returns an event-tailing progress sink.
func NewEventMonitor(events StacksAPI, logger *zap.Logger) *EventMonitor {
	return &EventMonitor{Events: events, Logger: logger, Interval: 5 * time.Second}
}

// Start begins polling events newer than now for the named stack.
func (m *EventMonitor) Start(stackName string, expectedChanges int, computedAt time.Time) ProgressHandle {
	ctx, cancel := context.WithCancel(context.Background())
	handle := &eventMonitorHandle{cancel: cancel}
	handle.wg.Add(1)

	m.Logger.Info("deployment in progress",
		zap.String("stack", stackName),
		zap.Int("changes", expectedChanges),
		zap.Time("computedAt", computedAt))

	go func() {
		defer handle.wg.Done()
		m.tail(ctx, stackName, time.Now())
	}()
	return handle
}

type eventMonitorHandle struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (h *eventMonitorHandle) Stop() {
	h.once.Do(func() {
		h.cancel()
		h.wg.Wait()
	})
}

func (m *EventMonitor) tail(ctx context.Context, stackName string, since time.Time) {
	seen := map[string]bool{}
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.logNewEvents(ctx, stackName, since, seen)
		}
	}
}

func (m *EventMonitor) logNewEvents(ctx context.Context, stackName string, since time.Time, seen map[string]bool) {
	out, err := m.Events.DescribeStackEvents(ctx, &cloudformation.DescribeStackEventsInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		// The stack may be mid-delete or briefly unreadable; event tailing
		// is best effort and never fails the deployment.
		m.Logger.Debug("failed to fetch stack events", zap.Error(err))
		return
	}

	// Events arrive newest first; log oldest first.
	events := out.StackEvents
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		id := aws.ToString(event.EventId)
		if seen[id] {
			continue
		}
		seen[id] = true
		if event.Timestamp != nil && event.Timestamp.Before(since) {
			continue
		}
		m.Logger.Info("stack event",
			zap.String("resource", aws.ToString(event.LogicalResourceId)),
			zap.String("type", aws.ToString(event.ResourceType)),
			zap.String("status", string(event.ResourceStatus)),
			zap.String("reason", aws.ToString(event.ResourceStatusReason)))
	}
}
