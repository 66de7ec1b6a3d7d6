package receive

import (
	"sync"
	"time"
)

// ErrorContext tells where a recorded error was raised.
type ErrorContext string

const (
	ContextListener   ErrorContext = "listener"
	ContextReceiver   ErrorContext = "receiver"
	ContextConnection ErrorContext = "connection"
)

// maxReportItems bounds the error history kept per receiver.
const maxReportItems = 50

// ReportItem is one recorded error.
type ReportItem struct {
	Time    time.Time    `json:"time"`
	Context ErrorContext `json:"context"`
	Message string       `json:"message"`
}

// Report accumulates statistics and recent errors for one receiver.
type Report struct {
	mu         sync.Mutex
	startedAt  time.Time
	stoppedAt  time.Time
	total      uint64
	ok         uint64
	failed     uint64
	skipped    uint64
	processing time.Duration
	items      []ReportItem
}

// ReportSnapshot is a point-in-time copy of a Report.
type ReportSnapshot struct {
	StartedAt      time.Time     `json:"started_at,omitempty"`
	StoppedAt      time.Time     `json:"stopped_at,omitempty"`
	MessagesTotal  uint64        `json:"messages_total"`
	MessagesOK     uint64        `json:"messages_ok"`
	MessagesFailed uint64        `json:"messages_failed"`
	MessagesSkip   uint64        `json:"messages_skipped"`
	ProcessingTime time.Duration `json:"processing_time"`
	Errors         []ReportItem  `json:"errors,omitempty"`
}

func (r *Report) started(t time.Time) {
	r.mu.Lock()
	r.startedAt = t
	r.stoppedAt = time.Time{}
	r.mu.Unlock()
}

func (r *Report) stopped(t time.Time) {
	r.mu.Lock()
	r.stoppedAt = t
	r.mu.Unlock()
}

func (r *Report) messageOK(elapsed time.Duration) {
	r.mu.Lock()
	r.total++
	r.ok++
	r.processing += elapsed
	r.mu.Unlock()
}

func (r *Report) messageFailed(elapsed time.Duration, err error) {
	r.mu.Lock()
	r.total++
	r.failed++
	r.processing += elapsed
	r.addLocked(ContextListener, err)
	r.mu.Unlock()
}

func (r *Report) messageSkipped() {
	r.mu.Lock()
	r.total++
	r.skipped++
	r.mu.Unlock()
}

func (r *Report) addError(ctx ErrorContext, err error) {
	r.mu.Lock()
	r.addLocked(ctx, err)
	r.mu.Unlock()
}

func (r *Report) addLocked(ctx ErrorContext, err error) {
	if err == nil {
		return
	}
	if len(r.items) == maxReportItems {
		copy(r.items, r.items[1:])
		r.items = r.items[:maxReportItems-1]
	}
	r.items = append(r.items, ReportItem{Time: time.Now().UTC(), Context: ctx, Message: err.Error()})
}

// Clear resets counters and errors but keeps the start time.
func (r *Report) Clear() {
	r.mu.Lock()
	r.total, r.ok, r.failed, r.skipped = 0, 0, 0, 0
	r.processing = 0
	r.items = nil
	r.mu.Unlock()
}

// Snapshot returns a consistent copy of the report.
func (r *Report) Snapshot() ReportSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReportSnapshot{
		StartedAt:      r.startedAt,
		StoppedAt:      r.stoppedAt,
		MessagesTotal:  r.total,
		MessagesOK:     r.ok,
		MessagesFailed: r.failed,
		MessagesSkip:   r.skipped,
		ProcessingTime: r.processing,
		Errors:         append([]ReportItem(nil), r.items...),
	}
}
