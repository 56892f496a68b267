// Package reminders runs the scheduled pending-review digest. It only counts
// records waiting for a super-admin and never changes them.
package reminders

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/consortium/pkg/async"
	"github.com/platinummonkey/consortium/pkg/notify"
	"github.com/platinummonkey/consortium/pkg/observability"
)

// DefaultSchedule runs the digest every morning
const DefaultSchedule = "0 8 * * *"

const countTimeout = 30 * time.Second

// Counter counts pending records submitted before cutoff
type Counter interface {
	CountPending(ctx context.Context, cutoff time.Time) (int, error)
}

// Source is one workflow contributing to the digest
type Source struct {
	Name    string
	Counter Counter
}

// Config configures the digest
type Config struct {
	Sources  []Source
	Schedule string
	// MinAge skips records younger than this
	MinAge  time.Duration
	To      string
	Sender  notify.Sender
	Metrics *observability.Metrics
	Logger  logrus.FieldLogger
}

// Count is the result for one source
type Count struct {
	Source  string
	Pending int
	Err     error
}

// Report is the outcome of one digest run
type Report struct {
	Cutoff time.Time
	Counts []Count
}

// Total sums the pending counts that could be read
func (r Report) Total() int {
	n := 0
	for _, c := range r.Counts {
		n += c.Pending
	}
	return n
}

// Message renders the report as an email
func (r Report) Message(to string) notify.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Requests waiting for review since before %s:\n\n", r.Cutoff.UTC().Format(time.RFC1123))
	for _, c := range r.Counts {
		if c.Err != nil {
			fmt.Fprintf(&b, "  %s: unavailable\n", c.Source)
			continue
		}
		fmt.Fprintf(&b, "  %s: %d\n", c.Source, c.Pending)
	}
	return notify.Message{
		To:      to,
		Subject: fmt.Sprintf("Consortium portal: %d requests awaiting review", r.Total()),
		Text:    b.String(),
	}
}

// Digest counts stale pending work on a cron schedule
type Digest struct {
	sources  []Source
	schedule string
	minAge   time.Duration
	to       string
	sender   notify.Sender
	metrics  *observability.Metrics
	log      logrus.FieldLogger

	mu   sync.Mutex
	cron *cron.Cron
	now  func() time.Time
}

// NewDigest creates a digest; Start schedules it
func NewDigest(cfg Config) *Digest {
	d := &Digest{
		sources:  cfg.Sources,
		schedule: cfg.Schedule,
		minAge:   cfg.MinAge,
		to:       cfg.To,
		sender:   cfg.Sender,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		now:      time.Now,
	}
	if d.log == nil {
		d.log = logrus.New()
	}
	d.log = d.log.WithField("component", "reminders")
	if d.schedule == "" {
		d.schedule = DefaultSchedule
	}
	return d
}

// Run counts every source once. Failing sources are reported in the result
// and do not stop the others.
func (d *Digest) Run(ctx context.Context) Report {
	report := Report{
		Cutoff: d.now().Add(-d.minAge),
		Counts: make([]Count, len(d.sources)),
	}
	idx := make([]int, len(d.sources))
	for i := range idx {
		idx[i] = i
	}

	async.Batch(ctx, idx, len(idx), countTimeout, func(ctx context.Context, i int) error {
		src := d.sources[i]
		n, err := src.Counter.CountPending(ctx, report.Cutoff)
		report.Counts[i] = Count{Source: src.Name, Pending: n, Err: err}
		return err
	})
	for i, c := range report.Counts {
		// skipped by a cancelled context or aborted by a panic
		if c.Source == "" {
			err := ctx.Err()
			if err == nil {
				err = fmt.Errorf("count did not complete")
			}
			report.Counts[i] = Count{Source: d.sources[i].Name, Err: err}
		}
	}

	for _, c := range report.Counts {
		entry := d.log.WithField("workflow", c.Source)
		if c.Err != nil {
			entry.WithError(c.Err).Warn("Failed to count pending requests")
			continue
		}
		d.metrics.SetPending(c.Source, c.Pending)
		entry.WithField("pending", c.Pending).Debug("Counted pending requests")
	}
	return report
}

// deliver runs the digest and emails the report when anything is waiting
func (d *Digest) deliver(ctx context.Context) {
	report := d.Run(ctx)
	total := report.Total()
	d.log.WithFields(logrus.Fields{
		"pending": total,
		"cutoff":  report.Cutoff,
	}).Info("Pending-review digest")

	if total == 0 || d.sender == nil || d.to == "" {
		return
	}
	err := d.sender.Send(ctx, report.Message(d.to))
	d.metrics.RecordNotification("digest", err)
	if err != nil {
		d.log.WithError(err).Error("Failed to send pending-review digest")
	}
}

// Start schedules the digest
func (d *Digest) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		return fmt.Errorf("digest already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(d.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*countTimeout)
		defer cancel()
		d.deliver(ctx)
	}); err != nil {
		return fmt.Errorf("invalid digest schedule %q: %w", d.schedule, err)
	}
	c.Start()
	d.cron = c
	d.log.WithField("schedule", d.schedule).Info("Pending-review digest scheduled")
	return nil
}

// Stop unschedules the digest and waits for a running digest to finish
func (d *Digest) Stop(ctx context.Context) error {
	d.mu.Lock()
	c := d.cron
	d.cron = nil
	d.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
