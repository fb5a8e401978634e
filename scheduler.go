package taskwire

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// sendTimeout bounds each scheduled send.
const sendTimeout = 5 * time.Second

// Scheduler sends tasks through a Client on cron schedules. Specs accept an
// optional leading seconds field as well as descriptors such as "@every 1m".
type Scheduler struct {
	c    *Client
	cron *cron.Cron
	log  Logger
}

// NewScheduler creates a stopped scheduler sending through c.
func NewScheduler(c *Client, l Logger) *Scheduler {
	if l == nil {
		l = NopLogger{}
	}
	return &Scheduler{
		c:    c,
		cron: cron.New(cron.WithParser(cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		log:  l,
	}
}

// Add registers a periodic send of task name. Every run is a new invocation
// with its own id, so TaskID should not be passed here.
func (s *Scheduler) Add(spec, name string, args []any, kwargs map[string]any, opts ...Option) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		id, err := s.c.Send(ctx, name, args, kwargs, opts...)
		if err != nil {
			s.log.Errorf("scheduled send failed: task=%s spec=%q err=%v", name, spec, err)
			return
		}
		s.log.Infof("scheduled task sent: id=%s task=%s spec=%q", id, name, spec)
	})
}

// Remove stops future runs of entry id.
func (s *Scheduler) Remove(id cron.EntryID) { s.cron.Remove(id) }

// Len returns the number of registered schedules.
func (s *Scheduler) Len() int { return len(s.cron.Entries()) }

// Start runs the scheduler in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops the scheduler and waits for running sends to complete.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
