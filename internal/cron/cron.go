// Package cron turns configured schedules into synthetic inbound messages.
// A due job enters the runtime through the same path as a channel message,
// so it is serialised on its session's lane like any other turn.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/ArchitectVS7/OpenClaw/internal/bus"
	"github.com/ArchitectVS7/OpenClaw/internal/config"
	"github.com/ArchitectVS7/OpenClaw/internal/sessions"
	"github.com/ArchitectVS7/OpenClaw/pkg/protocol"
)

// pollInterval is shorter than the minute grain of cron expressions so a
// tick is never skipped across process stalls.
const pollInterval = 20 * time.Second

// Scheduler evaluates config.Cron.Jobs against the clock. Jobs are re-read
// on every tick, so config hot-reload needs no re-registration.
type Scheduler struct {
	current func() *config.Config
	sink    bus.Inboundable
	events  bus.Publisher
	g       *gronx.Gronx

	mu    sync.Mutex
	fired map[string]time.Time // job name → minute last fired
}

func New(current func() *config.Config, sink bus.Inboundable, events bus.Publisher) *Scheduler {
	return &Scheduler{
		current: current,
		sink:    sink,
		events:  events,
		g:       gronx.New(),
		fired:   make(map[string]time.Time),
	}
}

// Run polls until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.tick(now)
		}
	}
}

// tick fires every job due at now's minute, at most once per minute per job.
func (s *Scheduler) tick(now time.Time) {
	minute := now.Truncate(time.Minute)
	for _, job := range s.current().Cron.Jobs {
		if !sessions.Valid(job.SessionKey) {
			slog.Warn("cron.bad_session_key", "job", job.Name, "key", job.SessionKey)
			continue
		}

		s.mu.Lock()
		already := s.fired[job.Name].Equal(minute)
		s.mu.Unlock()
		if already {
			continue
		}

		due, err := s.g.IsDue(job.Schedule, minute)
		if err != nil {
			slog.Warn("cron.bad_schedule", "job", job.Name, "schedule", job.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}

		s.mu.Lock()
		s.fired[job.Name] = minute
		s.mu.Unlock()

		slog.Info("cron.fired", "job", job.Name, "session", job.SessionKey)
		s.sink.PublishInbound(bus.InboundMessage{
			Channel:    "cron",
			SenderID:   job.Name,
			SessionKey: job.SessionKey,
			Body:       job.Message,
		})
		s.events.Publish(bus.Event{
			Topic: protocol.EventCron,
			Payload: protocol.CronFired{
				Job:        job.Name,
				SessionKey: job.SessionKey,
				At:         minute.UTC().Format(time.RFC3339),
			},
		})
	}
}
