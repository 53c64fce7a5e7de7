package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/controllame/docpipe/internal/session"
)

// Sweeper deletes expired sessions on a cron schedule. Close Stop to
// shut it down.
type Sweeper struct {
	Store    *session.Store
	Schedule string
	TTL      time.Duration
	Stop     chan struct{}
	Logger   *log.Logger
}

// Start validates the schedule and launches the sweep loop.
func (s *Sweeper) Start() error {
	expr, err := cronexpr.Parse(s.Schedule)
	if err != nil {
		return err
	}
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[CACHE] ", log.LstdFlags)
	}
	go s.loop(expr)
	return nil
}

func (s *Sweeper) loop(expr *cronexpr.Expression) {
	for {
		next := expr.Next(time.Now())
		if next.IsZero() {
			s.Logger.Printf("cleanup schedule %q yields no next run, sweeper stopping", s.Schedule)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.Stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		s.sweep()
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	deleted, err := s.Store.CleanupExpired(ctx, s.TTL)
	if err != nil {
		s.Logger.Printf("session cleanup failed: %v", err)
		return
	}
	if deleted > 0 {
		s.Logger.Printf("session cleanup removed %d expired sessions", deleted)
	}
}
