package sweeper

import (
	"context"
	"log"
	"time"
)

// Lifecycle is the slice of the reservation manager the sweeper needs.
type Lifecycle interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Sweeper releases abandoned reservation slots on a fixed cadence, so expiry
// holds even when no client is around to notice the countdown hit zero.
type Sweeper struct {
	lifecycle Lifecycle
	interval  time.Duration
}

func New(lifecycle Lifecycle, interval time.Duration) *Sweeper {
	return &Sweeper{lifecycle: lifecycle, interval: interval}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("expiry sweeper shutting down")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := s.lifecycle.SweepExpired(sweepCtx)
	if err != nil {
		log.Printf("Error sweeping expired reservations: %v", err)
		return
	}
	if n > 0 {
		log.Printf("expired %d abandoned reservation(s)", n)
	}
}
