package presence

import (
	"context"
	"log"
	"time"

	"github.com/tasklink/messaging/internal/metrics"
)

// SweepInterval is how often the janitor runs.
const SweepInterval = 60 * time.Second

// Sweeper is the slice of the presence store the janitor needs.
type Sweeper interface {
	SweepTyping(ctx context.Context, now time.Time) (int64, error)
}

// StartJanitor runs the typing-indicator sweep loop until ctx is cancelled.
// Each tick deletes indicators older than TypingTTL. Failures are logged and
// retried on the next tick; there is no state to recover.
func StartJanitor(ctx context.Context, sweeper Sweeper, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[janitor] sweep loop stopped")
			return
		case now := <-ticker.C:
			removed, err := sweeper.SweepTyping(ctx, now)
			if err != nil {
				log.Printf("[janitor] sweep failed: %v", err)
				continue
			}
			if removed > 0 {
				metrics.TypingSweptTotal.Add(float64(removed))
				log.Printf("[janitor] removed %d expired typing indicators", removed)
			}
		}
	}
}
