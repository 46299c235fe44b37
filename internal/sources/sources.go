// Package sources produces candidate addresses for the scan controller.
// Each source streams Candidate values over a channel; queries inside a
// source fail independently, and one source failing never tears down the
// pipeline.
package sources

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Candidate is one address worth probing.
type Candidate struct {
	IP              string
	PrimaryPort     int
	AdditionalPorts []int
	// Promising marks candidates from sources that already saw a model
	// server behind the address. The scanner spends dynamic-port budget
	// only on promising candidates.
	Promising bool
	// Recheck marks a candidate replayed from the catalog. The scanner
	// probes only the recorded port and records every outcome.
	Recheck bool
	Origin  string
}

// Source streams candidates until exhaustion or context cancellation.
type Source interface {
	Name() string
	Discover(ctx context.Context, out chan<- Candidate) error
}

const streamBuffer = 64

// Stream fans every source into one channel, closed when all are done. A
// source error ends that source only.
func Stream(ctx context.Context, srcs ...Source) <-chan Candidate {
	out := make(chan Candidate, streamBuffer)

	var g errgroup.Group
	for _, src := range srcs {
		src := src
		g.Go(func() error {
			if err := src.Discover(ctx, out); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Str("source", src.Name()).Err(err).Msg("Discovery source failed")
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(out)
	}()
	return out
}

// emit delivers one candidate unless the context ends first. Cancellation
// wins over a ready buffer slot.
func emit(ctx context.Context, out chan<- Candidate, c Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case out <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sleepFor pauses for d or until the context ends.
func sleepFor(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
