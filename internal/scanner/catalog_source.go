package scanner

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/tt1a44a/modelnet/internal/catalog"
	"github.com/tt1a44a/modelnet/internal/sources"
)

// CatalogSource replays endpoints already in the catalog as recheck
// candidates: the whole table for a reassign sweep, or only the currently
// verified rows for a check pass.
type CatalogSource struct {
	Store        *catalog.Store
	VerifiedOnly bool
}

func (c *CatalogSource) Name() string {
	if c.VerifiedOnly {
		return "check"
	}
	return "reassign"
}

func (c *CatalogSource) Discover(ctx context.Context, out chan<- sources.Candidate) error {
	filter := catalog.EndpointFilter{}
	if c.VerifiedOnly {
		verified := catalog.VerifiedOK
		filter.Verified = &verified
	}

	endpoints, err := c.Store.ListEndpoints(ctx, filter)
	if err != nil {
		return err
	}
	log.Info().Str("source", c.Name()).Int("endpoints", len(endpoints)).
		Msg("Replaying cataloged endpoints")

	for _, ep := range endpoints {
		cand := sources.Candidate{
			IP:          ep.IP,
			PrimaryPort: ep.Port,
			Recheck:     true,
			Origin:      c.Name(),
		}
		select {
		case out <- cand:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
