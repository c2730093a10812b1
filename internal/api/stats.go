package api

import (
	"context"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/sensemap/sensemap-core/internal/apperr"
)

const statsCacheKey = "stats"

// handleStats returns [boxes, measurements, measurementsLastMinute].
// The result is cached; concurrent misses share one computation.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if v, ok := s.statsCache.Get(statsCacheKey); ok {
		writeJSON(w, http.StatusOK, v)
		return
	}

	v, err, _ := s.statsGroup.Do(statsCacheKey, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.statsTimeout())
		defer cancel()

		stats, err := s.computeStats(ctx)
		if err != nil {
			return nil, err
		}
		s.statsCache.Set(statsCacheKey, stats, cache.DefaultExpiration)
		return stats, nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) computeStats(ctx context.Context) ([3]int, error) {
	var stats [3]int
	if s.measurements == nil {
		return stats, apperr.New(apperr.Internal, "measurement counters not configured")
	}

	boxes, err := s.registry.CountBoxes(ctx)
	if err != nil {
		return stats, err
	}
	total, err := s.measurements.Count(ctx)
	if err != nil {
		return stats, err
	}
	recent, err := s.measurements.CountSince(ctx, s.now().Add(-time.Minute))
	if err != nil {
		return stats, err
	}

	stats[0], stats[1], stats[2] = boxes, total, recent
	return stats, nil
}

func (s *Server) statsTimeout() time.Duration {
	if s.cfg.Timeouts.Request > 0 {
		return time.Duration(s.cfg.Timeouts.Request) * time.Second
	}
	return 10 * time.Second
}
