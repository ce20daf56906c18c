package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pigarden/gardenview/internal/config"
	"github.com/pigarden/gardenview/internal/ledger"
)

// LedgerService periodically drops command ledger entries past retention.
type LedgerService struct {
	ledger    *ledger.Ledger
	retention time.Duration
	interval  time.Duration
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(cfg *config.Config, l *ledger.Ledger) *LedgerService {
	return &LedgerService{
		ledger:    l,
		retention: time.Duration(cfg.Ledger.RetentionDays) * 24 * time.Hour,
		interval:  cfg.Ledger.CleanupInterval.Duration(),
	}
}

// Start runs the cleanup loop in the background. A non-positive retention
// keeps everything.
func (s *LedgerService) Start(ctx context.Context, wg *sync.WaitGroup) {
	if s.retention <= 0 || s.interval <= 0 {
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.run(ctx)
	}()
}

func (s *LedgerService) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *LedgerService) cleanup() {
	deleted, err := s.ledger.DeleteOlderThan(s.retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", s.retention).Msg("Cleaned up old ledger entries")
	}
}
