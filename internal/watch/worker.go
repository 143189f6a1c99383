package watch

import (
	"context"
	"log/slog"
	"time"

	"github.com/ymgw/kessan/internal/analyzer"
	"github.com/ymgw/kessan/internal/storage"
	"github.com/ymgw/kessan/internal/tdnet"
)

// Lister abstracts the TDnet index client.
type Lister interface {
	FetchItems(ctx context.Context, code string, limit int) []tdnet.DisclosureRecord
}

// Analyzer abstracts the analysis service. Analyze is expected to be
// idempotent per URL, so re-seeing a disclosure on the next poll is
// harmless.
type Analyzer interface {
	Analyze(ctx context.Context, req analyzer.Request) (storage.Analysis, bool, error)
}

// Worker periodically polls the TDnet index and analyzes earnings
// report PDFs that are not yet in the cache.
type Worker struct {
	lister Lister
	svc    Analyzer
	codes  []string
	limit  int
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker watching the given securities codes. An
// empty code list watches the market-wide recent feed. If pollInterval
// is <= 0, it defaults to 10 minutes.
func NewWorker(lister Lister, svc Analyzer, codes []string, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Minute
	}
	return &Worker{
		lister: lister,
		svc:    svc,
		codes:  codes,
		limit:  100,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls until ctx is cancelled. The first cycle starts immediately.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		analyzed, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("watch cycle failed", "error", err)
		}
		if analyzed > 0 {
			w.logger.Info("watch cycle analyzed new disclosures", "count", analyzed)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce runs a single poll cycle and reports how many documents were
// newly analyzed. Per-document failures are logged and skipped so one
// broken PDF cannot stall the watch.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	codes := w.codes
	if len(codes) == 0 {
		codes = []string{""}
	}

	analyzed := 0
	for _, code := range codes {
		if ctx.Err() != nil {
			return analyzed, ctx.Err()
		}

		records := w.lister.FetchItems(ctx, code, w.limit)
		earnings := tdnet.Filter(records, tdnet.FilterOptions{
			EarningsOnly: true,
			RequireURL:   true,
		})

		for _, rec := range earnings {
			if ctx.Err() != nil {
				return analyzed, ctx.Err()
			}

			_, cached, err := w.svc.Analyze(ctx, analyzer.Request{
				URL:         rec.DocumentURL,
				Code:        rec.Code,
				Title:       rec.Title,
				PublishedAt: rec.PublishedAt,
			})
			if err != nil {
				w.logger.Warn("watch analysis failed", "url", rec.DocumentURL, "error", err)
				continue
			}
			if !cached {
				analyzed++
			}
		}
	}
	return analyzed, nil
}
