// Package search implements the per-region search worker and the regional
// index backends it queries.
package search

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/taginventory/internal/errs"
	"github.com/yairfalse/taginventory/internal/filter"
	"github.com/yairfalse/taginventory/pkg/resource"
)

// DefaultMaxPages bounds pagination when no cap is configured.
const DefaultMaxPages = 1000

// Page is one page of index results. An empty Next ends pagination.
type Page struct {
	Records []resource.Record
	Next    string
}

// Index is a regional resource index.
type Index interface {
	Name() string
	Page(ctx context.Context, region, cursor string) (*Page, error)
}

// Worker searches one region at a time. It holds no per-search state and
// is safe for concurrent use.
type Worker struct {
	index    Index
	maxPages int
	tracer   trace.Tracer
}

// NewWorker creates a worker over index. maxPages <= 0 uses DefaultMaxPages.
func NewWorker(index Index, maxPages int) *Worker {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Worker{
		index:    index,
		maxPages: maxPages,
		tracer:   otel.Tracer("taginventory/search"),
	}
}

// Search returns every record in region that passes f. It follows the
// index cursor until it is exhausted; a run-away cursor fails the search.
func (w *Worker) Search(ctx context.Context, region string, f filter.Predicate) (*resource.RegionResult, error) {
	ctx, span := w.tracer.Start(ctx, "search.region", trace.WithAttributes(
		attribute.String("region", region),
		attribute.String("index", w.index.Name()),
	))
	defer span.End()

	start := time.Now()
	result, err := w.search(ctx, region, f)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	result.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("pages", result.Pages),
		attribute.Int("resources", len(result.Records)),
	)
	log.Debug().
		Str("region", region).
		Str("index", w.index.Name()).
		Int("pages", result.Pages).
		Int("resources", len(result.Records)).
		Dur("duration", result.Duration).
		Msg("region search complete")

	return result, nil
}

func (w *Worker) search(ctx context.Context, region string, f filter.Predicate) (*resource.RegionResult, error) {
	result := &resource.RegionResult{
		Region:  region,
		Records: []resource.Record{},
	}
	seen := make(map[string]bool)
	cursor := ""

	for {
		if result.Pages >= w.maxPages {
			return nil, errs.Newf(errs.IndexUnavailable, "search",
				"pagination did not terminate after %d pages", w.maxPages).InRegion(region)
		}

		page, err := w.index.Page(ctx, region, cursor)
		if err != nil {
			return nil, inRegion(err, region)
		}
		result.Pages++

		for _, r := range page.Records {
			if f != nil {
				ok, err := f.Include(ctx, r)
				if err != nil {
					return nil, errs.New(errs.IndexUnavailable, "filter", err).InRegion(region)
				}
				if !ok {
					continue
				}
			} else if !r.HasTags() {
				continue
			}
			result.Records = append(result.Records, r)
		}

		if page.Next == "" {
			result.Complete = true
			return result, nil
		}
		if seen[page.Next] {
			return nil, errs.Newf(errs.IndexUnavailable, "search",
				"pagination did not terminate: cursor repeated after %d pages", result.Pages).InRegion(region)
		}
		seen[page.Next] = true
		cursor = page.Next
	}
}

// inRegion stamps region onto a classified error. Unclassified errors,
// such as cancellation, pass through.
func inRegion(err error, region string) error {
	var e *errs.Error
	if !errors.As(err, &e) {
		return err
	}
	return e.InRegion(region)
}
