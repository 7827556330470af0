// Package query is the single entry point of the presentation layer: it validates raw
// filter values, filters the loaded records and fans the requested aggregations out over
// the result.
package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"medquery-go/operators"
	"medquery-go/operators/aggr"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Result is everything one query computed. Outputs are keyed by aggregation name.
type Result struct {
	ID  uuid.UUID `json:"id"`
	Seq uint64    `json:"seq"`
	// Filter is the applied predicate set in readable form.
	Filter       string               `json:"filter"`
	Filtered     *operators.RecordSet `json:"-"`
	FilteredRows int                  `json:"filtered_rows"`

	// Counts and Proportions reach JSON through Tables as value/count rows.
	Counts       map[string]aggr.CountTable      `json:"-"`
	Proportions  map[string]aggr.ProportionTable `json:"-"`
	Tables       map[string][]map[string]any     `json:"tables,omitempty"`
	Correlations map[string]float64              `json:"correlations,omitempty"`
	Samples      map[string]*operators.RecordSet `json:"samples,omitempty"`
	Summaries    map[string]aggr.NumericSummary  `json:"summaries,omitempty"`
	DrillDowns   map[string]DrillDownResult      `json:"drill_downs,omitempty"`
	Previews     map[string][]map[string]any     `json:"previews,omitempty"`

	// Stale is set when a query started later had already been published by the time
	// this one finished. A stale result is returned to its caller but never published.
	Stale bool          `json:"stale"`
	Took  time.Duration `json:"took"`
}

func newResult(id uuid.UUID, seq uint64, p plan, filtered *operators.RecordSet) *Result {
	return &Result{
		ID:           id,
		Seq:          seq,
		Filter:       p.predicates.String(),
		Filtered:     filtered,
		FilteredRows: filtered.Len(),
		Counts:       make(map[string]aggr.CountTable),
		Proportions:  make(map[string]aggr.ProportionTable),
		Tables:       make(map[string][]map[string]any),
		Correlations: make(map[string]float64),
		Samples:      make(map[string]*operators.RecordSet),
		Summaries:    make(map[string]aggr.NumericSummary),
		DrillDowns:   make(map[string]DrillDownResult),
		Previews:     make(map[string][]map[string]any),
	}
}

func (r *Result) store(t task, out any) {
	switch v := out.(type) {
	case aggr.CountTable:
		r.Counts[t.name] = v
	case aggr.ProportionTable:
		r.Proportions[t.name] = v
	case float64:
		r.Correlations[t.name] = v
	case *operators.RecordSet:
		r.Samples[t.name] = v
	case aggr.NumericSummary:
		r.Summaries[t.name] = v
	case DrillDownResult:
		r.DrillDowns[t.name] = v
	case []map[string]any:
		r.Previews[t.name] = v
	default:
		panic(fmt.Sprintf("aggregation %s produced unexpected %T", t.name, out))
	}
}

// tabulate renders every count and proportion table in the value/count layout of
// aggr.ResultSchema.
func (r *Result) tabulate() error {
	for name, t := range r.Counts {
		rows, err := tableRows(t.ToRecordBatch())
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		r.Tables[name] = rows
	}
	for name, t := range r.Proportions {
		rows, err := tableRows(t.ToRecordBatch())
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		r.Tables[name] = rows
	}
	return nil
}

func tableRows(batch *operators.RecordBatch, err error) ([]map[string]any, error) {
	if err != nil {
		return nil, err
	}
	defer operators.ReleaseArrays(batch.Columns)
	return batch.Rows(), nil
}

// Options are the filter choices offered for the loaded records.
type Options struct {
	AgeMin  int64                            `json:"age_min"`
	AgeMax  int64                            `json:"age_max"`
	HasAges bool                             `json:"has_ages"`
	Values  map[operators.Attribute][]string `json:"values"`
}

// QueryFacade runs dashboard queries against one immutable RecordSet. It is safe for
// concurrent use; the published result follows last-write-wins by start order.
type QueryFacade struct {
	rs      *operators.RecordSet
	logger  log.Logger
	metrics *Metrics
	sem     *semaphore.Weighted
	options Options

	seq     atomic.Uint64
	mu      sync.Mutex
	current *Result
}

type Option func(*QueryFacade)

func WithLogger(logger log.Logger) Option {
	return func(f *QueryFacade) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(f *QueryFacade) { f.metrics = m }
}

// WithMaxConcurrent bounds how many queries evaluate at once; others wait their turn.
func WithMaxConcurrent(n int) Option {
	return func(f *QueryFacade) {
		if n > 0 {
			f.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func New(rs *operators.RecordSet, opts ...Option) (*QueryFacade, error) {
	if rs == nil {
		return nil, errors.New("query facade needs a record set")
	}
	f := &QueryFacade{
		rs:     rs,
		logger: log.NewNopLogger(),
		sem:    semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.metrics == nil {
		f.metrics = NewMetrics(nil, "")
	}
	f.logger = log.With(f.logger, "component", "query")

	f.options.AgeMin, f.options.AgeMax, f.options.HasAges = aggr.AgeBounds(rs)
	f.options.Values = make(map[operators.Attribute][]string)
	for _, a := range operators.CategoricalAttributes() {
		values, err := aggr.Distinct(rs, a)
		if err != nil {
			return nil, err
		}
		f.options.Values[a] = values
	}
	return f, nil
}

// Options lists the distinct values of every categorical attribute in first-seen order
// and the age bounds of the full record set.
func (f *QueryFacade) Options() Options { return f.options }

// Current is the last published result, or nil before the first successful query.
func (f *QueryFacade) Current() *Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Run validates req, filters, runs the aggregations concurrently and publishes the
// result. Any error leaves the published result untouched.
func (f *QueryFacade) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	seq := f.seq.Add(1)
	id := uuid.New()
	logger := log.With(f.logger, "query", id, "seq", seq)

	p, err := req.compile()
	if err != nil {
		f.metrics.queries.WithLabelValues(statusInvalid).Inc()
		level.Warn(logger).Log("msg", "query rejected", "err", err)
		return nil, err
	}

	if err := f.sem.Acquire(ctx, 1); err != nil {
		f.metrics.queries.WithLabelValues(statusFailed).Inc()
		return nil, err
	}
	defer f.sem.Release(1)

	res, err := f.evaluate(ctx, id, seq, p)
	if err != nil {
		f.metrics.queries.WithLabelValues(statusFailed).Inc()
		level.Warn(logger).Log("msg", "query failed", "filter", p.predicates, "err", err)
		return nil, err
	}
	res.Took = time.Since(start)
	f.publish(res)

	f.metrics.queries.WithLabelValues(statusOK).Inc()
	f.metrics.duration.Observe(res.Took.Seconds())
	f.metrics.filtered.Observe(float64(res.FilteredRows))
	level.Info(logger).Log("msg", "query finished", "filter", p.predicates, "rows", res.FilteredRows,
		"aggregations", len(p.tasks), "stale", res.Stale, "took", res.Took)
	return res, nil
}

func (f *QueryFacade) evaluate(ctx context.Context, id uuid.UUID, seq uint64, p plan) (*Result, error) {
	filtered, err := p.predicates.Apply(ctx, f.rs)
	if err != nil {
		return nil, err
	}
	res := newResult(id, seq, p, filtered)

	// each goroutine owns one slot, so no locking until the merge below
	outputs := make([]any, len(p.tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range p.tasks {
		g.Go(func() error {
			out, err := t.run(gctx, filtered)
			if err != nil {
				return fmt.Errorf("%s: %w", t.name, err)
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, t := range p.tasks {
		res.store(t, outputs[i])
	}
	if err := res.tabulate(); err != nil {
		return nil, err
	}
	return res, nil
}

func (f *QueryFacade) publish(res *Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil && f.current.Seq > res.Seq {
		res.Stale = true
		f.metrics.superseded.Inc()
		return
	}
	f.current = res
}
