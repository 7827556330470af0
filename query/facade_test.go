package query

import (
	"context"
	"errors"
	"sync"
	"testing"

	"medquery-go/config"
	"medquery-go/operators"
	"medquery-go/operators/aggr"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func rec(age int64, gender string) operators.Record {
	return operators.Record{Age: operators.Ptr(age), Gender: operators.Ptr(gender)}
}

func newFacade(t *testing.T, records []operators.Record, opts ...Option) *QueryFacade {
	t.Helper()
	rs, err := operators.NewRecordSet(records)
	require.NoError(t, err)
	f, err := New(rs, opts...)
	require.NoError(t, err)
	return f
}

func threeRecords() []operators.Record {
	return []operators.Record{rec(30, "M"), rec(45, "F"), rec(30, "F")}
}

func TestRunWorkedExamples(t *testing.T) {
	ctx := context.Background()
	f := newFacade(t, threeRecords())

	t.Run("age range then counts", func(t *testing.T) {
		res, err := f.Run(ctx, Request{
			AgeMin:       operators.Ptr(int64(30)),
			AgeMax:       operators.Ptr(int64(30)),
			Aggregations: []Aggregation{{Kind: Counts, Attribute: "gender"}},
		})
		require.NoError(t, err)
		require.Equal(t, 2, res.FilteredRows)
		require.Equal(t, []operators.Record{rec(30, "M"), rec(30, "F")}, res.Filtered.Records())
		require.Equal(t, []aggr.Entry[int64]{{Value: "M", Count: 1}, {Value: "F", Count: 1}}, res.Counts["counts:gender"].Entries)
	})

	t.Run("empty membership is unconstrained", func(t *testing.T) {
		res, err := f.Run(ctx, Request{
			AgeMin:     operators.Ptr(int64(30)),
			AgeMax:     operators.Ptr(int64(45)),
			Membership: map[string][]string{"gender": {}},
		})
		require.NoError(t, err)
		require.Equal(t, 3, res.FilteredRows)
	})

	t.Run("proportions over all nulls", func(t *testing.T) {
		_, err := f.Run(ctx, Request{Aggregations: []Aggregation{{Kind: Proportions, Attribute: "reaction"}}})
		var empty *operators.EmptyInputError
		require.True(t, errors.As(err, &empty), "got %v", err)
		require.Equal(t, operators.Reaction, empty.Attribute)
	})
}

func TestRunHalfOpenAgeRange(t *testing.T) {
	f := newFacade(t, append(threeRecords(), operators.Record{Gender: operators.Ptr("F")}))
	cases := []struct {
		name   string
		req    Request
		rows   int
		filter string
	}{
		{"min only", Request{AgeMin: operators.Ptr(int64(40))}, 1, "age in [40,9223372036854775807]"},
		{"max only", Request{AgeMax: operators.Ptr(int64(40))}, 2, "age in [0,40]"},
		{"min above every age", Request{AgeMin: operators.Ptr(int64(50))}, 0, "age in [50,9223372036854775807]"},
		{"max below every age", Request{AgeMax: operators.Ptr(int64(10))}, 0, "age in [0,10]"},
		// no bounds at all keeps the record without an age
		{"no bounds", Request{}, 4, "all"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.Run(context.Background(), tc.req)
			require.NoError(t, err)
			require.Equal(t, tc.rows, res.FilteredRows)
			require.Equal(t, tc.filter, res.Filter)
		})
	}
}

func TestRunDuplicateMembershipKeys(t *testing.T) {
	f := newFacade(t, threeRecords())
	req := Request{Membership: map[string][]string{"gender": {"M"}, "GENDER": {"F"}, " Gender ": {"F"}}}
	for range 20 {
		res, err := f.Run(context.Background(), req)
		require.ErrorIs(t, err, ErrDuplicateFilter)
		require.Nil(t, res)
		require.Equal(t, `attribute filtered more than once: " Gender " and "GENDER" both name gender`, err.Error())
	}
	require.Nil(t, f.Current())
}

func TestRunEmptyRecordSet(t *testing.T) {
	f := newFacade(t, nil)
	ctx := context.Background()

	res, err := f.Run(ctx, Request{
		AgeMin:     operators.Ptr(int64(0)),
		AgeMax:     operators.Ptr(int64(10)),
		Membership: map[string][]string{"gender": {"F"}},
		Aggregations: []Aggregation{
			{Kind: Counts, Attribute: "gender"},
			{Kind: TopK, Attribute: "reaction", K: 3},
			{Kind: Sample, N: 5},
			{Kind: Summary},
			{Kind: DrillDown, Attribute: "gender", Age: operators.Ptr(int64(5))},
			{Kind: DrillDown},
			{Kind: Preview, N: 5},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.FilteredRows)
	require.Empty(t, res.Counts["counts:gender"].Entries)
	require.Empty(t, res.Counts["top_k:reaction"].Entries)
	require.Empty(t, res.Tables["counts:gender"])
	require.Equal(t, 0, res.Samples["sample"].Len())
	require.Equal(t, int64(0), res.Summaries["summary:age"].Count)
	require.Empty(t, res.DrillDowns["drill_down:gender"].Counts.Entries)
	require.Nil(t, res.DrillDowns["drill_down:event_seriousness"].Age)
	require.Empty(t, res.Previews["preview"])
	require.Same(t, res, f.Current())

	for _, a := range []Aggregation{{Kind: Proportions, Attribute: "gender"}, {Kind: Correlation, With: "reaction"}} {
		_, err := f.Run(ctx, Request{Aggregations: []Aggregation{a}})
		var empty *operators.EmptyInputError
		require.ErrorAs(t, err, &empty, "%s", a.Kind)
	}
	require.Same(t, res, f.Current())

	opts := f.Options()
	require.False(t, opts.HasAges)
	require.Empty(t, opts.Values[operators.Gender])
}

func TestRunDrillDownAfterEmptyFilter(t *testing.T) {
	f := newFacade(t, threeRecords())
	res, err := f.Run(context.Background(), Request{
		Membership: map[string][]string{"gender": {"X"}},
		Aggregations: []Aggregation{
			{Kind: DrillDown, Attribute: "gender", Age: operators.Ptr(int64(30))},
			{Name: "seriousness", Kind: DrillDown, Age: operators.Ptr(int64(30))},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.FilteredRows)
	dd := res.DrillDowns["drill_down:gender"]
	require.Equal(t, int64(30), *dd.Age)
	require.Empty(t, dd.Counts.Entries)
	require.Empty(t, res.DrillDowns["seriousness"].Counts.Entries)
}

func TestRunTables(t *testing.T) {
	f := newFacade(t, threeRecords())
	res, err := f.Run(context.Background(), Request{Aggregations: []Aggregation{
		{Kind: Counts, Attribute: "gender"},
		{Kind: Proportions, Attribute: "gender"},
	}})
	require.NoError(t, err)
	require.Equal(t, []map[string]any{
		{"value": "F", "count": int64(2)},
		{"value": "M", "count": int64(1)},
	}, res.Tables["counts:gender"])

	props := res.Tables["proportions:gender"]
	require.Len(t, props, 2)
	require.Equal(t, "F", props[0]["value"])
	require.InDelta(t, 2.0/3.0, props[0]["count"], 1e-9)
}

func TestRunValidation(t *testing.T) {
	f := newFacade(t, threeRecords())
	cases := []struct {
		name  string
		req   Request
		check func(t *testing.T, err error)
	}{
		{
			name: "min greater than max",
			req:  Request{AgeMin: operators.Ptr(int64(50)), AgeMax: operators.Ptr(int64(20))},
			check: func(t *testing.T, err error) {
				var target *operators.InvalidRangeError
				require.True(t, errors.As(err, &target))
			},
		},
		{
			name: "unknown membership attribute",
			req:  Request{Membership: map[string][]string{"colour": {"red"}}},
			check: func(t *testing.T, err error) {
				var target *operators.UnknownAttributeError
				require.True(t, errors.As(err, &target))
				require.Equal(t, "colour", target.Name)
			},
		},
		{
			name: "unknown aggregation attribute",
			req:  Request{Aggregations: []Aggregation{{Kind: Counts, Attribute: "weight"}}},
			check: func(t *testing.T, err error) {
				var target *operators.UnknownAttributeError
				require.True(t, errors.As(err, &target))
			},
		},
		{
			name: "correlation against a numeric attribute",
			req:  Request{Aggregations: []Aggregation{{Kind: Correlation, Attribute: "age", With: "age"}}},
			check: func(t *testing.T, err error) {
				var target *operators.UnknownAttributeError
				require.True(t, errors.As(err, &target))
			},
		},
		{
			name: "negative sample",
			req:  Request{Aggregations: []Aggregation{{Kind: Sample, N: -1}}},
			check: func(t *testing.T, err error) {
				var target *operators.SamplingSizeError
				require.True(t, errors.As(err, &target))
				require.Equal(t, -1, target.Requested)
			},
		},
		{
			name: "unknown kind",
			req:  Request{Aggregations: []Aggregation{{Kind: "median", Attribute: "age"}}},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrUnknownKind)
			},
		},
		{
			name: "duplicate names",
			req: Request{Aggregations: []Aggregation{
				{Kind: Counts, Attribute: "gender"},
				{Kind: Counts, Attribute: "gender"},
			}},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrDuplicateName)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.Run(context.Background(), tc.req)
			require.Error(t, err)
			require.Nil(t, res)
			tc.check(t, err)
		})
	}
}

func TestRunIsAllOrNothing(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFacade(t, threeRecords(), WithMetrics(NewMetrics(reg, "test")))
	ctx := context.Background()

	good, err := f.Run(ctx, Request{Aggregations: []Aggregation{{Kind: Counts, Attribute: "gender"}}})
	require.NoError(t, err)
	require.Same(t, good, f.Current())

	// one failing aggregation discards the whole bundle
	_, err = f.Run(ctx, Request{Aggregations: []Aggregation{
		{Kind: Counts, Attribute: "gender"},
		{Kind: Proportions, Attribute: "indication"},
	}})
	require.Error(t, err)
	require.Same(t, good, f.Current())

	_, err = f.Run(ctx, Request{AgeMin: operators.Ptr(int64(9)), AgeMax: operators.Ptr(int64(1))})
	require.Error(t, err)
	require.Same(t, good, f.Current())

	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.queries.WithLabelValues(statusOK)))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.queries.WithLabelValues(statusFailed)))
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.queries.WithLabelValues(statusInvalid)))
}

func TestPublishLastWriteWins(t *testing.T) {
	f := newFacade(t, threeRecords())
	older := &Result{Seq: 1}
	newer := &Result{Seq: 2}

	f.publish(newer)
	f.publish(older)
	require.Same(t, newer, f.Current())
	require.True(t, older.Stale)
	require.False(t, newer.Stale)
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.superseded))

	newest := &Result{Seq: 3}
	f.publish(newest)
	require.Same(t, newest, f.Current())
}

func TestRunConcurrentPublishesNewest(t *testing.T) {
	f := newFacade(t, threeRecords(), WithMaxConcurrent(4))
	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.Run(context.Background(), Request{Aggregations: []Aggregation{{Kind: Sample, N: 2}}})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	cur := f.Current()
	require.NotNil(t, cur)
	require.False(t, cur.Stale)
	require.Equal(t, uint64(16), cur.Seq)
}

func TestRunSampleIsReproducibleWithSeed(t *testing.T) {
	records := make([]operators.Record, 0, 50)
	for i := 0; i < 50; i++ {
		records = append(records, rec(int64(i), "F"))
	}
	f := newFacade(t, records)
	req := Request{Seed: 7, Aggregations: []Aggregation{{Kind: Sample, N: 10}}}

	a, err := f.Run(context.Background(), req)
	require.NoError(t, err)
	b, err := f.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 10, a.Samples["sample"].Len())
	require.True(t, a.Samples["sample"].Equal(b.Samples["sample"]))
}

func TestDefaultDashboard(t *testing.T) {
	records := []operators.Record{
		{Age: operators.Ptr(int64(30)), Gender: operators.Ptr("M"), Reaction: operators.Ptr("NAUSEA"), Indication: operators.Ptr("PAIN"),
			AdverseEvent: operators.Ptr("1"), EventSeriousness: operators.Ptr("SERIOUS"), RpsrCod: operators.Ptr("EXP"), ProdAI: operators.Ptr("IBUPROFEN")},
		{Age: operators.Ptr(int64(45)), Gender: operators.Ptr("F"), Reaction: operators.Ptr("RASH"), Indication: operators.Ptr("FEVER"),
			AdverseEvent: operators.Ptr("0"), EventSeriousness: operators.Ptr("NON-SERIOUS"), RpsrCod: operators.Ptr("PER"), ProdAI: operators.Ptr("ASPIRIN")},
		{Age: operators.Ptr(int64(30)), Gender: operators.Ptr("F"), Reaction: operators.Ptr("NAUSEA"), AdverseEvent: operators.Ptr("1"),
			EventSeriousness: operators.Ptr("NON-SERIOUS"), ProdAI: operators.Ptr("IBUPROFEN")},
		{Age: operators.Ptr(int64(52)), Gender: operators.Ptr("M"), AdverseEvent: operators.Ptr("1"), ProdAI: operators.Ptr("ASPIRIN")},
	}
	f := newFacade(t, records)
	cfg := *config.GetConfig()
	cfg.Query.TopK, cfg.Query.SampleSize, cfg.Query.PreviewRows, cfg.Query.Seed = 1, 2, 3, 11

	res, err := f.Run(context.Background(), DefaultRequest(&cfg))
	require.NoError(t, err)
	require.Equal(t, 4, res.FilteredRows)

	drill := res.DrillDowns["seriousness_by_age"]
	require.Equal(t, int64(30), *drill.Age)
	require.Equal(t, []aggr.Entry[int64]{{Value: "SERIOUS", Count: 1}, {Value: "NON-SERIOUS", Count: 1}}, drill.Counts.Entries)

	require.Equal(t, []aggr.Entry[int64]{{Value: "NAUSEA", Count: 2}}, res.Counts["top_reactions"].Entries)
	require.Equal(t, int64(4), res.Counts["age_distribution"].Total())
	require.Equal(t, 2, res.Samples["sample"].Len())
	require.Len(t, res.Previews["preview"], 3)
	require.Equal(t, "IBUPROFEN", res.Previews["preview"][0]["prod_ai"])

	props := res.Proportions["adverse_events"]
	p, ok := props.Get("1")
	require.True(t, ok)
	require.InDelta(t, 0.75, p, 1e-9)

	corr := res.Correlations["age_reaction_correlation"]
	require.GreaterOrEqual(t, corr, -1.0)
	require.LessOrEqual(t, corr, 1.0)

	summary := res.Summaries["age_summary"]
	require.Equal(t, int64(4), summary.Count)
	require.Equal(t, 30.0, summary.Min)
	require.Equal(t, 52.0, summary.Max)
}

func TestOptions(t *testing.T) {
	f := newFacade(t, append(threeRecords(), operators.Record{Reaction: operators.Ptr("RASH")}))
	opts := f.Options()
	require.True(t, opts.HasAges)
	require.Equal(t, int64(30), opts.AgeMin)
	require.Equal(t, int64(45), opts.AgeMax)
	require.Equal(t, []string{"M", "F"}, opts.Values[operators.Gender])
	require.Equal(t, []string{"RASH"}, opts.Values[operators.Reaction])
	require.Empty(t, opts.Values[operators.Indication])
}

func TestNewRejectsNilRecordSet(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}
