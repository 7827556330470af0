package query

import (
	"medquery-go/config"
	"medquery-go/operators"
)

// DefaultAggregations is one aggregation per dashboard tab.
func DefaultAggregations(topK, sampleSize, previewRows int) []Aggregation {
	return []Aggregation{
		{Name: "seriousness_by_age", Kind: DrillDown, Attribute: operators.EventSeriousness.String()},
		{Name: "age_distribution", Kind: Counts, Attribute: operators.Age.String()},
		{Name: "age_summary", Kind: Summary, Attribute: operators.Age.String()},
		{Name: "report_source", Kind: Counts, Attribute: operators.RpsrCod.String()},
		{Name: "sample", Kind: Sample, N: sampleSize},
		{Name: "products", Kind: Counts, Attribute: operators.ProdAI.String()},
		{Name: "top_reactions", Kind: TopK, Attribute: operators.Reaction.String(), K: topK},
		{Name: "adverse_events", Kind: Proportions, Attribute: operators.AdverseEvent.String()},
		{Name: "age_reaction_correlation", Kind: Correlation, Attribute: operators.Age.String(), With: operators.Reaction.String()},
		{Name: "indications", Kind: Counts, Attribute: operators.Indication.String()},
		{Name: "preview", Kind: Preview, N: previewRows},
	}
}

// DefaultRequest is the unfiltered dashboard with the sizes from cfg.
func DefaultRequest(cfg *config.Config) Request {
	return Request{
		Aggregations: DefaultAggregations(cfg.Query.TopK, cfg.Query.SampleSize, cfg.Query.PreviewRows),
		Seed:         cfg.Query.Seed,
	}
}
