package llmclassify

import (
	"context"

	"github.com/aimo-labs/evidence-engine/pkg/contracts"
)

// TaxonomyLookup is the minimal taxonomy surface the stub provider needs:
// the first active code per dimension.
type TaxonomyLookup interface {
	FirstCode(dimension string) (string, bool)
}

// StubProvider is the deterministic classifier injected by
// AIMO_CLASSIFIER=stub: it returns the taxonomy's first allowed entry per
// dimension for every signature in a batch, used by contract tests that
// need a bundle without calling a real provider.
type StubProvider struct {
	Taxonomy TaxonomyLookup
}

// Name implements Provider.
func (s *StubProvider) Name() string { return "stub" }

// ClassifyBatch implements Provider by returning the first active taxonomy
// code per dimension for every requested signature. The Classifier records
// output from a provider named "stub" as classification_source=STUB rather
// than LLM.
func (s *StubProvider) ClassifyBatch(ctx context.Context, req BatchRequest) (BatchResponse, error) {
	fs, _ := s.Taxonomy.FirstCode("FS")
	im, _ := s.Taxonomy.FirstCode("IM")
	uc, _ := s.Taxonomy.FirstCode("UC")
	dt, _ := s.Taxonomy.FirstCode("DT")
	ch, _ := s.Taxonomy.FirstCode("CH")
	rs, _ := s.Taxonomy.FirstCode("RS")
	ev, _ := s.Taxonomy.FirstCode("EV")

	resp := BatchResponse{Items: make([]RawClassification, 0, len(req.Items))}
	for _, item := range req.Items {
		resp.Items = append(resp.Items, RawClassification{
			URLSignature:   item.URLSignature,
			ServiceName:    "unclassified",
			Category:       "unknown",
			UsageType:      "unknown",
			RiskLevel:      "low",
			Confidence:     0.5,
			RationaleShort: "stub classifier: no provider configured",
			Taxonomy: contracts.TaxonomyAssignment{
				FS: fs, IM: im,
				UC: []string{uc}, DT: []string{dt}, CH: []string{ch}, RS: []string{rs}, EV: []string{ev},
			},
		})
	}
	return resp, nil
}
