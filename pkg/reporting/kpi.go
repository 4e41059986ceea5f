package reporting

import (
	"fmt"
	"io"
	"strings"
)

// KPISummary is the compact end-of-run block printed after a run: input rows,
// unique signatures, cache hits, A/B/C candidate counts, budget spent, the
// emitted bundle path, and whether it validated.
type KPISummary struct {
	RunID            string
	InputRows        int64
	UniqueSignatures int64
	CacheHits        int64
	CountA           int64
	CountB           int64
	CountC           int64
	BudgetSpentUSD   float64
	BudgetCapUSD     float64
	BundlePath       string
	ValidationPassed bool
	ValidationStatus string
	Elapsed          string
}

// WriteKPISummary renders the KPI block to w in the fixed-width key: value
// format a terminal run summary uses.
func WriteKPISummary(w io.Writer, k KPISummary) error {
	lines := []string{
		fmt.Sprintf("run_id:            %s", k.RunID),
		fmt.Sprintf("input_rows:        %d", k.InputRows),
		fmt.Sprintf("unique_signatures: %d", k.UniqueSignatures),
		fmt.Sprintf("cache_hits:        %d", k.CacheHits),
		fmt.Sprintf("candidates_a/b/c:  %d / %d / %d", k.CountA, k.CountB, k.CountC),
		fmt.Sprintf("budget_spent:      $%.4f / $%.2f", k.BudgetSpentUSD, k.BudgetCapUSD),
		fmt.Sprintf("bundle_path:       %s", k.BundlePath),
		fmt.Sprintf("validation:        %s (passed=%t)", k.ValidationStatus, k.ValidationPassed),
		fmt.Sprintf("elapsed:           %s", k.Elapsed),
	}
	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}
