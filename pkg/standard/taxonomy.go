package standard

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// TaxonomyEntry is one row of the Standard's English dictionary: one code
// in one of the eight dimensions (FS, IM, UC, DT, CH, RS, EV, OB).
type TaxonomyEntry struct {
	Code          string
	Dimension     string
	DimensionName string
	Label         string
	Definition    string
	Status        string
	IntroducedIn  string
	ScopeNotes    string
	Examples      []string
}

// Taxonomy is the loaded, status=active subset of the Standard's taxonomy
// dictionary, indexed by dimension and by code.
type Taxonomy struct {
	byDimension map[string][]TaxonomyEntry
	byCode      map[string]TaxonomyEntry
}

// Dimensions is the fixed, ordered set of taxonomy dimension keys.
var Dimensions = []string{"FS", "IM", "UC", "DT", "CH", "RS", "EV", "OB"}

// ParseTaxonomyCSV reads the Standard's `code, dimension, dimension_name,
// label, definition, status, introduced_in, scope_notes, examples` CSV and
// keeps only status=active rows; examples are pipe-separated.
func ParseTaxonomyCSV(r io.Reader) (*Taxonomy, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("standard: read taxonomy header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.ToLower(h))] = i
	}
	required := []string{"code", "dimension", "dimension_name", "label", "definition", "status"}
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("standard: taxonomy csv missing column %q", col)
		}
	}

	t := &Taxonomy{byDimension: make(map[string][]TaxonomyEntry), byCode: make(map[string]TaxonomyEntry)}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("standard: read taxonomy row: %w", err)
		}
		get := func(col string) string {
			if i, ok := idx[col]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		if get("status") != "active" {
			continue
		}
		var examples []string
		if raw := get("examples"); raw != "" {
			for _, e := range strings.Split(raw, "|") {
				if e = strings.TrimSpace(e); e != "" {
					examples = append(examples, e)
				}
			}
		}
		entry := TaxonomyEntry{
			Code:          get("code"),
			Dimension:     get("dimension"),
			DimensionName: get("dimension_name"),
			Label:         get("label"),
			Definition:    get("definition"),
			Status:        get("status"),
			IntroducedIn:  get("introduced_in"),
			ScopeNotes:    get("scope_notes"),
			Examples:      examples,
		}
		t.byDimension[entry.Dimension] = append(t.byDimension[entry.Dimension], entry)
		t.byCode[entry.Code] = entry
	}

	return t, nil
}

// Codes returns the active codes in a dimension, in file order.
func (t *Taxonomy) Codes(dimension string) []string {
	entries := t.byDimension[dimension]
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Code
	}
	return out
}

// IsValidCode reports whether code is an active code belonging to dimension.
func (t *Taxonomy) IsValidCode(dimension, code string) bool {
	e, ok := t.byCode[code]
	return ok && e.Dimension == dimension
}

// FirstCode returns the first active code loaded for dimension, used by the
// AIMO_CLASSIFIER=stub deterministic classifier (it returns the taxonomy's
// first allowed entry per dimension).
func (t *Taxonomy) FirstCode(dimension string) (string, bool) {
	entries := t.byDimension[dimension]
	if len(entries) == 0 {
		return "", false
	}
	return entries[0].Code, true
}

// Entry looks up a code's full dictionary entry.
func (t *Taxonomy) Entry(code string) (TaxonomyEntry, bool) {
	e, ok := t.byCode[code]
	return e, ok
}

// LoadTaxonomyDictionary loads the taxonomy CSV from the resolved
// Standard's artifact mirror, addressed by its content hash in store.
func LoadTaxonomyDictionary(ctx context.Context, store interface {
	Get(ctx context.Context, hash string) ([]byte, error)
}, csvContentHash string) (*Taxonomy, error) {
	data, err := store.Get(ctx, csvContentHash)
	if err != nil {
		return nil, fmt.Errorf("standard: load taxonomy dictionary: %w", err)
	}
	return ParseTaxonomyCSV(strings.NewReader(string(data)))
}
