package persist

import (
	"context"
	"fmt"
	"strings"

	"github.com/aimo-labs/evidence-engine/pkg/contracts"
)

// LegacyCacheRow is one row read from a pre-8-dimension classification
// cache: the 7-code scheme where fs_uc_code doubled for both FS and UC, and
// every other dimension carried exactly one code rather than a list.
type LegacyCacheRow struct {
	URLSignature         string
	ServiceName          string
	Category             string
	UsageType            string
	RiskLevel            string
	Confidence           float64
	RationaleShort       string
	ClassificationSource contracts.ClassificationSource
	FSUCCode             string // legacy fs_uc_code: "FS-xxx" or "UC-xxx" or "DEPRECATED"
	IMCode               string
	DTCode               string
	CHCode               string
	RSCode               string
	EVCode               string
	OBCode               string
	TaxonomyVersion      string
	IsHumanVerified      bool
}

// MigrateLegacyTaxonomyCodes converts legacy 7-code cache rows to the
// 8-dimension contracts.CacheRow shape and upserts each through the
// gateway. Priority mirrors the Standard's migration compatibility layer:
// a dimension with a legacy single code becomes a one-element list; a row
// that cannot populate every required dimension is marked needs_review so a
// human (or a future re-run) resolves it rather than the migration silently
// dropping coverage. fs_uc_code's "DEPRECATED" sentinel and values that
// don't match either FS- or UC- are treated as absent.
func MigrateLegacyTaxonomyCodes(ctx context.Context, g *Gateway, rows []LegacyCacheRow) (migrated int, needsReview int, err error) {
	for _, legacy := range rows {
		row, reviewed := convertLegacyRow(legacy)
		if err := g.UpsertCacheRow(ctx, row); err != nil {
			return migrated, needsReview, fmt.Errorf("persist: migrate legacy row %s: %w", legacy.URLSignature, err)
		}
		migrated++
		if reviewed {
			needsReview++
		}
	}
	return migrated, needsReview, nil
}

func convertLegacyRow(legacy LegacyCacheRow) (contracts.CacheRow, bool) {
	fsCode, ucFromLegacy := splitFSUCCode(legacy.FSUCCode)

	taxonomy := contracts.TaxonomyAssignment{
		FS: fsCode,
		IM: legacy.IMCode,
		UC: nonEmptySlice(ucFromLegacy),
		DT: nonEmptySlice(legacy.DTCode),
		CH: nonEmptySlice(legacy.CHCode),
		RS: nonEmptySlice(legacy.RSCode),
		EV: nonEmptySlice(legacy.EVCode),
		OB: nonEmptySlice(legacy.OBCode),
	}

	complete := taxonomy.FS != "" && taxonomy.IM != "" &&
		len(taxonomy.UC) > 0 && len(taxonomy.DT) > 0 && len(taxonomy.CH) > 0 &&
		len(taxonomy.RS) > 0 && len(taxonomy.EV) > 0

	status := contracts.CacheStatusActive
	needsReview := !complete
	if needsReview {
		status = contracts.CacheStatusNeedsReview
	}

	version := legacy.TaxonomyVersion
	if version == "" {
		version = "0.1.7"
	}

	return contracts.CacheRow{
		URLSignature:         legacy.URLSignature,
		ServiceName:          legacy.ServiceName,
		Category:             legacy.Category,
		UsageType:            legacy.UsageType,
		RiskLevel:            legacy.RiskLevel,
		Confidence:           legacy.Confidence,
		RationaleShort:       legacy.RationaleShort,
		ClassificationSource: legacy.ClassificationSource,
		Taxonomy:             taxonomy,
		TaxonomySchemaVer:    version,
		Status:               status,
		IsHumanVerified:      legacy.IsHumanVerified,
	}, needsReview
}

// splitFSUCCode reads the legacy fs_uc_code dual-purpose field: it carried
// either an FS-prefixed or a UC-prefixed code (never both), with
// "DEPRECATED" meaning neither dimension was ever populated.
func splitFSUCCode(code string) (fsCode, ucCode string) {
	code = strings.TrimSpace(code)
	switch {
	case code == "" || code == "DEPRECATED":
		return "", ""
	case strings.HasPrefix(code, "FS-"):
		return code, ""
	case strings.HasPrefix(code, "UC-"):
		return "", code
	default:
		return "", ""
	}
}

func nonEmptySlice(code string) []string {
	if code == "" {
		return nil
	}
	return []string{code}
}
