// Package reporting produces human-facing run output: a PII-sanitized CSV
// export for external sharing/debugging, and the compact end-of-run KPI
// block. Every PII field is irreversibly hashed with an HMAC keyed by
// SANITIZE_SALT; URL PII is already masked upstream by url_signature, so
// only user_id-shaped identifiers need hashing here.
package reporting

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// ForbiddenColumns is the set of columns a sanitized export must never
// carry: raw identifiers and raw URL material the normalizer already
// reduced to url_signature.
var ForbiddenColumns = []string{"user_id", "src_ip", "device_id", "url_full", "url_path", "url_query"}

// sanitizedHeader is the fixed column order of a sanitized export row.
var sanitizedHeader = []string{
	"ts", "dest_domain", "url_signature", "service_name", "usage_type",
	"risk_level", "category", "bytes_sent", "bytes_received", "action", "user_hash",
}

// SanitizedRow is one signature-level row of the sanitized export; it
// mirrors the Standard's signature_stats/classification_cache join.
type SanitizedRow struct {
	Timestamp    time.Time
	DestDomain   string
	URLSignature string
	ServiceName  string
	UsageType    string
	RiskLevel    string
	Category     string
	BytesSent    int64
	BytesRecv    int64
	Action       string
	UserID       string
}

// Anonymizer irreversibly hashes PII values using an HMAC-SHA256 keyed by
// SANITIZE_SALT, truncated to 16 hex characters — long enough to be
// effectively collision-free at run scale, short enough to stay a glance-
// readable token in a CSV cell.
type Anonymizer struct {
	salt []byte
}

// NewAnonymizer builds an Anonymizer. salt must be non-empty; callers should
// read it from the SANITIZE_SALT environment variable and fail fast if unset
// rather than silently exporting with an empty key.
func NewAnonymizer(salt string) (*Anonymizer, error) {
	if salt == "" {
		return nil, fmt.Errorf("reporting: SANITIZE_SALT must be set for sanitized exports")
	}
	return &Anonymizer{salt: []byte(salt)}, nil
}

// Anonymize hashes value, returning "" for an empty input so absent fields
// stay visibly absent rather than hashing to a non-empty constant.
func (a *Anonymizer) Anonymize(value string) string {
	if value == "" {
		return ""
	}
	mac := hmac.New(sha256.New, a.salt)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// WriteSanitizedCSV writes rows to path as a sanitized CSV, hashing each
// row's UserID with anon, atomically (temp file then rename), capped at
// maxRows. It returns the number of rows written.
func WriteSanitizedCSV(path string, rows []SanitizedRow, anon *Anonymizer, maxRows int) (int, error) {
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("reporting: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("reporting: create %s: %w", tmp, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(sanitizedHeader); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("reporting: write header: %w", err)
	}

	for _, r := range rows {
		record := []string{
			r.Timestamp.UTC().Format(time.RFC3339),
			r.DestDomain,
			r.URLSignature,
			orUnknown(r.ServiceName),
			orUnknown(r.UsageType),
			orUnknown(r.RiskLevel),
			r.Category,
			fmt.Sprintf("%d", r.BytesSent),
			fmt.Sprintf("%d", r.BytesRecv),
			orDefault(r.Action, "allow"),
			anon.Anonymize(r.UserID),
		}
		if err := w.Write(record); err != nil {
			_ = f.Close()
			return 0, fmt.Errorf("reporting: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("reporting: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("reporting: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("reporting: close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("reporting: rename: %w", err)
	}
	return len(rows), nil
}

func orUnknown(s string) string { return orDefault(s, "unknown") }

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ValidateSanitized re-reads a sanitized CSV and confirms it carries none of
// ForbiddenColumns and no value matches an email pattern, the same
// validation pass the export itself is audited against.
func ValidateSanitized(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reporting: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reporting: read header: %w", err)
	}

	var errs []string
	forbidden := make(map[string]bool, len(ForbiddenColumns))
	for _, c := range ForbiddenColumns {
		forbidden[c] = true
	}
	for _, col := range header {
		if forbidden[col] {
			errs = append(errs, fmt.Sprintf("forbidden column found: %s", col))
		}
	}

	for {
		row, err := r.Read()
		if err != nil {
			break
		}
		for i, v := range row {
			col := ""
			if i < len(header) {
				col = header[i]
			}
			if emailPattern.MatchString(v) {
				errs = append(errs, fmt.Sprintf("email pattern found in column %s", col))
			}
		}
	}
	return errs, nil
}
