// Package urlsig implements C4: the URL Normalizer & Signature Builder.
//
// It reduces a raw request URL plus its method and byte count to a stable,
// PII-free url_signature so that identical logical requests collapse to the
// same classification-cache key regardless of which log or run observed
// them.
package urlsig

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// SignatureVersion is embedded in every signature hash; bumping it
// invalidates all cache entries produced under a prior version, by
// construction (the cache is keyed on the signature alone).
const SignatureVersion = "v1"

var (
	reNumeric  = regexp.MustCompile(`^[0-9]+$`)
	reUUID     = regexp.MustCompile(`^(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	reLongHex  = regexp.MustCompile(`^(?i)[0-9a-f]{16,}$`)
	reBase64ID = regexp.MustCompile(`^[A-Za-z0-9_-]{20,}={0,2}$`)
)

// MethodBucket collapses an HTTP method into a coarse read/write/other class.
func MethodBucket(method string) string {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case "GET", "HEAD":
		return "read"
	case "POST", "PUT", "PATCH", "DELETE":
		return "write"
	default:
		return "other"
	}
}

// BytesBucket buckets a byte count into a coarse log-scale band.
// Boundaries: <1KiB=XS, <64KiB=S, <1MiB=M, <16MiB=L, else XL.
func BytesBucket(bytes int64) string {
	switch {
	case bytes < 1<<10:
		return "XS"
	case bytes < 64<<10:
		return "S"
	case bytes < 1<<20:
		return "M"
	case bytes < 16<<20:
		return "L"
	default:
		return "XL"
	}
}

// PIIPatterns is a per-vendor list of additional regexes whose matching path
// segments are replaced by the PII placeholder. Vendor mappings populate
// this from their own configuration; it is empty by default.
type PIIPatterns []*regexp.Regexp

// Components holds the normalized pieces a signature was derived from, so
// callers (e.g. the rule classifier, the LLM batch request) can use them
// without re-deriving.
type Components struct {
	URLSignature     string
	NormHost         string
	NormPathTemplate string
	NormQueryKeySet  []string
	HTTPMethodBucket string
	BytesBucket      string
}

// Build derives a deterministic url_signature and its normalized components
// from a raw URL, HTTP method, and byte count.
//
// Identical logical requests across different logs and runs must collapse
// to the identical signature: scheme/host are lower-cased, default ports
// are elided, path segments that look like identifiers are replaced with
// placeholders, and query values (which are PII-suspect) are discarded
// entirely — only the sorted set of query key names survives.
func Build(rawURL, method string, bytesSent int64, pii PIIPatterns) Components {
	host, path, query := splitURL(rawURL)

	normHost := normalizeHost(host)
	pathTemplate := normalizePath(path, pii)
	queryKeys := normalizeQueryKeys(query)
	methodBucket := MethodBucket(method)
	bucket := BytesBucket(bytesSent)

	sig := sha256Hex(strings.Join([]string{
		"sig", SignatureVersion, normHost, pathTemplate,
		strings.Join(queryKeys, ","), methodBucket, bucket,
	}, "|"))

	return Components{
		URLSignature:     sig,
		NormHost:         normHost,
		NormPathTemplate: pathTemplate,
		NormQueryKeySet:  queryKeys,
		HTTPMethodBucket: methodBucket,
		BytesBucket:      bucket,
	}
}

func splitURL(raw string) (host, path, rawQuery string) {
	u, err := url.Parse(raw)
	if err != nil {
		// Fall back to treating the whole string as an opaque path so a
		// malformed URL still yields a stable (if coarse) signature rather
		// than aborting the event.
		return "", raw, ""
	}
	return u.Host, u.Path, u.RawQuery
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	// Strip default ports; any other explicit port is kept since it changes
	// the logical destination.
	if i := strings.LastIndex(host, ":"); i >= 0 {
		port := host[i+1:]
		if port == "80" || port == "443" {
			host = host[:i]
		}
	}
	return host
}

func normalizePath(path string, pii PIIPatterns) string {
	segments := strings.Split(path, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			out = append(out, seg)
			continue
		}
		out = append(out, normalizeSegment(strings.ToLower(seg), pii))
	}
	return strings.Join(out, "/")
}

func normalizeSegment(seg string, pii PIIPatterns) string {
	switch {
	case reNumeric.MatchString(seg):
		return "{num}"
	case reUUID.MatchString(seg):
		return "{uuid}"
	case reLongHex.MatchString(seg):
		return "{hex}"
	case reBase64ID.MatchString(seg):
		return "{b64}"
	}
	for _, re := range pii {
		if re.MatchString(seg) {
			return "{pii}"
		}
	}
	return seg
}

func normalizeQueryKeys(rawQuery string) []string {
	if rawQuery == "" {
		return nil
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, strings.ToLower(k))
	}
	sort.Strings(keys)
	return keys
}

func sha256Hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// ParseByteBand is exposed for tests and reporting code that need to turn a
// persisted bucket label back into an approximate lower bound.
func ParseByteBand(bucket string) (int64, error) {
	switch bucket {
	case "XS":
		return 0, nil
	case "S":
		return 1 << 10, nil
	case "M":
		return 64 << 10, nil
	case "L":
		return 1 << 20, nil
	case "XL":
		return 16 << 20, nil
	default:
		return 0, fmt.Errorf("urlsig: unknown bytes bucket %q", bucket)
	}
}
