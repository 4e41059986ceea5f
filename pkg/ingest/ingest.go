// Package ingest implements C3: the Canonical Ingestor. Given a vendor
// identifier and a file path, it produces a lazy sequence of canonical
// events, driven by a per-vendor field mapping, with per-row failures
// logged as warnings rather than aborting the run.
package ingest

import (
	"bufio"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/aimo-labs/evidence-engine/pkg/contracts"
)

// Shape is the detected file format.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeCSV
	ShapeJSONArray
	ShapeJSONLines
)

// Item is one element of the lazy sequence: either a canonical event or a
// warning describing a row that was skipped.
type Item struct {
	Event   *contracts.CanonicalEvent
	Warning string
}

var defaultActionVocabulary = map[string]string{
	"allow": "allow", "allowed": "allow", "permit": "allow", "permitted": "allow",
	"deny": "deny", "denied": "deny", "block": "deny", "blocked": "deny", "drop": "deny",
}

// DetectShape sniffs a file's shape from its extension and, for ambiguous
// extensions, its first non-whitespace byte.
func DetectShape(path string) (Shape, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ShapeCSV, nil
	case ".jsonl", ".ndjson":
		return ShapeJSONLines, nil
	case ".json":
		return ShapeJSONArray, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return ShapeUnknown, fmt.Errorf("ingest: open for sniff: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return ShapeUnknown, fmt.Errorf("ingest: empty file")
		}
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		if b == '[' {
			return ShapeJSONArray, nil
		}
		if b == '{' {
			return ShapeJSONLines, nil
		}
		return ShapeCSV, nil
	}
}

// Ingest opens path, detects its shape, and streams canonical events (and
// warnings for dropped rows) on the returned channel. The channel is closed
// once the file is fully consumed or an unrecoverable open/read error
// occurs (reported as a final warning-less error via errCh).
func Ingest(runID, fileID, vendor, path string, mapping Mapping) (<-chan Item, <-chan error) {
	items := make(chan Item, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(items)
		defer close(errCh)

		shape, err := DetectShape(path)
		if err != nil {
			errCh <- err
			return
		}

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("ingest: open %s: %w", path, err)
			return
		}
		defer func() { _ = f.Close() }()

		rows := rowReader(shape, f)
		index := int64(0)
		for {
			row, err := rows()
			if err == io.EOF {
				return
			}
			if err != nil {
				items <- Item{Warning: fmt.Sprintf("row %d: parse error: %v", index, err)}
				index++
				continue
			}

			event, warning := buildEvent(runID, fileID, vendor, path, index, row, mapping)
			if warning != "" {
				items <- Item{Warning: warning}
			} else {
				items <- Item{Event: event}
			}
			index++
		}
	}()

	return items, errCh
}

// rowReader returns a closure yielding successive rows as string maps,
// io.EOF when exhausted.
func rowReader(shape Shape, f *os.File) func() (map[string]string, error) {
	switch shape {
	case ShapeCSV:
		// Sniff the delimiter from the header line: the most frequent of
		// comma, semicolon, tab and pipe, defaulting to comma.
		br := bufio.NewReader(f)
		head, _ := br.Peek(4096)
		line := string(head)
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		comma, best := ',', 0
		for _, d := range []rune{',', ';', '\t', '|'} {
			if n := strings.Count(line, string(d)); n > best {
				comma, best = d, n
			}
		}
		reader := csv.NewReader(br)
		reader.Comma = comma
		reader.FieldsPerRecord = -1
		var header []string
		return func() (map[string]string, error) {
			rec, err := reader.Read()
			if err != nil {
				return nil, err
			}
			if header == nil {
				header = rec
				rec, err = reader.Read()
				if err != nil {
					return nil, err
				}
			}
			row := make(map[string]string, len(header))
			for i, h := range header {
				if i < len(rec) {
					row[h] = rec[i]
				}
			}
			return row, nil
		}
	case ShapeJSONLines:
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		return func() (map[string]string, error) {
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				return decodeJSONRow(line)
			}
			if err := scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
	case ShapeJSONArray:
		dec := json.NewDecoder(f)
		tok, err := dec.Token()
		openErr := err
		if err == nil {
			if d, ok := tok.(json.Delim); !ok || d != '[' {
				openErr = fmt.Errorf("ingest: expected JSON array")
			}
		}
		return func() (map[string]string, error) {
			if openErr != nil {
				e := openErr
				openErr = io.EOF
				return nil, e
			}
			if !dec.More() {
				return nil, io.EOF
			}
			var raw map[string]any
			if err := dec.Decode(&raw); err != nil {
				return nil, err
			}
			return stringifyRow(raw), nil
		}
	default:
		return func() (map[string]string, error) { return nil, io.EOF }
	}
}

func decodeJSONRow(line string) (map[string]string, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, err
	}
	return stringifyRow(raw), nil
}

func stringifyRow(raw map[string]any) map[string]string {
	row := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			row[k] = t
		case nil:
			row[k] = ""
		default:
			b, _ := json.Marshal(t)
			row[k] = string(b)
		}
	}
	return row
}

func buildEvent(runID, fileID, vendor, path string, index int64, row map[string]string, m Mapping) (*contracts.CanonicalEvent, string) {
	tsRaw, ok := firstNonEmpty(row, m.TimestampFields)
	if !ok {
		return nil, fmt.Sprintf("row %d: missing timestamp", index)
	}
	eventTime, err := parseTimestamp(tsRaw)
	if err != nil {
		return nil, fmt.Sprintf("row %d: unparseable timestamp %q: %v", index, tsRaw, err)
	}

	userID, ok := firstNonEmpty(row, m.UserIDFields)
	if !ok {
		return nil, fmt.Sprintf("row %d: missing user identity", index)
	}

	rawURL, _ := firstNonEmpty(row, m.URLFields)
	destHost, destDomain := deriveHostAndDomain(rawURL)
	if destHost == "" {
		return nil, fmt.Sprintf("row %d: missing destination", index)
	}

	bytesSent := parseInt64(firstOrEmpty(row, m.BytesSentFields))
	bytesRecv := parseInt64(firstOrEmpty(row, m.BytesRecvFields))

	rawAction, _ := firstNonEmpty(row, m.ActionFields)
	action := mapAction(rawAction, m)

	method, _ := firstNonEmpty(row, m.HTTPMethodFields)
	status := int(parseInt64(firstOrEmpty(row, m.StatusCodeFields)))
	category, _ := firstNonEmpty(row, m.AppCategoryFields)
	appName, _ := firstNonEmpty(row, m.AppNameFields)
	contentType, _ := firstNonEmpty(row, m.ContentTypeFields)
	userAgent, _ := firstNonEmpty(row, m.UserAgentFields)
	userDept, _ := firstNonEmpty(row, m.UserDeptFields)
	deviceID, _ := firstNonEmpty(row, m.DeviceIDFields)
	srcIP, _ := firstNonEmpty(row, m.SrcIPFields)

	u, _ := url.Parse(rawURL)
	urlPath, urlQuery := "", ""
	if u != nil {
		urlPath, urlQuery = u.Path, u.RawQuery
	}

	lineageHash := lineageHashOf(path, index, row)

	return &contracts.CanonicalEvent{
		EventTime:         eventTime.UTC(),
		Vendor:            vendor,
		UserID:            userID,
		UserDept:          userDept,
		DeviceID:          deviceID,
		SrcIP:             srcIP,
		DestHost:          destHost,
		DestDomain:        destDomain,
		URLFull:           rawURL,
		URLPath:           urlPath,
		URLQuery:          urlQuery,
		HTTPMethod:        strings.ToUpper(method),
		StatusCode:        status,
		Action:            action,
		AppName:           appName,
		AppCategory:       category,
		BytesSent:         bytesSent,
		BytesRecv:         bytesRecv,
		ContentType:       contentType,
		UserAgent:         userAgent,
		IngestLineageHash: lineageHash,
	}, ""
}

func firstOrEmpty(row map[string]string, fields []string) string {
	v, _ := firstNonEmpty(row, fields)
	return v
}

func parseInt64(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if f, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			return int64(f)
		}
		return 0
	}
	return v
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if v > 1_000_000_000_000 { // millisecond epoch
			return time.UnixMilli(v), nil
		}
		return time.Unix(v, 0), nil
	}
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}

func deriveHostAndDomain(rawURL string) (host, domain string) {
	if rawURL == "" {
		return "", ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		// Treat as bare host if it didn't parse as a full URL.
		host = rawURL
	} else {
		host = u.Hostname()
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return "", ""
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host, host
	}
	return host, etld1
}

func mapAction(raw string, m Mapping) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if mapped, ok := m.ActionMap[raw]; ok {
		return mapped
	}
	if mapped, ok := defaultActionVocabulary[raw]; ok {
		return mapped
	}
	if m.DefaultAction != "" {
		return m.DefaultAction
	}
	return "other"
}

// lineageHashOf derives ingest_lineage_hash as sha256 of
// {file_path, row_index, sorted(key,value) pairs}. Including file_path
// guarantees per-row uniqueness across a run even when two files contain
// byte-identical rows.
func lineageHashOf(path string, index int64, row map[string]string) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(path)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(index, 10))
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(row[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
