// Package detect implements C5: the A/B/C Detector. It assigns per-event
// candidate_flags and per-signature aggregates over a stream of canonical
// events, deterministically with respect to (input, run_id).
package detect

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aimo-labs/evidence-engine/pkg/contracts"
)

const (
	// DefaultAMinBytes is the A predicate's single-event byte threshold (1 MiB).
	DefaultAMinBytes int64 = 1 << 20
	// DefaultBurstWindow is the burst sub-predicate's window length; event
	// times are floored to a multiple of it (fixed windows, not rolling).
	DefaultBurstWindow = 5 * time.Minute
	// DefaultBurstCount is the write-method count threshold inside a burst window.
	DefaultBurstCount = 20
	// DefaultCumulativeBytes is the per-(user,domain,day) cumulative byte threshold (20 MiB).
	DefaultCumulativeBytes int64 = 20 << 20
	// DefaultSampleRate is the fraction of sub-A B-candidates selected into C.
	DefaultSampleRate = 0.02
)

var defaultWriteMethods = map[string]bool{
	"POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

var defaultHighRiskCategories = map[string]bool{
	"GenAI": true, "AI": true, "Unknown": true, "Uncategorized": true,
}

// Options configures the detector's thresholds. Zero-value Options uses the
// built-in defaults via ResolveDefaults.
type Options struct {
	AMinBytes        int64
	BurstWindow      time.Duration
	BurstCount       int
	CumulativeBytes  int64
	SampleRate       float64
	WriteMethods     map[string]bool
	HighRiskCategory map[string]bool
}

// ResolveDefaults fills unset fields with the built-in defaults.
func (o Options) ResolveDefaults() Options {
	if o.AMinBytes == 0 {
		o.AMinBytes = DefaultAMinBytes
	}
	if o.BurstWindow == 0 {
		o.BurstWindow = DefaultBurstWindow
	}
	if o.BurstCount == 0 {
		o.BurstCount = DefaultBurstCount
	}
	if o.CumulativeBytes == 0 {
		o.CumulativeBytes = DefaultCumulativeBytes
	}
	if o.SampleRate == 0 {
		o.SampleRate = DefaultSampleRate
	}
	if o.WriteMethods == nil {
		o.WriteMethods = defaultWriteMethods
	}
	if o.HighRiskCategory == nil {
		o.HighRiskCategory = defaultHighRiskCategories
	}
	return o
}

// Result is the detector's output: flagged events (in processing order) plus
// per-signature aggregates and summary metadata.
type Result struct {
	Events     []contracts.CanonicalEvent
	Signatures map[string]*contracts.SignatureStats
	Metadata   Metadata
	Warnings   []string
}

// Metadata records the thresholds, seed, and class counts used for a run, so
// the evidence bundle can attest exactly how candidates were derived.
type Metadata struct {
	RunID              string
	AMinBytes          int64
	BurstWindowSeconds int64
	BurstCount         int
	CumulativeBytes    int64
	SampleRate         float64
	CountA             int
	CountB             int
	CountC             int
	CountBurst         int
	CountCumulative    int
	CountSampled       int
	CountSkipped       int
}

// Run executes the detector over events for the given run. events is consumed
// and a new, stably sorted, flag-annotated slice is returned; the input slice
// is not mutated in place.
func Run(runID string, events []contracts.CanonicalEvent, opt Options) Result {
	opt = opt.ResolveDefaults()

	valid := make([]contracts.CanonicalEvent, 0, len(events))
	var warnings []string
	skipped := 0
	for _, e := range events {
		if missing := requiredFieldsMissing(e); missing != "" {
			warnings = append(warnings, fmt.Sprintf("skipping event: missing %s", missing))
			skipped++
			continue
		}
		valid = append(valid, e)
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return orderKey(valid[i]) < orderKey(valid[j])
	})

	burstCounts := computeBurstCounts(valid, opt)
	cumulativeTotals := computeCumulativeTotals(valid, opt)

	sigStats := make(map[string]*contracts.SignatureStats)
	sigUsers := make(map[string]map[string]bool)
	meta := Metadata{
		RunID:              runID,
		AMinBytes:          opt.AMinBytes,
		BurstWindowSeconds: int64(opt.BurstWindow / time.Second),
		BurstCount:         opt.BurstCount,
		CumulativeBytes:    opt.CumulativeBytes,
		SampleRate:         opt.SampleRate,
		CountSkipped:       skipped,
	}

	for i := range valid {
		e := &valid[i]

		isA := e.Action == "allow" && e.BytesSent >= opt.AMinBytes

		burstKey := burstGroupKey(*e, opt)
		dayKey := dayGroupKey(*e)
		isBurst := burstCounts[burstKey] >= opt.BurstCount
		isCumulative := cumulativeTotals[dayKey] >= opt.CumulativeBytes

		isWrite := opt.WriteMethods[strings.ToUpper(e.HTTPMethod)]
		isHighRiskCat := opt.HighRiskCategory[e.AppCategory]
		isB := e.Action == "allow" && isWrite && (isHighRiskCat || isBurst || isCumulative)

		isC := false
		if isB && e.BytesSent < opt.AMinBytes {
			isC = sampledIn(runID, e.IngestLineageHash, opt.SampleRate)
		}

		var flags []string
		if isA {
			flags = append(flags, "A")
			meta.CountA++
		}
		if isB {
			flags = append(flags, "B")
			meta.CountB++
		}
		if isC {
			flags = append(flags, "C")
			meta.CountC++
		}
		if isBurst {
			flags = append(flags, "burst")
			meta.CountBurst++
		}
		if isCumulative {
			flags = append(flags, "cumulative")
			meta.CountCumulative++
		}
		if isC {
			flags = append(flags, "sampled")
			meta.CountSampled++
		}
		e.CandidateFlags = strings.Join(flags, "|")

		accumulateSignature(sigStats, sigUsers, runID, *e)
	}

	for sig, s := range sigStats {
		s.UniqueUsers = int64(len(sigUsers[sig]))
	}

	return Result{Events: valid, Signatures: sigStats, Metadata: meta, Warnings: warnings}
}

func requiredFieldsMissing(e contracts.CanonicalEvent) string {
	var missing []string
	if e.UserID == "" {
		missing = append(missing, "user_id")
	}
	if e.DestDomain == "" {
		missing = append(missing, "dest_domain")
	}
	if e.EventTime.IsZero() {
		missing = append(missing, "event_time")
	}
	if e.Action == "" {
		missing = append(missing, "action")
	}
	return strings.Join(missing, ",")
}

func orderKey(e contracts.CanonicalEvent) string {
	return fmt.Sprintf("%020d|%s|%s|%s|%s",
		e.EventTime.UTC().UnixNano(), e.UserID, e.DestDomain, e.URLSignature, e.IngestLineageHash)
}

func burstGroupKey(e contracts.CanonicalEvent, opt Options) string {
	windowStart := e.EventTime.UTC().Truncate(opt.BurstWindow)
	return e.UserID + "|" + e.DestDomain + "|" + windowStart.Format(time.RFC3339)
}

func dayGroupKey(e contracts.CanonicalEvent) string {
	d := e.EventTime.UTC()
	return e.UserID + "|" + e.DestDomain + "|" + d.Format("2006-01-02")
}

// computeBurstCounts counts allowed write-method events per
// (user, domain, 5-minute window).
func computeBurstCounts(events []contracts.CanonicalEvent, opt Options) map[string]int {
	counts := make(map[string]int)
	for _, e := range events {
		if e.Action != "allow" {
			continue
		}
		if !opt.WriteMethods[strings.ToUpper(e.HTTPMethod)] {
			continue
		}
		counts[burstGroupKey(e, opt)]++
	}
	return counts
}

// computeCumulativeTotals sums bytes_sent of every allowed event per
// (user, domain, UTC day). Unlike burst, no write-method filter applies: a
// large allowed GET download counts toward the day total.
func computeCumulativeTotals(events []contracts.CanonicalEvent, opt Options) map[string]int64 {
	totals := make(map[string]int64)
	for _, e := range events {
		if e.Action != "allow" {
			continue
		}
		totals[dayGroupKey(e)] += e.BytesSent
	}
	return totals
}

// sampledIn reproduces the coverage-sample decision: the first 8 bytes of
// sha256(run_id|ingest_lineage_hash), read big-endian, mod 10000 compared
// against the scaled sample rate.
func sampledIn(runID, lineageHash string, sampleRate float64) bool {
	sum := sha256.Sum256([]byte(runID + "|" + lineageHash))
	v := binary.BigEndian.Uint64(sum[:8])
	threshold := uint64(sampleRate * 10000)
	return v%10000 < threshold
}

func accumulateSignature(stats map[string]*contracts.SignatureStats, users map[string]map[string]bool, runID string, e contracts.CanonicalEvent) {
	s, ok := stats[e.URLSignature]
	if !ok {
		s = &contracts.SignatureStats{
			RunID:        runID,
			URLSignature: e.URLSignature,
			FirstSeen:    e.EventTime,
			LastSeen:     e.EventTime,
		}
		stats[e.URLSignature] = s
		users[e.URLSignature] = make(map[string]bool)
	}
	users[e.URLSignature][e.UserID] = true
	s.AccessCount++
	s.BytesSentSum += e.BytesSent
	if e.BytesSent > s.BytesSentMax {
		s.BytesSentMax = e.BytesSent
	}
	if e.EventTime.Before(s.FirstSeen) {
		s.FirstSeen = e.EventTime
	}
	if e.EventTime.After(s.LastSeen) {
		s.LastSeen = e.EventTime
	}
	s.CandidateFlags = mergeFlags(s.CandidateFlags, e.CandidateFlags)
}

func mergeFlags(existing, incoming string) string {
	if incoming == "" {
		return existing
	}
	set := make(map[string]bool)
	for _, f := range strings.Split(existing, "|") {
		if f != "" {
			set[f] = true
		}
	}
	for _, f := range strings.Split(incoming, "|") {
		if f != "" {
			set[f] = true
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return strings.Join(out, "|")
}
