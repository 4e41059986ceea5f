// Package rules implements C6: the Rule Classifier. Rules are loaded from
// YAML, validated against a JSON Schema at load time, and matched against a
// signature in strict priority order to produce a deterministic,
// confidence-1.0 taxonomy assignment.
package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/aimo-labs/evidence-engine/pkg/contracts"
)

// schemaJSON is the JSON Schema every rule must satisfy at load time. It is
// compiled once by NewSet.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["rule_id", "rule_version", "priority", "service_name", "category", "usage_type", "default_risk", "taxonomy_codes", "match"],
  "properties": {
    "rule_id": {"type": "string", "minLength": 1},
    "rule_version": {"type": "string", "minLength": 1},
    "enabled": {"type": "boolean"},
    "priority": {"type": "integer"},
    "service_name": {"type": "string"},
    "category": {"type": "string"},
    "usage_type": {"type": "string"},
    "default_risk": {"type": "string"},
    "taxonomy_codes": {
      "type": "object",
      "required": ["FS", "IM", "UC", "DT", "CH", "RS", "EV"],
      "properties": {
        "FS": {"type": "string"},
        "IM": {"type": "string"},
        "UC": {"type": "array", "items": {"type": "string"}, "minItems": 1},
        "DT": {"type": "array", "items": {"type": "string"}, "minItems": 1},
        "CH": {"type": "array", "items": {"type": "string"}, "minItems": 1},
        "RS": {"type": "array", "items": {"type": "string"}, "minItems": 1},
        "EV": {"type": "array", "items": {"type": "string"}, "minItems": 1},
        "OB": {"type": "array", "items": {"type": "string"}}
      }
    },
    "match": {
      "type": "object",
      "properties": {
        "url_signatures": {"type": "array", "items": {"type": "string"}},
        "domain_exact": {"type": "array", "items": {"type": "string"}},
        "domain_suffixes": {"type": "array", "items": {"type": "string"}},
        "path_prefix": {"type": "string"},
        "url_regex": {"type": "string"}
      }
    }
  }
}`

const schemaResourceURL = "https://aimo.schemas.local/rules/rule.schema.json"

// Match describes one rule's match conditions.
type Match struct {
	URLSignatures  []string `yaml:"url_signatures"`
	DomainExact    []string `yaml:"domain_exact"`
	DomainSuffixes []string `yaml:"domain_suffixes"`
	PathPrefix     string   `yaml:"path_prefix"`
	URLRegex       string   `yaml:"url_regex"`
}

// Rule is one classification rule as loaded from configuration.
type Rule struct {
	RuleID        string                       `yaml:"rule_id"`
	RuleVersion   string                       `yaml:"rule_version"`
	Enabled       bool                         `yaml:"enabled"`
	Priority      int                          `yaml:"priority"`
	ServiceName   string                       `yaml:"service_name"`
	Category      string                       `yaml:"category"`
	UsageType     string                       `yaml:"usage_type"`
	DefaultRisk   string                       `yaml:"default_risk"`
	TaxonomyCodes contracts.TaxonomyAssignment `yaml:"taxonomy_codes"`
	MatchRule     Match                        `yaml:"match"`

	compiledRegex *regexp.Regexp
}

// Signature is the minimal set of fields the classifier needs to match a
// signature against loaded rules.
type Signature struct {
	URLSignature     string
	NormHost         string
	NormPathTemplate string
}

// Classification is the result of a successful match.
type Classification struct {
	ServiceName          string
	Category             string
	UsageType            string
	RiskLevel            string
	Confidence           float64
	Taxonomy             contracts.TaxonomyAssignment
	ClassificationSource contracts.ClassificationSource
	MatchReason          string
	RuleID               string
	RuleVersion          string
}

// Set is a compiled, priority-ordered collection of rules ready to match.
type Set struct {
	rules   []Rule
	version string
}

// NewSet validates and compiles the given rules. Rules missing a complete
// taxonomy_codes block are skipped, as are disabled rules. The rule set's
// version is the lexicographically greatest rule_version observed across
// kept rules (empty if none).
func NewSet(rules []Rule) (*Set, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResourceURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("rules: load schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaResourceURL)
	if err != nil {
		return nil, fmt.Errorf("rules: compile schema: %w", err)
	}

	kept := make([]Rule, 0, len(rules))
	var maxVersion string
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if err := validateAgainstSchema(schema, r); err != nil {
			continue
		}
		if !taxonomyComplete(r.TaxonomyCodes) {
			continue
		}
		if r.MatchRule.URLRegex != "" {
			re, err := regexp.Compile("(?i)" + r.MatchRule.URLRegex)
			if err != nil {
				continue
			}
			r.compiledRegex = re
		}
		kept = append(kept, r)
		if r.RuleVersion > maxVersion {
			maxVersion = r.RuleVersion
		}
	}

	return &Set{rules: kept, version: maxVersion}, nil
}

// LoadYAML parses a YAML document containing a top-level `rules:` list and
// returns a compiled Set.
func LoadYAML(data []byte) (*Set, error) {
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rules: parse yaml: %w", err)
	}
	return NewSet(doc.Rules)
}

// Version returns the rule set's effective rule_version.
func (s *Set) Version() string { return s.version }

func validateAgainstSchema(schema *jsonschema.Schema, r Rule) error {
	// The schema validator only accepts JSON-decoded value types, so string
	// lists are passed as []any (nil becomes an empty array).
	list := func(in []string) []any {
		out := make([]any, len(in))
		for i, s := range in {
			out[i] = s
		}
		return out
	}
	generic := map[string]any{
		"rule_id":      r.RuleID,
		"rule_version": r.RuleVersion,
		"priority":     r.Priority,
		"service_name": r.ServiceName,
		"category":     r.Category,
		"usage_type":   r.UsageType,
		"default_risk": r.DefaultRisk,
		"taxonomy_codes": map[string]any{
			"FS": r.TaxonomyCodes.FS, "IM": r.TaxonomyCodes.IM,
			"UC": list(r.TaxonomyCodes.UC), "DT": list(r.TaxonomyCodes.DT),
			"CH": list(r.TaxonomyCodes.CH), "RS": list(r.TaxonomyCodes.RS),
			"EV": list(r.TaxonomyCodes.EV), "OB": list(r.TaxonomyCodes.OB),
		},
		"match": map[string]any{
			"url_signatures":  list(r.MatchRule.URLSignatures),
			"domain_exact":    list(r.MatchRule.DomainExact),
			"domain_suffixes": list(r.MatchRule.DomainSuffixes),
			"path_prefix":     r.MatchRule.PathPrefix,
			"url_regex":       r.MatchRule.URLRegex,
		},
	}
	return schema.Validate(generic)
}

func taxonomyComplete(t contracts.TaxonomyAssignment) bool {
	if t.FS == "" || t.IM == "" {
		return false
	}
	if len(t.UC) == 0 || len(t.DT) == 0 || len(t.CH) == 0 || len(t.RS) == 0 || len(t.EV) == 0 {
		return false
	}
	return true
}

// tier identifies the match priority class a rule falls into for a
// signature, or 0 if it does not match at all. Ordering (low to high):
// host-only suffix/exact, then host+path suffix/regex/exact combinations,
// then the top-level exact signature match.
type tier int

const (
	tierNone tier = iota
	tierHostSuffix
	tierHostExact
	tierHostSuffixPathRegex
	tierHostSuffixPathPrefix
	tierHostExactPathRegex
	tierHostExactPathPrefix
	tierSignatureExact
)

var tierReason = map[tier]string{
	tierSignatureExact:       "signature_exact",
	tierHostExactPathPrefix:  "host+path_exact",
	tierHostExactPathRegex:   "host+path_regex",
	tierHostSuffixPathPrefix: "host+path_suffix",
	tierHostSuffixPathRegex:  "host+path_regex",
	tierHostExact:            "host_exact",
	tierHostSuffix:           "host_suffix",
}

// Classify matches sig against the rule set, returning the highest-priority
// match or (nil, false) if no rule applies.
func (s *Set) Classify(sig Signature) (*Classification, bool) {
	best := tierNone
	var bestRule *Rule
	var bestReason string

	for i := range s.rules {
		r := &s.rules[i]
		t, reason := matchTier(r, sig)
		if t == tierNone {
			continue
		}
		if t > best {
			best, bestRule, bestReason = t, r, reason
			continue
		}
		if t == best && bestRule != nil {
			if r.Priority < bestRule.Priority ||
				(r.Priority == bestRule.Priority && r.RuleID < bestRule.RuleID) {
				bestRule, bestReason = r, reason
			}
		}
	}

	if bestRule == nil {
		return nil, false
	}

	return &Classification{
		ServiceName:          bestRule.ServiceName,
		Category:             bestRule.Category,
		UsageType:            bestRule.UsageType,
		RiskLevel:            bestRule.DefaultRisk,
		Confidence:           1.0,
		Taxonomy:             normalizeTaxonomy(bestRule.TaxonomyCodes),
		ClassificationSource: contracts.SourceRule,
		MatchReason:          bestReason,
		RuleID:               bestRule.RuleID,
		RuleVersion:          bestRule.RuleVersion,
	}, true
}

func matchTier(r *Rule, sig Signature) (tier, string) {
	for _, us := range r.MatchRule.URLSignatures {
		if us == sig.URLSignature {
			return tierSignatureExact, tierReason[tierSignatureExact]
		}
	}

	hasPathConstraint := r.MatchRule.PathPrefix != "" || r.compiledRegex != nil
	hostExact := containsFold(r.MatchRule.DomainExact, sig.NormHost)
	hostSuffix := !hostExact && matchesAnySuffix(r.MatchRule.DomainSuffixes, sig.NormHost)

	if hostExact || hostSuffix {
		if hasPathConstraint {
			var t tier
			switch {
			case r.MatchRule.PathPrefix != "" && strings.HasPrefix(sig.NormPathTemplate, r.MatchRule.PathPrefix):
				if hostExact {
					t = tierHostExactPathPrefix
				} else {
					t = tierHostSuffixPathPrefix
				}
			case r.compiledRegex != nil && r.compiledRegex.MatchString(sig.NormPathTemplate):
				if hostExact {
					t = tierHostExactPathRegex
				} else {
					t = tierHostSuffixPathRegex
				}
			default:
				return tierNone, ""
			}
			return t, tierReason[t]
		}
		if hostExact {
			return tierHostExact, tierReason[tierHostExact]
		}
		return tierHostSuffix, tierReason[tierHostSuffix]
	}

	return tierNone, ""
}

func containsFold(list []string, v string) bool {
	for _, e := range list {
		if strings.EqualFold(e, v) {
			return true
		}
	}
	return false
}

func matchesAnySuffix(suffixes []string, host string) bool {
	for _, suf := range suffixes {
		suf = strings.ToLower(suf)
		h := strings.ToLower(host)
		if h == suf || strings.HasSuffix(h, "."+suf) {
			return true
		}
	}
	return false
}

func normalizeTaxonomy(t contracts.TaxonomyAssignment) contracts.TaxonomyAssignment {
	return contracts.TaxonomyAssignment{
		FS: t.FS,
		IM: t.IM,
		UC: sortedUnique(t.UC),
		DT: sortedUnique(t.DT),
		CH: sortedUnique(t.CH),
		RS: sortedUnique(t.RS),
		EV: sortedUnique(t.EV),
		OB: sortedUnique(t.OB),
	}
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
