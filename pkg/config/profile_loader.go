package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aimo-labs/evidence-engine/pkg/ingest"
)

// vendorMappingDoc is the YAML shape of a profiles/mapping_<vendor>.yaml
// file; it decodes directly into an ingest.Mapping.
type vendorMappingDoc struct {
	Vendor            string            `yaml:"vendor"`
	TimestampFields   []string          `yaml:"timestamp_fields"`
	BytesSentFields   []string          `yaml:"bytes_sent_fields"`
	BytesRecvFields   []string          `yaml:"bytes_recv_fields"`
	URLFields         []string          `yaml:"url_fields"`
	UserIDFields      []string          `yaml:"user_id_fields"`
	UserDeptFields    []string          `yaml:"user_dept_fields"`
	DeviceIDFields    []string          `yaml:"device_id_fields"`
	SrcIPFields       []string          `yaml:"src_ip_fields"`
	ActionFields      []string          `yaml:"action_fields"`
	HTTPMethodFields  []string          `yaml:"http_method_fields"`
	StatusCodeFields  []string          `yaml:"status_code_fields"`
	AppCategoryFields []string          `yaml:"app_category_fields"`
	AppNameFields     []string          `yaml:"app_name_fields"`
	ContentTypeFields []string          `yaml:"content_type_fields"`
	UserAgentFields   []string          `yaml:"user_agent_fields"`
	RawEventIDFields  []string          `yaml:"raw_event_id_fields"`
	ActionMap         map[string]string `yaml:"action_map"`
	DefaultAction     string            `yaml:"default_action"`
	PIIFieldPatterns  []string          `yaml:"pii_field_patterns"`
}

func (d vendorMappingDoc) toMapping(fallbackVendor string) ingest.Mapping {
	vendor := d.Vendor
	if vendor == "" {
		vendor = fallbackVendor
	}
	return ingest.Mapping{
		Vendor:               vendor,
		TimestampFields:      d.TimestampFields,
		BytesSentFields:      d.BytesSentFields,
		BytesRecvFields:      d.BytesRecvFields,
		URLFields:            d.URLFields,
		UserIDFields:         d.UserIDFields,
		UserDeptFields:       d.UserDeptFields,
		DeviceIDFields:       d.DeviceIDFields,
		SrcIPFields:          d.SrcIPFields,
		ActionFields:         d.ActionFields,
		HTTPMethodFields:     d.HTTPMethodFields,
		StatusCodeFields:     d.StatusCodeFields,
		AppCategoryFields:    d.AppCategoryFields,
		AppNameFields:        d.AppNameFields,
		ContentTypeFields:    d.ContentTypeFields,
		UserAgentFields:      d.UserAgentFields,
		RawEventIDFields:     d.RawEventIDFields,
		ActionMap:            d.ActionMap,
		DefaultAction:        d.DefaultAction,
		PIIFieldPatternNames: d.PIIFieldPatterns,
	}
}

// LoadVendorMapping loads profiles/mapping_<vendor>.yaml by vendor name.
func LoadVendorMapping(profilesDir, vendor string) (ingest.Mapping, error) {
	vendor = strings.ToLower(vendor)
	path := filepath.Join(profilesDir, fmt.Sprintf("mapping_%s.yaml", vendor))

	data, err := os.ReadFile(path)
	if err != nil {
		return ingest.Mapping{}, fmt.Errorf("config: load vendor mapping %q: %w", vendor, err)
	}

	var doc vendorMappingDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ingest.Mapping{}, fmt.Errorf("config: parse vendor mapping %q: %w", vendor, err)
	}
	return doc.toMapping(vendor), nil
}

// LoadAllVendorMappings loads every profiles/mapping_*.yaml file, keyed by
// vendor name.
func LoadAllVendorMappings(profilesDir string) (map[string]ingest.Mapping, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "mapping_*.yaml"))
	if err != nil {
		return nil, err
	}

	mappings := make(map[string]ingest.Mapping, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		var doc vendorMappingDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		base := filepath.Base(path)
		fallback := strings.TrimSuffix(strings.TrimPrefix(base, "mapping_"), ".yaml")
		mapping := doc.toMapping(fallback)
		mappings[mapping.Vendor] = mapping
	}
	return mappings, nil
}

// ProviderPricing is one LLM provider's per-token cost, read from
// profiles/llm_pricing.yaml.
type ProviderPricing struct {
	Provider         string  `yaml:"provider"`
	Model            string  `yaml:"model"`
	InputPricePer1K  float64 `yaml:"input_price_per_1k"`
	OutputPricePer1K float64 `yaml:"output_price_per_1k"`
}

type llmPricingDoc struct {
	Providers []ProviderPricing `yaml:"providers"`
}

// LoadLLMPricingTable loads profiles/llm_pricing.yaml into a map keyed by
// provider name.
func LoadLLMPricingTable(profilesDir string) (map[string]ProviderPricing, error) {
	path := filepath.Join(profilesDir, "llm_pricing.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load llm pricing table: %w", err)
	}

	var doc llmPricingDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse llm pricing table: %w", err)
	}

	out := make(map[string]ProviderPricing, len(doc.Providers))
	for _, p := range doc.Providers {
		out[p.Provider] = p
	}
	return out, nil
}
