package ingest

// Mapping drives, per vendor, which raw field names feed each canonical
// slot. Each candidate list is tried in order; the first non-empty value
// wins. Candidates are not type-checked during selection: a non-empty value
// that later fails to parse (for example a non-numeric byte count) is not
// passed over in favor of a later candidate.
type Mapping struct {
	Vendor string

	TimestampFields  []string
	BytesSentFields  []string
	BytesRecvFields  []string
	URLFields        []string
	UserIDFields      []string
	UserDeptFields    []string
	DeviceIDFields    []string
	SrcIPFields       []string
	ActionFields      []string
	HTTPMethodFields  []string
	StatusCodeFields  []string
	AppCategoryFields []string
	AppNameFields     []string
	ContentTypeFields []string
	UserAgentFields   []string
	RawEventIDFields  []string

	// ActionMap translates a vendor's raw (lower-cased) action token to the
	// canonical {allow, deny, other} vocabulary. Tokens it does not list are
	// tried against the built-in allow/deny synonyms, then fall back to
	// DefaultAction, and to "other" when DefaultAction is empty.
	ActionMap     map[string]string
	DefaultAction string

	// PIIFieldPatternNames holds regex sources (compiled by the caller) whose
	// matching path segments are masked by the URL normalizer; kept here so
	// a vendor mapping can travel with its PII policy.
	PIIFieldPatternNames []string
}

func firstNonEmpty(row map[string]string, fields []string) (string, bool) {
	for _, f := range fields {
		if v, ok := row[f]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}
