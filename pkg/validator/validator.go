// Package validator implements C10: bundle validation. It first tries to
// invoke an external, PATH-resolved Standard validator binary and trusts the
// result it prints as a JSON envelope; when no such binary is on PATH, or its
// output is not that envelope, it falls back to in-process checks — schema validation, taxonomy cardinality
// and dictionary membership, and evidence file existence — modeled on the
// structural-check style of an offline bundle verifier: each check is
// independent, reports pass/fail plus a reason, and a missing optional
// artifact is "not applicable", not a failure.
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/aimo-labs/evidence-engine/pkg/contracts"
	"github.com/aimo-labs/evidence-engine/pkg/evidence"
	"github.com/aimo-labs/evidence-engine/pkg/standard"
)

// ValidatorBinaryEnv names the environment variable carrying the official
// validator's binary name or path; when unset, "aimo-validate" is resolved
// against PATH.
const ValidatorBinaryEnv = "AIMO_VALIDATOR_BIN"

const defaultValidatorBin = "aimo-validate"

// CheckResult is one independent validation check's outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ValidationResult is validation_result.json's shape.
type ValidationResult struct {
	ValidationTime     time.Time     `json:"validation_time"`
	Passed             bool          `json:"passed"`
	Status             string        `json:"status"`
	AimoStandardVersion string       `json:"aimo_standard_version"`
	Errors             []string      `json:"errors"`
	ErrorCount         int           `json:"error_count"`
	Checks             []CheckResult `json:"checks,omitempty"`
	Source             string        `json:"source"`
}

// Status values for ValidationResult.Status.
const (
	StatusPass    = "pass"
	StatusFail    = "fail"
	StatusWarning = "warning"
)

// Input bundles everything a validation pass needs.
type Input struct {
	BundleRoot      string
	StandardVersion string
	Schemas         *standard.SchemaSet
	Taxonomy        *standard.Taxonomy
}

// Validate runs the official validator if one is resolvable on PATH (or
// named by AIMO_VALIDATOR_BIN), trusting its result whenever it prints the
// expected JSON envelope; a non-zero exit with an envelope is reported as a
// failed result. When no binary resolves, or its output is not that
// envelope, it falls back to in-process checks and that path's result is
// authoritative instead.
func Validate(ctx context.Context, in Input) (ValidationResult, error) {
	if res, ok, err := runExternalValidator(ctx, in); ok {
		if err != nil {
			return ValidationResult{}, err
		}
		return res, nil
	}
	return runFallbackChecks(in), nil
}

// externalResultEnvelope is the JSON an external validator binary is
// expected to print to stdout: a subset of ValidationResult's fields plus
// enough detail to translate into the full shape.
type externalResultEnvelope struct {
	Passed  bool     `json:"passed"`
	Errors  []string `json:"errors"`
	Version string   `json:"aimo_standard_version"`
}

func runExternalValidator(ctx context.Context, in Input) (ValidationResult, bool, error) {
	binName := os.Getenv(ValidatorBinaryEnv)
	if binName == "" {
		binName = defaultValidatorBin
	}
	binPath, err := exec.LookPath(binName)
	if err != nil {
		return ValidationResult{}, false, nil
	}

	cmd := exec.CommandContext(ctx, binPath, "--bundle", in.BundleRoot)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	var envelope externalResultEnvelope
	if jsonErr := json.Unmarshal(stdout.Bytes(), &envelope); jsonErr != nil {
		// The binary ran but didn't speak the expected envelope: treat this
		// as "no usable external validator" rather than a hard failure, so
		// a merely non-conformant CLI on PATH doesn't block a run.
		return ValidationResult{}, false, nil
	}
	if runErr != nil && len(envelope.Errors) == 0 {
		envelope.Errors = []string{runErr.Error()}
		envelope.Passed = false
	}

	status := StatusPass
	if !envelope.Passed {
		status = StatusFail
	}
	version := envelope.Version
	if version == "" {
		version = in.StandardVersion
	}
	return ValidationResult{
		ValidationTime:      time.Now().UTC(),
		Passed:              envelope.Passed,
		Status:              status,
		AimoStandardVersion: version,
		Errors:              envelope.Errors,
		ErrorCount:          len(envelope.Errors),
		Source:              "external:" + binName,
	}, true, nil
}

func runFallbackChecks(in Input) ValidationResult {
	var checks []CheckResult
	checks = append(checks, checkManifestSchema(in)...)
	checks = append(checks, checkTaxonomy(in)...)
	checks = append(checks, checkEvidenceFiles(in)...)

	var errs []string
	warningOnly := true
	for _, c := range checks {
		if !c.Pass {
			reason := c.Reason
			if reason == "" {
				reason = c.Name
			}
			errs = append(errs, fmt.Sprintf("%s: %s", c.Name, reason))
			if c.Reason != "schema_warning" {
				warningOnly = false
			}
		}
	}

	status := StatusPass
	passed := true
	if len(errs) > 0 {
		passed = false
		if warningOnly {
			status = StatusWarning
		} else {
			status = StatusFail
		}
	}

	return ValidationResult{
		ValidationTime:      time.Now().UTC(),
		Passed:              passed,
		Status:              status,
		AimoStandardVersion: in.StandardVersion,
		Errors:              errs,
		ErrorCount:          len(errs),
		Checks:              checks,
		Source:              "fallback",
	}
}

func checkManifestSchema(in Input) []CheckResult {
	path := filepath.Join(in.BundleRoot, evidence.EvidencePackManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return []CheckResult{{Name: "manifest_schema", Pass: false, Reason: fmt.Sprintf("cannot read manifest: %v", err)}}
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return []CheckResult{{Name: "manifest_schema", Pass: false, Reason: fmt.Sprintf("invalid manifest json: %v", err)}}
	}
	if in.Schemas == nil {
		return []CheckResult{{Name: "manifest_schema", Pass: true, Detail: "no schema set loaded, structural parse only", Reason: "schema_warning"}}
	}
	if err := in.Schemas.Validate("evidence_pack_manifest", doc); err != nil {
		return []CheckResult{{Name: "manifest_schema", Pass: false, Reason: err.Error()}}
	}
	return []CheckResult{{Name: "manifest_schema", Pass: true, Detail: "manifest conforms to schema"}}
}

func checkTaxonomy(in Input) []CheckResult {
	path := filepath.Join(in.BundleRoot, evidence.TaxonomyAssignmentsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return []CheckResult{{Name: "taxonomy_assignments", Pass: false, Reason: fmt.Sprintf("cannot read taxonomy assignments: %v", err)}}
	}
	var records []evidence.TaxonomyAssignmentRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return []CheckResult{{Name: "taxonomy_assignments", Pass: false, Reason: fmt.Sprintf("invalid taxonomy assignments json: %v", err)}}
	}

	var results []CheckResult
	badCodes := make(map[string]bool)
	for _, rec := range records {
		if err := rec.Taxonomy.Validate(); err != nil {
			results = append(results, CheckResult{
				Name: "taxonomy_cardinality:" + rec.URLSignature, Pass: false, Reason: err.Error(),
			})
			continue
		}
		if in.Taxonomy != nil {
			for _, code := range allCodes(rec.Taxonomy) {
				dim := dimensionOf(code)
				if dim != "" && !in.Taxonomy.IsValidCode(dim, code) {
					badCodes[code] = true
				}
			}
		}
	}
	if len(badCodes) > 0 {
		var codes []string
		for c := range badCodes {
			codes = append(codes, c)
		}
		sort.Strings(codes)
		results = append(results, CheckResult{
			Name: "taxonomy_membership", Pass: false,
			Reason: fmt.Sprintf("codes not in active dictionary: %v", codes),
		})
	}
	if len(results) == 0 {
		results = append(results, CheckResult{Name: "taxonomy", Pass: true, Detail: fmt.Sprintf("%d assignments valid", len(records))})
	}
	return results
}

func allCodes(t contracts.TaxonomyAssignment) []string {
	var out []string
	if t.FS != "" {
		out = append(out, t.FS)
	}
	if t.IM != "" {
		out = append(out, t.IM)
	}
	out = append(out, t.UC...)
	out = append(out, t.DT...)
	out = append(out, t.CH...)
	out = append(out, t.RS...)
	out = append(out, t.EV...)
	out = append(out, t.OB...)
	return out
}

func dimensionOf(code string) string {
	if len(code) < 2 {
		return ""
	}
	return code[:2]
}

func checkEvidenceFiles(in Input) []CheckResult {
	path := filepath.Join(in.BundleRoot, evidence.EvidencePackManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return []CheckResult{{Name: "evidence_files", Pass: false, Reason: fmt.Sprintf("cannot read manifest: %v", err)}}
	}
	var manifest evidence.EvidencePackManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return []CheckResult{{Name: "evidence_files", Pass: false, Reason: fmt.Sprintf("invalid manifest json: %v", err)}}
	}

	var results []CheckResult
	for _, ref := range manifest.EvidenceFiles {
		full := filepath.Join(in.BundleRoot, ref.Filename)
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			results = append(results, CheckResult{
				Name: "file:" + ref.Filename, Pass: false, Reason: "missing or not a regular file",
			})
			continue
		}
		results = append(results, CheckResult{Name: "file:" + ref.Filename, Pass: true, Detail: "present"})
	}
	return results
}
