package agentloop

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ReportStatus is the terminal outcome of a run.
type ReportStatus string

const (
	ReportSuccess         ReportStatus = "SUCCESS"
	ReportFailed          ReportStatus = "FAILED"
	ReportPendingApproval ReportStatus = "PENDING_APPROVAL"
)

// Report is the structured result of a completed run.
type Report struct {
	Status       ReportStatus `json:"status"`
	Summary      string       `json:"summary"`
	ChangedFiles []string     `json:"changed_files"`
	TestResults  string       `json:"test_results"`
	// Downgraded is set when a SUCCESS answer was rewritten to FAILED
	// because the requested file change never happened.
	Downgraded bool `json:"downgraded,omitempty"`
}

// clone copies r. ChangedFiles is never nil in the copy so it encodes as [].
func (r Report) clone() Report {
	out := r
	out.ChangedFiles = make([]string, len(r.ChangedFiles))
	copy(out.ChangedFiles, r.ChangedFiles)
	return out
}

// ReportSchemaDefinition returns the JSON Schema the model's report must satisfy.
func ReportSchemaDefinition() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"status": map[string]interface{}{
				"type": "string",
				"enum": []string{string(ReportSuccess), string(ReportFailed), string(ReportPendingApproval)},
			},
			"summary": map[string]interface{}{
				"type":        "string",
				"description": "Overall summary of the analysis and the changes made.",
			},
			"changed_files": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Files that were modified.",
			},
			"test_results": map[string]interface{}{
				"type":        "string",
				"description": "Outcome of tests or checks that were run.",
			},
		},
		"required": []string{"status", "summary", "changed_files", "test_results"},
	}
}

// NewReportSchema compiles the report schema for structured-mode calls.
func NewReportSchema() (*OutputSchema, error) {
	return NewOutputSchema("report", ReportSchemaDefinition())
}

// reportInstruction is appended to the report request only; it is never
// recorded in the conversation.
func reportInstruction(shortfall bool, language string) string {
	var sb strings.Builder
	sb.WriteString("Write the final report based on all of the work done so far.")
	if shortfall {
		sb.WriteString(" The user asked for files to be created or changed, but no file-modifying tool was used. " +
			"The status must not be SUCCESS.")
	}
	if language != "" {
		fmt.Fprintf(&sb, " Write the report in %s.", language)
	}
	return sb.String()
}

// decodeReport turns a schema-validated object into a Report and applies
// the shortfall rule.
func decodeReport(obj json.RawMessage, shortfall bool) (*Report, error) {
	var r Report
	if err := json.Unmarshal(obj, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if r.ChangedFiles == nil {
		r.ChangedFiles = []string{}
	}
	if shortfall && r.Status == ReportSuccess {
		r.Status = ReportFailed
		r.Downgraded = true
	}
	return &r, nil
}
