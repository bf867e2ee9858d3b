package report

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Report is one vulnerability finding submitted for triage.
type Report struct {
	ID                       string `json:"id"`
	VulnerabilityDescription string `json:"vulnerability_description"`
	CodeEntryPoint           string `json:"code_entry_point"`
	AssociatedCode           string `json:"associated_code"`
}

// Validate reports missing required fields.
func (r Report) Validate() error {
	var missing []string
	if strings.TrimSpace(r.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(r.VulnerabilityDescription) == "" {
		missing = append(missing, "vulnerability_description")
	}
	if strings.TrimSpace(r.CodeEntryPoint) == "" {
		missing = append(missing, "code_entry_point")
	}
	if strings.TrimSpace(r.AssociatedCode) == "" {
		missing = append(missing, "associated_code")
	}
	if len(missing) > 0 {
		return fmt.Errorf("report %q is missing %s", r.ID, strings.Join(missing, ", "))
	}
	return nil
}

// Payload renders the report the way it is handed to the oracle.
func (r Report) Payload() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Vulnerability description: %s\n", r.VulnerabilityDescription)
	fmt.Fprintf(&b, "Code entry point: %s\n", r.CodeEntryPoint)
	fmt.Fprintf(&b, "Associated code:\n%s\n", r.AssociatedCode)
	return b.String()
}

// Canonical is the stable byte form used for hashing: fixed field order and
// surrounding whitespace trimmed, so reformatting a CSV does not change it.
func (r Report) Canonical() []byte {
	c := Report{
		ID:                       strings.TrimSpace(r.ID),
		VulnerabilityDescription: strings.TrimSpace(r.VulnerabilityDescription),
		CodeEntryPoint:           strings.TrimSpace(r.CodeEntryPoint),
		AssociatedCode:           strings.TrimSpace(r.AssociatedCode),
	}
	// Marshal of a flat struct of strings cannot fail.
	out, _ := json.Marshal(c)
	return out
}

var columnAliases = map[string]string{
	"id":                        "id",
	"report_id":                 "id",
	"vulnerability_description": "vulnerability_description",
	"vulnerability_result":      "vulnerability_description",
	"code_entry_point":          "code_entry_point",
	"code_entry":                "code_entry_point",
	"associated_code":           "associated_code",
}

// RowError describes a row that parsed but failed validation.
type RowError struct {
	Row    int // 1-based, header excluded
	Report Report
	Err    error
}

func (e *RowError) Error() string { return fmt.Sprintf("row %d: %v", e.Row, e.Err) }

func (e *RowError) Unwrap() error { return e.Err }

// LoadCSV reads reports from a CSV file with a header row.
func LoadCSV(path string) ([]Report, []*RowError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open reports: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV parses reports from r. Columns are matched by header name; rows
// without an id column get "row-<n>" (1-based, header excluded).
//
// A row that fails validation does not stop the load: it is still returned
// in order and also listed as a RowError, so each report can fail on its own.
// Only an unreadable file or header is an error.
func ReadCSV(r io.Reader) ([]Report, []*RowError, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, errors.New("reports csv is empty")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	cols := make(map[string]int)
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if canon, ok := columnAliases[name]; ok {
			if _, dup := cols[canon]; !dup {
				cols[canon] = i
			}
		}
	}
	for _, required := range []string{"vulnerability_description", "code_entry_point", "associated_code"} {
		if _, ok := cols[required]; !ok {
			return nil, nil, fmt.Errorf("reports csv has no %s column", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var (
		reports []Report
		invalid []*RowError
	)
	for n := 1; ; n++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row %d: %w", n, err)
		}
		rep := Report{
			ID:                       strings.TrimSpace(field(row, "id")),
			VulnerabilityDescription: field(row, "vulnerability_description"),
			CodeEntryPoint:           field(row, "code_entry_point"),
			AssociatedCode:           field(row, "associated_code"),
		}
		if rep.ID == "" {
			rep.ID = "row-" + strconv.Itoa(n)
		}
		if err := rep.Validate(); err != nil {
			invalid = append(invalid, &RowError{Row: n, Report: rep, Err: err})
		}
		reports = append(reports, rep)
	}
	return reports, invalid, nil
}
