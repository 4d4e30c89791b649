// Package report renders vulnerability summaries and application reports as a table, CSV or JSON.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/defenseunicorns/uds-vuln-hub/internal/data/model"
	"github.com/defenseunicorns/uds-vuln-hub/pkg/severity"
)

// Format is an output format.
type Format string

const (
	FormatTable Format = "table"
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
)

// Formats lists the supported formats.
var Formats = []Format{FormatTable, FormatCSV, FormatJSON}

// ParseFormat returns the Format named s.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

type tabular struct {
	header []string
	rows   [][]string
}

// WriteSummaries writes category summaries in format f.
func WriteSummaries(w io.Writer, f Format, summaries []model.CategorySummary) error {
	if f == FormatJSON {
		return writeJSON(w, summaries)
	}
	t := tabular{header: []string{"CWE", "Name", "Severity", "CVSS", "Tools", "Instances", "Open For", "Tickets", "Potential FP"}}
	for _, s := range summaries {
		t.rows = append(t.rows, []string{
			strconv.Itoa(s.CWE),
			s.Name,
			severity.Level(s.Severity).String(),
			strconv.FormatFloat(s.CVSS, 'f', 1, 64),
			strconv.Itoa(s.ToolCount),
			strconv.Itoa(s.Instances),
			fmt.Sprintf("%dd", s.OpenFor),
			strings.Join(s.TicketKeys, " "),
			strconv.FormatBool(s.PotentialFalsePositive),
		})
	}
	return write(w, f, t)
}

// WriteReports writes application reports in format f.
func WriteReports(w io.Writer, f Format, reports []model.Report) error {
	if f == FormatJSON {
		return writeJSON(w, reports)
	}
	t := tabular{header: []string{"Application", "High", "Medium", "Low", "Info", "Total", "Grade", "Created"}}
	for _, r := range reports {
		t.rows = append(t.rows, []string{
			r.ApplicationName,
			strconv.Itoa(r.High),
			strconv.Itoa(r.Medium),
			strconv.Itoa(r.Low),
			strconv.Itoa(r.Info),
			strconv.Itoa(r.Total),
			strconv.Itoa(r.Grade),
			r.CreatedAt.UTC().Format("2006-01-02 15:04"),
		})
	}
	return write(w, f, t)
}

func write(w io.Writer, f Format, t tabular) error {
	switch f {
	case FormatCSV:
		return writeCSV(w, t)
	case FormatTable:
		writeTable(w, t)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", f)
	}
}

func writeCSV(w io.Writer, t tabular) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(t.header); err != nil {
		return fmt.Errorf("error writing csv header: %w", err)
	}
	for _, row := range t.rows {
		if err := csvWriter.Write(row); err != nil {
			return fmt.Errorf("error writing csv record: %w", err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("error flushing csv: %w", err)
	}
	return nil
}

func writeTable(w io.Writer, t tabular) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(t.header)
	table.SetHeaderLine(true)
	table.SetBorder(true)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.AppendBulk(t.rows)
	table.Render()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("error writing json: %w", err)
	}
	return nil
}
