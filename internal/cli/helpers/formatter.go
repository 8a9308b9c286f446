package helpers

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// OutputFormat represents the desired output format.
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// DefaultFormats are the formats every result command supports.
var DefaultFormats = []OutputFormat{FormatTable, FormatJSON, FormatYAML}

// Tabular is implemented by results that render as a table.
type Tabular interface {
	Header() []string
	Rows() [][]string
}

// Footer is implemented by tabular results that print a summary after the table.
type Footer interface {
	Footer() []string
}

// Render writes v to w in format. Table output requires v to implement Tabular.
func Render(w io.Writer, format OutputFormat, v any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable:
		t, ok := v.(Tabular)
		if !ok {
			return fmt.Errorf("%T cannot be rendered as a table", v)
		}
		RenderTable(w, t.Header(), t.Rows())
		if f, ok := v.(Footer); ok {
			for _, line := range f.Footer() {
				if _, err := fmt.Fprintln(w, line); err != nil {
					return err
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// RenderTable prints rows under header. Nothing is printed for no rows.
func RenderTable(w io.Writer, header []string, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk(rows)
	table.Render()
}
