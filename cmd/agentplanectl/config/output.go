package config

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// OutputFormat names a rendering mode selected by the --output flag.
type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// Outputter renders command results in the format chosen by --output.
// Structured formats encode the API views directly; each command lays
// out its own table columns via PrintTable.
type Outputter struct {
	format OutputFormat
	writer io.Writer
}

// NewOutputter returns an Outputter for the named format writing to w.
func NewOutputter(format string, w io.Writer) *Outputter {
	return &Outputter{format: OutputFormat(format), writer: w}
}

// OutputterFrom builds an Outputter from cmd's --output flag, writing to
// the command's output stream.
func OutputterFrom(cmd *cobra.Command) *Outputter {
	format, _ := cmd.Flags().GetString("output")
	return NewOutputter(format, cmd.OutOrStdout())
}

// Tabular reports whether the command should render its own table
// instead of calling Print.
func (o *Outputter) Tabular() bool {
	return o.format == OutputTable
}

// Writer exposes the destination stream for commands that print
// supplementary lines around their tables.
func (o *Outputter) Writer() io.Writer {
	return o.writer
}

// Print encodes data as JSON or YAML. Table rendering goes through
// PrintTable.
func (o *Outputter) Print(data any) error {
	switch o.format {
	case OutputJSON:
		enc := json.NewEncoder(o.writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputYAML:
		enc := yaml.NewEncoder(o.writer)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	case OutputTable:
		return fmt.Errorf("table output is rendered per command, not encoded")
	default:
		return fmt.Errorf("unknown output format: %s", o.format)
	}
}

// PrintTable renders rows under headers as an aligned table.
func (o *Outputter) PrintTable(headers []string, rows [][]string) {
	table := tablewriter.NewWriter(o.writer)

	cells := make([]any, len(headers))
	for i, h := range headers {
		cells[i] = h
	}
	table.Header(cells...)

	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}
