// Package output renders CLI command results as tables, JSON or YAML.
package output

import (
	"fmt"
	"io"
	"strings"
)

// Format selects how a command renders its result.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat resolves the --output flag value. An empty value means table.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "table":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown output format %q, expected table, json or yaml", s)
	}
}

func (f Format) String() string {
	return string(f)
}

// Printer renders values to a writer in one configured format.
type Printer struct {
	out    io.Writer
	format Format
}

func NewPrinter(out io.Writer, format Format) *Printer {
	return &Printer{out: out, format: format}
}

// Format returns the configured output format.
func (p *Printer) Format() Format {
	return p.format
}

// Print renders v. In table format v must be a *Table; anything else is
// rendered as JSON so structured values still come out readable.
func (p *Printer) Print(v any) error {
	switch p.format {
	case FormatTable:
		if table, ok := v.(*Table); ok {
			return table.render(p.out)
		}
		return encodeJSON(p.out, v)
	case FormatJSON:
		return encodeJSON(p.out, v)
	case FormatYAML:
		return encodeYAML(p.out, v)
	default:
		return fmt.Errorf("unknown output format %q", p.format)
	}
}
