package output

import (
	"io"

	"github.com/olekukonko/tablewriter"
)

// Table accumulates rows for borderless column-aligned rendering.
type Table struct {
	columns []string
	rows    [][]string
}

func NewTable(columns ...string) *Table {
	return &Table{columns: columns}
}

// Append adds one row. Missing trailing cells render empty.
func (t *Table) Append(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *Table) render(w io.Writer) error {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader(t.columns)

	// Borderless, left-aligned layout.
	tw.SetAutoWrapText(false)
	tw.SetAutoFormatHeaders(true)
	tw.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	tw.SetAlignment(tablewriter.ALIGN_LEFT)
	tw.SetCenterSeparator("")
	tw.SetColumnSeparator("")
	tw.SetRowSeparator("")
	tw.SetHeaderLine(false)
	tw.SetBorder(false)
	tw.SetTablePadding("  ")
	tw.SetNoWhiteSpace(true)

	tw.AppendBulk(t.rows)
	tw.Render()
	return nil
}
