// Package inventory reads asset inventory spreadsheets into quotable items.
package inventory

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Item is one inventory row: the asset code and its free-form description.
type Item struct {
	Code        string
	Description string
}

// Options configures the spreadsheet parser.
type Options struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
	SkipRows   int    // header rows to skip, default 1
	CodeCol    int    // column holding the asset code, default 0
	DescCol    int    // column holding the description, default 1
}

// DefaultOptions matches the common inventory layout: one header row,
// code in column A, description in column B.
func DefaultOptions() Options {
	return Options{SkipRows: 1, CodeCol: 0, DescCol: 1}
}

// ReadXLSX reads an inventory file and returns its items. Rows with an
// empty description are skipped.
func ReadXLSX(path string, opts Options) ([]Item, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "inventory: open file")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}

	var items []Item
	for i, row := range sheet.Rows {
		if i < opts.SkipRows {
			continue
		}
		item := Item{
			Code:        cellAt(row, opts.CodeCol),
			Description: cellAt(row, opts.DescCol),
		}
		if item.Description == "" {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func getSheet(f *xlsx.File, opts Options) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("inventory: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}
	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("inventory: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

func cellAt(row *xlsx.Row, col int) string {
	if col < 0 || col >= len(row.Cells) {
		return ""
	}
	return strings.TrimSpace(row.Cells[col].String())
}
