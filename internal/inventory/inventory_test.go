package inventory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func writeFixture(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Inventario")
	require.NoError(t, err)
	for _, cells := range rows {
		row := sheet.AddRow()
		for _, c := range cells {
			row.AddCell().SetString(c)
		}
	}
	path := filepath.Join(t.TempDir(), "inventario.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX(t *testing.T) {
	path := writeFixture(t, [][]string{
		{"Tombamento", "Descrição"},
		{"PAT-001", "Notebook Dell Latitude 5440"},
		{"PAT-002", "  Cadeira giratória presidente  "},
		{"PAT-003", ""}, // no description, skipped
		{"PAT-004", "Mesa de escritório 1,60m"},
	})

	items, err := ReadXLSX(path, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, Item{Code: "PAT-001", Description: "Notebook Dell Latitude 5440"}, items[0])
	assert.Equal(t, "Cadeira giratória presidente", items[1].Description)
	assert.Equal(t, "PAT-004", items[2].Code)
}

func TestReadXLSX_SheetByName(t *testing.T) {
	path := writeFixture(t, [][]string{
		{"Tombamento", "Descrição"},
		{"PAT-001", "Projetor Epson X49"},
	})

	opts := DefaultOptions()
	opts.SheetName = "Inventario"
	items, err := ReadXLSX(path, opts)
	require.NoError(t, err)
	require.Len(t, items, 1)

	opts.SheetName = "Outra"
	_, err = ReadXLSX(path, opts)
	assert.Error(t, err)
}

func TestReadXLSX_MissingFile(t *testing.T) {
	_, err := ReadXLSX(filepath.Join(t.TempDir(), "nope.xlsx"), DefaultOptions())
	assert.Error(t, err)
}
