package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaliabr/cotador/internal/model"
)

func TestBuild(t *testing.T) {
	req := &model.QuoteRequest{
		ID:           "req-1",
		Code:         "PAT-042",
		InputText:    "notebook dell latitude 5440, bom estado",
		ValorMin:     decimal.RequireFromString("3899.90"),
		ValorMax:     decimal.RequireFromString("4150"),
		ValorAvg:     decimal.RequireFromString("4016.63"),
		VariationPct: 6.41,
	}
	req.Sources = []model.QuoteSource{
		{
			URL:              "https://loja.com.br/p/1",
			Domain:           "loja.com.br",
			PriceValue:       decimal.RequireFromString("3899.90"),
			Currency:         "BRL",
			ExtractionMethod: model.MethodJSONLD,
			ScreenshotFileID: "abc.png",
			CapturedAt:       time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
			IsAccepted:       true,
		},
		{
			URL:              "https://outra.com.br/p/2",
			Domain:           "outra.com.br",
			PriceValue:       decimal.RequireFromString("4150"),
			Currency:         "BRL",
			ExtractionMethod: model.MethodMeta,
			CapturedAt:       time.Date(2026, 8, 25, 12, 5, 0, 0, time.UTC),
			IsAccepted:       true,
		},
	}

	a := Build(req, "Notebook Dell Latitude 5440", "/data/screenshots")
	assert.Equal(t, "req-1", a.RequestID)
	assert.Equal(t, "Notebook Dell Latitude 5440", a.ItemName)
	require.Len(t, a.Sources, 2)
	assert.Equal(t, filepath.Join("/data/screenshots", "abc.png"), a.Sources[0].ScreenshotPath)
	assert.Empty(t, a.Sources[1].ScreenshotPath)
	assert.Equal(t, "3899.9", a.ValorMin)
	assert.Equal(t, 6.41, a.VariationPct)
}

func TestBuild_OnlyAcceptedSources(t *testing.T) {
	req := &model.QuoteRequest{
		ID: "req-1",
		Sources: []model.QuoteSource{
			{URL: "https://loja.com.br/p/1", PriceValue: decimal.NewFromInt(100), IsAccepted: true},
			{URL: "https://outra.com.br/p/2", PriceValue: decimal.NewFromInt(900)},
		},
	}

	a := Build(req, "Notebook", "shots")
	require.Len(t, a.Sources, 1)
	assert.Equal(t, "https://loja.com.br/p/1", a.Sources[0].URL)
}

func TestBuild_ItemNameFallsBackToInput(t *testing.T) {
	req := &model.QuoteRequest{ID: "req-1", InputText: "cadeira giratoria"}
	a := Build(req, "", "shots")
	assert.Equal(t, "cadeira giratoria", a.ItemName)
}

func TestWrite(t *testing.T) {
	dir := t.TempDir()
	a := &Artifact{RequestID: "req-1", ItemName: "mesa de escritorio"}

	name, err := Write(dir, a)
	require.NoError(t, err)
	assert.Equal(t, "req-1.json", name)

	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)

	var got Artifact
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "mesa de escritorio", got.ItemName)
}
