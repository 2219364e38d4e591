// Package report assembles the quotation artifact consumed by the PDF
// builder downstream.
package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"

	"github.com/avaliabr/cotador/internal/model"
)

// SourceEntry is one accepted observation as it appears in the artifact.
type SourceEntry struct {
	URL              string `json:"url"`
	Domain           string `json:"domain"`
	PageTitle        string `json:"page_title,omitempty"`
	Price            string `json:"price"`
	Currency         string `json:"currency"`
	ExtractionMethod string `json:"extraction_method"`
	ScreenshotPath   string `json:"screenshot_path,omitempty"`
	CapturedAt       string `json:"captured_at"`
}

// Artifact is the full payload handed to the PDF builder: item identity,
// accepted sources with evidence, and the price aggregates.
type Artifact struct {
	RequestID    string        `json:"request_id"`
	Code         string        `json:"code,omitempty"`
	ItemName     string        `json:"item_name"`
	InputText    string        `json:"input_text,omitempty"`
	Location     string        `json:"location,omitempty"`
	Sources      []SourceEntry `json:"sources"`
	ValorMin     string        `json:"valor_min"`
	ValorMax     string        `json:"valor_max"`
	ValorAvg     string        `json:"valor_avg"`
	VariationPct float64       `json:"variation_pct"`
	GeneratedAt  time.Time     `json:"generated_at"`
}

// Build assembles the artifact from a finalized request. Only accepted
// observations appear in the payload. itemName is the normalized asset name
// from the analysis; when empty the raw input stands in.
func Build(req *model.QuoteRequest, itemName, screenshotDir string) *Artifact {
	if itemName == "" {
		itemName = req.InputText
	}

	sources := req.AcceptedSources()
	entries := make([]SourceEntry, 0, len(sources))
	for _, s := range sources {
		entry := SourceEntry{
			URL:              s.URL,
			Domain:           s.Domain,
			PageTitle:        s.PageTitle,
			Price:            s.PriceValue.String(),
			Currency:         s.Currency,
			ExtractionMethod: string(s.ExtractionMethod),
			CapturedAt:       s.CapturedAt.UTC().Format(time.RFC3339),
		}
		if s.ScreenshotFileID != "" {
			entry.ScreenshotPath = filepath.Join(screenshotDir, s.ScreenshotFileID)
		}
		entries = append(entries, entry)
	}

	return &Artifact{
		RequestID:    req.ID,
		Code:         req.Code,
		ItemName:     itemName,
		InputText:    req.InputText,
		Location:     req.Params.Location,
		Sources:      entries,
		ValorMin:     req.ValorMin.String(),
		ValorMax:     req.ValorMax.String(),
		ValorAvg:     req.ValorAvg.String(),
		VariationPct: req.VariationPct,
		GeneratedAt:  time.Now().UTC(),
	}
}

// Write stores the artifact as <request-id>.json under dir and returns the
// file name.
func Write(dir string, a *Artifact) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrap(err, "report: create artifact dir")
	}

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "report: marshal artifact")
	}

	name := a.RequestID + ".json"
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return "", eris.Wrap(err, "report: write artifact")
	}
	return name, nil
}
