// Package analyzer turns free-form asset descriptions into structured
// search queries using the Anthropic API.
package analyzer

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/avaliabr/cotador/pkg/fipe"
)

// Natureza classifies the asset being quoted.
type Natureza string

const (
	NaturezaProduct    Natureza = "produto"
	NaturezaCar        Natureza = "veiculo_carro"
	NaturezaMotorcycle Natureza = "veiculo_moto"
	NaturezaTruck      Natureza = "veiculo_caminhao"
)

// IsVehicle reports whether the asset should be priced against the FIPE
// table instead of shopping search.
func (n Natureza) IsVehicle() bool {
	switch n {
	case NaturezaCar, NaturezaMotorcycle, NaturezaTruck:
		return true
	}
	return false
}

// VehicleType maps a vehicle natureza to its FIPE table.
func (n Natureza) VehicleType() (fipe.VehicleType, bool) {
	switch n {
	case NaturezaCar:
		return fipe.VehicleCar, true
	case NaturezaMotorcycle:
		return fipe.VehicleMotorcycle, true
	case NaturezaTruck:
		return fipe.VehicleTruck, true
	}
	return "", false
}

// VehicleInfo identifies a vehicle for FIPE lookup.
type VehicleInfo struct {
	Brand string `json:"marca"`
	Model string `json:"modelo"`
	Year  string `json:"ano"`
}

// Analysis is the structured interpretation of an asset description.
type Analysis struct {
	QueryString    string       `json:"query_string"`
	Natureza       Natureza     `json:"natureza"`
	BemPatrimonial string       `json:"bem_patrimonial"`
	Vehicle        *VehicleInfo `json:"veiculo,omitempty"`

	// Raw holds the model's unparsed JSON output for persistence.
	Raw json.RawMessage `json:"-"`
}

// Analyzer produces an Analysis for an asset description.
type Analyzer interface {
	Analyze(ctx context.Context, description string) (*Analysis, error)
}

const systemPrompt = `Você analisa descrições de bens patrimoniais do setor público brasileiro para pesquisa de preços de mercado.

Dada a descrição de um bem, responda APENAS com um objeto JSON, sem texto adicional, no formato:
{
  "query_string": "<termo de busca otimizado para comparação de preços, sem estado de conservação nem número de patrimônio>",
  "natureza": "<produto | veiculo_carro | veiculo_moto | veiculo_caminhao>",
  "bem_patrimonial": "<nome curto e normalizado do bem>",
  "veiculo": {"marca": "...", "modelo": "...", "ano": "..."}
}

O campo "veiculo" só aparece quando natureza é um veículo. Para produtos, omita-o.
Remova da query termos irrelevantes para preço (tombamento, estado, localização).`

type sdkAnalyzer struct {
	client sdk.Client
	model  string
}

// New creates an Analyzer backed by the Anthropic SDK. Extra request
// options are passed through, which lets tests point at a local server.
func New(apiKey, model string, opts ...option.RequestOption) Analyzer {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &sdkAnalyzer{
		client: sdk.NewClient(opts...),
		model:  model,
	}
}

func (a *sdkAnalyzer) Analyze(ctx context.Context, description string) (*Analysis, error) {
	msg, err := a.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: 1024,
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(description)),
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "analyzer: create message")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	analysis, err := ParseAnalysis(text.String())
	if err != nil {
		return nil, err
	}

	zap.L().Debug("description analyzed",
		zap.String("query", analysis.QueryString),
		zap.String("natureza", string(analysis.Natureza)),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
	)
	return analysis, nil
}

// ParseAnalysis decodes the model's JSON output, tolerating markdown code
// fences around the object.
func ParseAnalysis(text string) (*Analysis, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, eris.Errorf("analyzer: no JSON object in response: %s", truncate(text, 200))
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		return nil, eris.Wrap(err, "analyzer: unmarshal analysis")
	}
	if analysis.QueryString == "" {
		return nil, eris.New("analyzer: empty query_string in analysis")
	}
	if analysis.Natureza == "" {
		analysis.Natureza = NaturezaProduct
	}
	analysis.Raw = json.RawMessage(raw)
	return &analysis, nil
}

// extractJSON returns the first balanced top-level JSON object in text.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
