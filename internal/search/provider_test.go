package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaliabr/cotador/internal/domainpolicy"
	"github.com/avaliabr/cotador/internal/resilience"
	"github.com/avaliabr/cotador/pkg/serpapi"
)

type stubSerpClient struct {
	resp  *serpapi.SearchResponse
	err   error
	calls int
}

func (s *stubSerpClient) ShoppingSearch(ctx context.Context, query string, opts ...serpapi.SearchOption) (*serpapi.SearchResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *stubSerpClient) ImmersiveProduct(ctx context.Context, pageToken string) (*serpapi.ProductResponse, error) {
	return nil, nil
}

func testPolicy() *domainpolicy.Policy {
	return domainpolicy.New(nil, time.Minute)
}

func TestDerive_MergeFilterSortTruncate(t *testing.T) {
	resp := &serpapi.SearchResponse{
		ShoppingResults: []serpapi.ShoppingItem{
			{Position: 1, Title: "Caro", ExtractedPrice: 300, Source: "Loja A", ProductLink: "https://lojaa.com.br/p/1"},
			{Position: 2, Title: "Sem preco", ExtractedPrice: 0, Source: "Loja B", ProductLink: "https://lojab.com.br/p/2"},
			{Position: 3, Title: "Bloqueado", ExtractedPrice: 150, Source: "Mercado Livre", ProductLink: "https://produto.mercadolivre.com.br/p/3"},
		},
		InlineShoppingResults: []serpapi.ShoppingItem{
			{Position: 1, Title: "Barato", ExtractedPrice: 100, Source: "Loja C", ProductLink: "https://lojac.com.br/p/4"},
			{Position: 2, Title: "Medio", ExtractedPrice: 200, Source: "Loja D",
				ImmersiveProductAPI: "https://serpapi.com/search?engine=google_immersive_product&page_token=tok-d"},
		},
	}

	p := NewProvider(nil, testPolicy(), "", 3)
	candidates := p.Derive(resp, 150)

	require.Len(t, candidates, 3)
	assert.Equal(t, "Barato", candidates[0].Title)
	assert.Equal(t, "Medio", candidates[1].Title)
	assert.Equal(t, "Caro", candidates[2].Title)
	assert.Equal(t, "tok-d", candidates[1].DeepLookupToken)
}

func TestDerive_ListingOnlyURLDropped(t *testing.T) {
	resp := &serpapi.SearchResponse{
		ShoppingResults: []serpapi.ShoppingItem{
			{Title: "Listagem", ExtractedPrice: 90, ProductLink: "https://loja.com.br/busca/notebook"},
			{Title: "Listagem com token", ExtractedPrice: 95, ProductLink: "https://loja.com.br/busca/notebook",
				ImmersiveProductAPI: "https://serpapi.com/search?page_token=tok-x"},
		},
	}

	p := NewProvider(nil, testPolicy(), "", 3)
	candidates := p.Derive(resp, 150)

	// The listing URL survives only when a deep-lookup handle can replace it.
	require.Len(t, candidates, 1)
	assert.Equal(t, "Listagem com token", candidates[0].Title)
}

func TestDerive_Truncates(t *testing.T) {
	resp := &serpapi.SearchResponse{}
	for i := 0; i < 10; i++ {
		resp.ShoppingResults = append(resp.ShoppingResults, serpapi.ShoppingItem{
			Title:          "Item",
			ExtractedPrice: float64(100 + i),
			ProductLink:    "https://loja.com.br/p/1",
		})
	}

	p := NewProvider(nil, testPolicy(), "", 3)
	assert.Len(t, p.Derive(resp, 4), 4)
}

func TestSearch_RetriesTransient(t *testing.T) {
	stub := &stubSerpClient{err: resilience.NewTransientError(assert.AnError, 429)}
	p := NewProvider(stub, testPolicy(), "Brasilia, Federal District, Brazil", 3)
	p.retry.InitialBackoff = time.Millisecond
	p.retry.JitterFraction = 0

	_, _, err := p.Search(context.Background(), "notebook", 150)
	require.Error(t, err)
	assert.Equal(t, 3, stub.calls)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestSearch_NonRateLimitError(t *testing.T) {
	stub := &stubSerpClient{err: resilience.NewTransientError(assert.AnError, 503)}
	p := NewProvider(stub, testPolicy(), "", 1)

	_, _, err := p.Search(context.Background(), "notebook", 150)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "rate limited")
}

func TestParseRaw_RoundTrip(t *testing.T) {
	raw := []byte(`{"shopping_results":[{"title":"X","extracted_price":10,"product_link":"https://loja.com.br/p/1"}]}`)
	resp, err := ParseRaw(raw)
	require.NoError(t, err)
	require.Len(t, resp.ShoppingResults, 1)
	assert.Equal(t, "X", resp.ShoppingResults[0].Title)
}
