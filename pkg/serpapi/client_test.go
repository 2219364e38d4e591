package serpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaliabr/cotador/internal/resilience"
)

func TestShoppingSearch_ParsesBothArrays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "google_shopping", r.URL.Query().Get("engine"))
		assert.Equal(t, "br", r.URL.Query().Get("gl"))
		assert.Equal(t, "pt-br", r.URL.Query().Get("hl"))
		assert.Equal(t, "google.com.br", r.URL.Query().Get("google_domain"))
		assert.Equal(t, "100", r.URL.Query().Get("num"))
		assert.Equal(t, "Brasilia, Federal District, Brazil", r.URL.Query().Get("location"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"shopping_results": [
				{"position": 1, "title": "Notebook A", "price": "R$ 2.499,00", "extracted_price": 2499.0, "source": "Loja A", "product_link": "https://lojaa.com.br/p/1"}
			],
			"inline_shopping_results": [
				{"position": 1, "title": "Notebook B", "extracted_price": 2599.0, "source": "Loja B", "serpapi_immersive_product_api": "https://serpapi.com/search?engine=google_immersive_product&page_token=tok123"}
			]
		}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	resp, err := c.ShoppingSearch(context.Background(), "notebook dell",
		WithLocation("Brasilia, Federal District, Brazil"))
	require.NoError(t, err)

	require.Len(t, resp.ShoppingResults, 1)
	require.Len(t, resp.InlineShoppingResults, 1)
	assert.Equal(t, 2499.0, resp.ShoppingResults[0].ExtractedPrice)
	assert.NotEmpty(t, resp.InlineShoppingResults[0].ImmersiveProductAPI)
	assert.NotEmpty(t, resp.Raw)
}

func TestShoppingSearch_RateLimitedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": "rate limited"}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	_, err := c.ShoppingSearch(context.Background(), "notebook")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.True(t, resilience.IsRateLimited(err))
}

func TestShoppingSearch_ClientErrorNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("bad-key", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	_, err := c.ShoppingSearch(context.Background(), "notebook")
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestImmersiveProduct_MergesOffers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "google_immersive_product", r.URL.Query().Get("engine"))
		assert.Equal(t, "tok123", r.URL.Query().Get("page_token"))

		_, _ = w.Write([]byte(`{
			"product_results": {
				"title": "Notebook B",
				"stores": [{"name": "Loja B", "link": "https://lojab.com.br/p/2", "extracted_price": 2599.0}]
			},
			"online_sellers": [{"name": "Loja C", "link": "https://lojac.com.br/p/3", "extracted_price": 2649.0}]
		}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))

	resp, err := c.ImmersiveProduct(context.Background(), "tok123")
	require.NoError(t, err)

	offers := resp.Offers()
	require.Len(t, offers, 2)
	assert.Equal(t, "Loja B", offers[0].Name)
	assert.Equal(t, "Loja C", offers[1].Name)
}
