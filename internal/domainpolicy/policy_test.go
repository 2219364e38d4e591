package domainpolicy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avaliabr/cotador/internal/model"
)

type stubLister struct {
	mu      sync.Mutex
	domains []string
	err     error
}

func (s *stubLister) ListBlockedDomains(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domains, s.err
}

func (s *stubLister) set(domains ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains = domains
}

func TestCheck_BlockedDomainFromSeed(t *testing.T) {
	p := New(nil, 0)

	v := p.Check("https://www.mercadolivre.com.br/produto/MLB123", nil)
	require.NotNil(t, v)
	assert.Equal(t, model.FailBlockedDomain, v.Reason)
}

func TestCheck_BlockedDomainSuffixMatch(t *testing.T) {
	p := New(nil, 0)

	v := p.Check("https://produto.mercadolivre.com.br/MLB-123", nil)
	require.NotNil(t, v)
	assert.Equal(t, model.FailBlockedDomain, v.Reason)

	// A lookalike that merely contains the name is not a suffix match.
	assert.Nil(t, p.Check("https://naomercadolivre.com.br/p/1", nil))
}

func TestCheck_ForeignDomain(t *testing.T) {
	p := New(nil, 0)

	v := p.Check("https://www.bestbuy.com/site/product/123", nil)
	require.NotNil(t, v)
	assert.Equal(t, model.FailForeignDomain, v.Reason)
}

func TestCheck_ForeignAllowlistedManufacturer(t *testing.T) {
	p := New(nil, 0)

	assert.Nil(t, p.Check("https://www.dell.com/pt-br/shop/notebook", nil))
	assert.Nil(t, p.Check("https://store.lenovo.com/notebook/ideapad", nil))
}

func TestCheck_ListingURL(t *testing.T) {
	p := New(nil, 0)

	cases := []string{
		"https://loja.com.br/busca/notebook",
		"https://loja.com.br/search/notebook",
		"https://loja.com.br/categoria/informatica",
		"https://loja.com.br/colecao/ofertas",
		"https://loja.com.br/produtos?q=notebook",
		"https://www.zoom.com.br/notebook/precos",
	}
	for _, u := range cases {
		v := p.Check(u, nil)
		require.NotNil(t, v, u)
		assert.Equal(t, model.FailListingURL, v.Reason, u)
	}
}

func TestCheck_DuplicateDomain(t *testing.T) {
	p := New(nil, 0)
	seen := map[string]struct{}{"lojadoze.com.br": {}}

	v := p.Check("https://www.lojadoze.com.br/produto/45", seen)
	require.NotNil(t, v)
	assert.Equal(t, model.FailDuplicateURL, v.Reason)
}

func TestCheck_Acceptable(t *testing.T) {
	p := New(nil, 0)
	assert.Nil(t, p.Check("https://www.kabum.com.br/produto/12345/notebook", map[string]struct{}{}))
}

func TestCheck_OrderBlockedBeforeForeign(t *testing.T) {
	p := New(nil, 0)

	// aliexpress.com is both foreign and blocked; blocked wins.
	v := p.Check("https://pt.aliexpress.com/item/100500.html", nil)
	require.NotNil(t, v)
	assert.Equal(t, model.FailBlockedDomain, v.Reason)
}

func TestRefresh_MergesStoreDomains(t *testing.T) {
	lister := &stubLister{domains: []string{"lojabloqueada.com.br", "Amazon.com.br"}}
	p := New(lister, time.Minute)

	require.NoError(t, p.Refresh(context.Background()))

	assert.True(t, p.IsBlocked("lojabloqueada.com.br"))
	assert.True(t, p.IsBlocked("sub.lojabloqueada.com.br"))
	// Seed entries survive the merge, case-insensitively deduplicated.
	assert.True(t, p.IsBlocked("amazon.com.br"))
}

func TestStartRefresh_PicksUpStoreEdits(t *testing.T) {
	lister := &stubLister{}
	p := New(lister, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.StartRefresh(ctx)

	assert.False(t, p.IsBlocked("lojanova.com.br"))

	lister.set("lojanova.com.br")
	assert.Eventually(t, func() bool {
		return p.IsBlocked("lojanova.com.br")
	}, time.Second, 5*time.Millisecond)

	// Removal propagates the same way.
	lister.set()
	assert.Eventually(t, func() bool {
		return !p.IsBlocked("lojanova.com.br")
	}, time.Second, 5*time.Millisecond)
}

func TestHost(t *testing.T) {
	assert.Equal(t, "kabum.com.br", Host("https://www.kabum.com.br/produto/1"))
	assert.Equal(t, "", Host("://bad"))
}
