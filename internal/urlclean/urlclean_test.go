package urlclean

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean_RemovesTrackingParams(t *testing.T) {
	in := "https://www.lojadoexemplo.com.br/produto/123?utm_source=google&cor=azul&gclid=abc123&tamanho=m"
	out := Clean(in)
	assert.Equal(t, "https://www.lojadoexemplo.com.br/produto/123?cor=azul&tamanho=m", out)
}

func TestClean_PreservesParamOrder(t *testing.T) {
	in := "https://loja.com.br/p?b=2&utm_medium=cpc&a=1&z=9"
	out := Clean(in)
	assert.Equal(t, "https://loja.com.br/p?b=2&a=1&z=9", out)
}

func TestClean_NoQuery(t *testing.T) {
	in := "https://loja.com.br/produto/abc"
	assert.Equal(t, in, Clean(in))
}

func TestClean_AllParamsTracked(t *testing.T) {
	in := "https://loja.com.br/p?srsltid=x&fbclid=y"
	assert.Equal(t, "https://loja.com.br/p", Clean(in))
}

func TestClean_Idempotent(t *testing.T) {
	urls := []string{
		"https://loja.com.br/p?b=2&utm_medium=cpc&a=1",
		"https://loja.com.br/p?srsltid=x",
		"https://loja.com.br/p",
		"https://loja.com.br/p?a=1&a=2&ref=abc",
	}
	for _, u := range urls {
		once := Clean(u)
		assert.Equal(t, once, Clean(once), "clean must be idempotent for %s", u)
	}
}

func TestClean_CaseInsensitiveKeys(t *testing.T) {
	in := "https://loja.com.br/p?UTM_SOURCE=google&cor=azul"
	assert.Equal(t, "https://loja.com.br/p?cor=azul", Clean(in))
}

func TestClean_UnparsableURLUnchanged(t *testing.T) {
	in := "http://[::1]:namedport?utm_source=x"
	assert.Equal(t, in, Clean(in))
}
