package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

const samplePage = `<html><body>
<div class="result">
  <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc%2F&rut=x">Go Documentation</a>
  <a class="result__snippet" href="#">Learn <b>Go</b> from the official docs.</a>
</div>
<div class="result">
  <a class="result__a" href="https://pkg.go.dev/">Go Packages</a>
  <a class="result__snippet" href="#">Search and discover Go packages.</a>
</div>
</body></html>`

func TestSearch_ParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "golang docs", r.Form.Get("q"))
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	c := New()
	c.BaseURL = srv.URL

	results, err := c.Search(context.Background(), "golang docs")
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.Equal(t, "Go Documentation", results[0].Title)
	require.Equal(t, "https://go.dev/doc/", results[0].URL)
	require.Equal(t, "Learn Go from the official docs.", results[0].Snippet)

	require.Equal(t, "https://pkg.go.dev/", results[1].URL)
}

func TestSearch_EmptyQuery(t *testing.T) {
	c := New()
	_, err := c.Search(context.Background(), "   ")
	require.Error(t, err)
}

func TestSearch_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New()
	c.BaseURL = srv.URL
	_, err := c.Search(context.Background(), "query")
	require.ErrorContains(t, err, "429")
}
