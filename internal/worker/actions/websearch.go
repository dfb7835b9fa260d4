package actions

import (
	"context"

	"github.com/opsrelay/opsrelay/internal/websearch"
)

// searchClient is a package variable so tests can swap the backend.
var searchClient = websearch.New()

// WebSearchResult is the payload of a web_search action.
type WebSearchResult struct {
	Query   string             `json:"query"`
	Results []websearch.Result `json:"results"`
}

func webSearch(ctx context.Context, params map[string]any) (any, error) {
	query, err := stringParam(params, "query")
	if err != nil {
		return nil, err
	}

	results, err := searchClient.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	return &WebSearchResult{Query: query, Results: results}, nil
}
