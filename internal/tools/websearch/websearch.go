// Package websearch provides the search and video_search tools over a
// SearXNG-compatible JSON search API.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/defisage/defisage/internal/resilience"
	"github.com/defisage/defisage/internal/tool"
)

// Result is one search hit returned to the model.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
}

// Response is the payload of a search tool call. Results are numbered in
// rank order so the model can cite them as [number](url).
type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
}

// Client queries a SearXNG-compatible instance. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger overrides the client's logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient constructs a search client for the given SearXNG base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "search-api",
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
	})
	return c
}

// searxResponse is the wire shape of GET /search?format=json.
type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search runs one query. category selects the SearXNG category ("general"
// or "videos"); maxResults truncates the ranked result list.
func (c *Client) Search(ctx context.Context, query, category string, maxResults int, includeDomains, excludeDomains []string) (*Response, error) {
	q := url.Values{}
	q.Set("q", buildQuery(query, includeDomains, excludeDomains))
	q.Set("format", "json")
	if category != "" {
		q.Set("categories", category)
	}

	endpoint := c.baseURL + "/search?" + q.Encode()
	var resp searxResponse
	err := c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		res, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
		if err != nil {
			return err
		}
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("search backend status %d: %s", res.StatusCode, string(body))
		}
		return json.Unmarshal(body, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("websearch: query %q: %w", query, err)
	}

	out := &Response{Query: query}
	for _, r := range resp.Results {
		if len(out.Results) >= maxResults {
			break
		}
		out.Results = append(out.Results, Result{Title: r.Title, URL: r.URL, Content: r.Content})
	}
	c.logger.Debug("search completed", "query", query, "category", category, "results", len(out.Results))
	return out, nil
}

// buildQuery folds domain filters into SearXNG site: syntax.
func buildQuery(query string, include, exclude []string) string {
	parts := []string{query}
	for _, d := range include {
		parts = append(parts, "site:"+d)
	}
	for _, d := range exclude {
		parts = append(parts, "-site:"+d)
	}
	return strings.Join(parts, " ")
}

// NewSearchTool builds the general web search tool.
func NewSearchTool(client *Client) *tool.Tool {
	return &tool.Tool{
		Name:        "search",
		Description: "Search the web for current information. Use for factual queries the other tools do not cover.",
		Schema: tool.NewSchema(
			tool.Param{Name: "query", Type: tool.TypeString, Description: "The search query", Required: true},
			tool.Param{Name: "max_results", Type: tool.TypeInteger, Description: "Maximum number of results to return", Default: 10, Minimum: tool.Float(1), Maximum: tool.Float(50)},
			tool.Param{Name: "search_depth", Type: tool.TypeString, Description: "How thorough the search should be", Default: "basic", Enum: []string{"basic", "advanced"}},
			tool.Param{Name: "include_domains", Type: tool.TypeStringArray, Description: "Domains to restrict results to"},
			tool.Param{Name: "exclude_domains", Type: tool.TypeStringArray, Description: "Domains to exclude from results"},
		),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query := args["query"].(string)
			maxResults := args["max_results"].(int)
			include, _ := args["include_domains"].([]string)
			exclude, _ := args["exclude_domains"].([]string)
			return client.Search(ctx, query, "general", maxResults, include, exclude)
		},
	}
}

// NewVideoSearchTool builds the video search tool, backed by the same
// instance with the videos category.
func NewVideoSearchTool(client *Client) *tool.Tool {
	return &tool.Tool{
		Name:        "video_search",
		Description: "Search for video content.",
		Schema: tool.NewSchema(
			tool.Param{Name: "query", Type: tool.TypeString, Description: "The video search query", Required: true},
		),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query := args["query"].(string)
			return client.Search(ctx, query, "videos", 10, nil, nil)
		},
	}
}
