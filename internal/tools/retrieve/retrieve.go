// Package retrieve provides the retrieve tool: fetch a user-provided URL and
// return its readable text content.
package retrieve

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/defisage/defisage/internal/tool"
)

// maxContentRunes caps the text returned to the model; pages beyond this are
// truncated with a marker.
const maxContentRunes = 10_000

// Response is the payload of a retrieve tool call.
type Response struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Fetcher downloads and extracts page text.
type Fetcher struct {
	httpClient *http.Client
}

// NewFetcher constructs a Fetcher.
func NewFetcher(opts ...func(*Fetcher)) *Fetcher {
	f := &Fetcher{httpClient: &http.Client{Timeout: 20 * time.Second}}
	for _, o := range opts {
		o(f)
	}
	return f
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) func(*Fetcher) {
	return func(f *Fetcher) { f.httpClient = hc }
}

// Fetch downloads the URL and extracts its readable text.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("retrieve: invalid URL %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("retrieve: build request: %w", err)
	}
	req.Header.Set("User-Agent", "defisage/1.0")

	res, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieve: fetch %q: %w", rawURL, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieve: %q returned status %d", rawURL, res.StatusCode)
	}

	body := io.LimitReader(res.Body, 8<<20)
	contentType := res.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") || contentType == "" {
		title, text, err := extractText(body)
		if err != nil {
			return nil, fmt.Errorf("retrieve: parse %q: %w", rawURL, err)
		}
		content, truncated := truncate(text)
		return &Response{URL: rawURL, Title: title, Content: content, Truncated: truncated}, nil
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("retrieve: read %q: %w", rawURL, err)
	}
	content, truncated := truncate(string(raw))
	return &Response{URL: rawURL, Content: content, Truncated: truncated}, nil
}

// extractText walks the HTML tree collecting visible text, skipping script,
// style, and markup-only nodes.
func extractText(r io.Reader) (title, text string, err error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript"):
			return
		case n.Type == html.ElementNode && n.Data == "title" && title == "":
			if n.FirstChild != nil {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
		case n.Type == html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, b.String(), nil
}

func truncate(s string) (string, bool) {
	runes := []rune(s)
	if len(runes) <= maxContentRunes {
		return s, false
	}
	return string(runes[:maxContentRunes]) + " [content truncated]", true
}

// NewTool builds the retrieve tool.
func NewTool(fetcher *Fetcher) *tool.Tool {
	return &tool.Tool{
		Name:        "retrieve",
		Description: "Fetch the readable content of a URL the user provided. Only use with user-provided URLs.",
		Schema: tool.NewSchema(
			tool.Param{Name: "url", Type: tool.TypeString, Description: "The URL to fetch", Required: true},
		),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return fetcher.Fetch(ctx, args["url"].(string))
		},
	}
}
