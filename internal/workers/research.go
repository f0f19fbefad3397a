package workers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/pkg/schema"
)

const (
	// DefaultResultsQuery maps a {"results": [...]} search response.
	DefaultResultsQuery = `.results[]? | {title: (.title // .url), url: .url, snippet: (.snippet // .content // "")}`

	defaultMaxResults      = 5
	defaultMaxResponseBody = 4 << 20
	defaultResearchTimeout = 30 * time.Second
)

// ResearchConfig configures the research worker.
type ResearchConfig struct {
	Endpoint        string
	QueryParam      string
	Headers         map[string]string
	ResultsQuery    string
	MaxResults      int
	MaxResponseBody int64
	Client          *http.Client
}

// ResearchWorker answers an objective by querying a search endpoint and
// turning the hits into a cited markdown digest. The response is mapped to
// {title, url, snippet} records with a jq program, so any JSON search API
// can be plugged in through configuration.
type ResearchWorker struct {
	cfg ResearchConfig
	jq  *expressions.GoJQEngine
}

// SearchResult is one mapped search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// NewResearchWorker validates the endpoint and compiles the mapping.
func NewResearchWorker(cfg ResearchConfig, jq *expressions.GoJQEngine) (*ResearchWorker, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "research endpoint %q must be an http(s) URL", cfg.Endpoint)
	}
	if cfg.QueryParam == "" {
		cfg.QueryParam = "q"
	}
	if cfg.ResultsQuery == "" {
		cfg.ResultsQuery = DefaultResultsQuery
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultResearchTimeout}
	}
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	if _, err := jq.Query(context.Background(), cfg.ResultsQuery, map[string]any{}); err != nil &&
		schema.ErrorCode(err) == schema.ErrCodeValidation {
		return nil, err
	}
	return &ResearchWorker{cfg: cfg, jq: jq}, nil
}

func (w *ResearchWorker) Capability() schema.Capability { return schema.CapabilityResearch }

func (w *ResearchWorker) Describe() string {
	return "Searches the configured endpoint and returns a cited markdown digest of the top results."
}

func (w *ResearchWorker) Execute(ctx context.Context, req Request) (*Output, error) {
	query := strings.TrimSpace(req.Objective)
	if query == "" {
		return nil, execError("objective has no query")
	}
	if req.Budget.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Budget.Timeout)
		defer cancel()
	}

	body, err := w.search(ctx, query)
	if err != nil {
		return nil, err
	}

	mapped, err := w.jq.QueryJSON(ctx, w.cfg.ResultsQuery, body)
	if err != nil {
		return nil, execError("map search response: %v", err).WithCause(err)
	}
	results := toResults(mapped, w.cfg.MaxResults)
	if len(results) == 0 {
		return nil, execError("search returned no usable results for %q", query)
	}

	sources := make([]string, len(results))
	for i, r := range results {
		sources[i] = r.URL
	}
	return &Output{
		Content:     renderDigest(query, results),
		ContentType: "text/markdown",
		Data:        body,
		Sources:     sources,
		Steps:       1,
	}, nil
}

func (w *ResearchWorker) search(ctx context.Context, query string) ([]byte, error) {
	u, _ := url.Parse(w.cfg.Endpoint)
	q := u.Query()
	q.Set(w.cfg.QueryParam, query)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, execError("build search request: %v", err).WithCause(err)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range w.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := w.cfg.Client.Do(httpReq)
	if err != nil {
		return nil, execError("search request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, w.cfg.MaxResponseBody+1))
	if err != nil {
		return nil, execError("read search response: %v", err).WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, execError("search endpoint returned %s", resp.Status).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
	if int64(len(body)) > w.cfg.MaxResponseBody {
		return nil, execError("search response exceeds %d bytes", w.cfg.MaxResponseBody).
			WithDetails(map[string]any{"max_response_body": w.cfg.MaxResponseBody})
	}
	return body, nil
}

// toResults keeps mapped records that carry a URL, dropping duplicates.
func toResults(mapped []any, limit int) []SearchResult {
	seen := map[string]bool{}
	var out []SearchResult
	for _, m := range mapped {
		rec, ok := m.(map[string]any)
		if !ok {
			continue
		}
		r := SearchResult{
			Title:   str(rec["title"]),
			URL:     str(rec["url"]),
			Snippet: strings.TrimSpace(str(rec["snippet"])),
		}
		if r.URL == "" || seen[r.URL] {
			continue
		}
		if r.Title == "" {
			r.Title = r.URL
		}
		seen[r.URL] = true
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out
}

func renderDigest(query string, results []SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s\n\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. [%s](%s)", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, ": %s", r.Snippet)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

var _ Worker = (*ResearchWorker)(nil)
