package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/normanking/scholar/internal/conversation"
)

const (
	tavilyEndpoint = "https://api.tavily.com/search"

	// maxWebContentChars caps each web result before it enters the turn
	// state.
	maxWebContentChars = 2000

	// defaultMaxResults bounds result count when the caller gives none.
	defaultMaxResults = 3
)

var searchWebSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "Web search query"},
		"max_results": {"type": "integer", "minimum": 1, "maximum": 10, "description": "Maximum number of results"}
	},
	"required": ["query"]
}`)

type searchWebArgs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

// TavilyRequest represents a request to the Tavily Search API.
type TavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

// TavilyResponse represents the response from the Tavily Search API.
type TavilyResponse struct {
	Query   string         `json:"query"`
	Results []TavilyResult `json:"results"`
}

// TavilyResult represents a single search result.
type TavilyResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// searchCache provides simple TTL-based caching to reduce API calls.
type searchCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	result    *TavilyResponse
	expiresAt time.Time
}

func (c *searchCache) get(key string) *TavilyResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.result
}

func (c *searchCache) set(key string, result *TavilyResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		// Evict the entry closest to expiry.
		var oldest string
		var oldestAt time.Time
		for k, e := range c.entries {
			if oldest == "" || e.expiresAt.Before(oldestAt) {
				oldest, oldestAt = k, e.expiresAt
			}
		}
		delete(c.entries, oldest)
	}
	c.entries[key] = &cacheEntry{result: result, expiresAt: time.Now().Add(c.ttl)}
}

// WebSearchTool exposes Tavily web search as the search_web tool. Calls go
// through a circuit breaker so a failing search backend degrades to error
// results instead of hammering the API.
type WebSearchTool struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	cache      *searchCache
	breaker    *gobreaker.CircuitBreaker
	log        zerolog.Logger
}

// WebSearchOption configures the WebSearchTool.
type WebSearchOption func(*WebSearchTool)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) WebSearchOption {
	return func(w *WebSearchTool) {
		w.httpClient = client
	}
}

// WithEndpoint overrides the Tavily endpoint, used by tests.
func WithEndpoint(endpoint string) WebSearchOption {
	return func(w *WebSearchTool) {
		w.endpoint = endpoint
	}
}

// NewWebSearchTool creates the search_web tool.
func NewWebSearchTool(apiKey string, log zerolog.Logger, opts ...WebSearchOption) *WebSearchTool {
	w := &WebSearchTool{
		apiKey:     apiKey,
		endpoint:   tavilyEndpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache: &searchCache{
			entries: make(map[string]*cacheEntry),
			maxSize: 100,
			ttl:     5 * time.Minute,
		},
		log: log.With().Str("component", "websearch").Logger(),
	}

	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "tavily",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebSearchTool) Name() string { return ToolSearchWeb }

func (w *WebSearchTool) Description() string {
	return "Search the web for information when the local knowledge base has insufficient evidence."
}

func (w *WebSearchTool) Schema() json.RawMessage { return searchWebSchema }

// Invoke runs one web search, serving repeats from the TTL cache.
func (w *WebSearchTool) Invoke(ctx context.Context, raw json.RawMessage) ([]conversation.Document, error) {
	var args searchWebArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if w.apiKey == "" {
		return nil, fmt.Errorf("Tavily API key not configured")
	}

	maxResults := args.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	cacheKey := w.cacheKey(args.Query, maxResults)
	if cached := w.cache.get(cacheKey); cached != nil {
		w.log.Debug().Str("query", args.Query).Msg("web search cache hit")
		return toDocuments(cached), nil
	}

	result, err := w.breaker.Execute(func() (any, error) {
		return w.callTavily(ctx, &TavilyRequest{
			APIKey:      w.apiKey,
			Query:       args.Query,
			SearchDepth: "basic",
			MaxResults:  maxResults,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}

	resp := result.(*TavilyResponse)
	w.cache.set(cacheKey, resp)
	return toDocuments(resp), nil
}

func (w *WebSearchTool) callTavily(ctx context.Context, req *TavilyRequest) (*TavilyResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", w.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Tavily error (status %d)", resp.StatusCode)
	}

	var tavilyResp TavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&tavilyResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &tavilyResp, nil
}

func (w *WebSearchTool) cacheKey(query string, maxResults int) string {
	sum := sha256.Sum256([]byte(query + "|" + strconv.Itoa(maxResults)))
	return hex.EncodeToString(sum[:])
}

func toDocuments(resp *TavilyResponse) []conversation.Document {
	docs := make([]conversation.Document, 0, len(resp.Results))
	for _, r := range resp.Results {
		content := r.Content
		if len(content) > maxWebContentChars {
			content = content[:maxWebContentChars] + "... [truncated]"
		}
		docs = append(docs, conversation.Document{
			ID:      r.URL,
			Title:   r.Title,
			URL:     r.URL,
			Content: content,
			Score:   r.Score,
			Source:  conversation.SourceWeb,
		})
	}
	return docs
}
