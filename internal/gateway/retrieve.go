package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/normanking/scholar/internal/conversation"
)

// Retriever is the slice of the knowledge store the local retrieval tool
// needs.
type Retriever interface {
	Query(ctx context.Context, userID, text string, topK int) ([]conversation.Document, error)
}

var retrieveLocalSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "Search query for the knowledge base"},
		"user_id": {"type": "string", "description": "Partition key; documents of other users are never visible"},
		"top_k": {"type": "integer", "minimum": 1, "description": "Maximum number of documents to return"},
		"min_score": {"type": "number", "minimum": 0, "maximum": 1, "description": "Drop documents scoring below this"}
	},
	"required": ["query", "user_id"]
}`)

// retrieveLocalArgs is the validated argument shape of retrieve_local.
type retrieveLocalArgs struct {
	Query    string  `json:"query"`
	UserID   string  `json:"user_id"`
	TopK     int     `json:"top_k"`
	MinScore float64 `json:"min_score"`
}

// LocalRetrievalTool exposes the user-partitioned knowledge store as the
// retrieve_local tool.
type LocalRetrievalTool struct {
	store       Retriever
	defaultTopK int
}

// NewLocalRetrievalTool creates the retrieve_local tool.
func NewLocalRetrievalTool(store Retriever, defaultTopK int) *LocalRetrievalTool {
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	return &LocalRetrievalTool{store: store, defaultTopK: defaultTopK}
}

func (t *LocalRetrievalTool) Name() string { return ToolRetrieveLocal }

func (t *LocalRetrievalTool) Description() string {
	return "Search the user's private knowledge base using full-text search. Returns scored documents."
}

func (t *LocalRetrievalTool) Schema() json.RawMessage { return retrieveLocalSchema }

// Invoke runs the partitioned query. A missing user id is an isolation
// violation and is never silently corrected.
func (t *LocalRetrievalTool) Invoke(ctx context.Context, raw json.RawMessage) ([]conversation.Document, error) {
	var args retrieveLocalArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if args.UserID == "" {
		return nil, fmt.Errorf("%w: retrieve_local without user id", conversation.ErrIsolation)
	}
	topK := args.TopK
	if topK <= 0 {
		topK = t.defaultTopK
	}

	docs, err := t.store.Query(ctx, args.UserID, args.Query, topK)
	if err != nil {
		return nil, err
	}

	if args.MinScore > 0 {
		kept := docs[:0]
		for _, d := range docs {
			if d.Score >= args.MinScore {
				kept = append(kept, d)
			}
		}
		docs = kept
	}
	return docs, nil
}
