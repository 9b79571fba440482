package retrieval

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"econd/internal/domain"
)

// Retriever answers from the knowledge base when no tool matches. It is an
// ordinary tool call against the configured retrieval provider, so it rides
// the same supervised connection and deadline machinery as everything else.
type Retriever struct {
	dispatcher domain.Dispatcher
	qualified  string
	timeout    time.Duration
	logger     *zap.Logger
}

type Options struct {
	Dispatcher domain.Dispatcher
	Server     string
	Tool       string
	Timeout    time.Duration
	Logger     *zap.Logger
}

func New(opts Options) *Retriever {
	if opts.Dispatcher == nil {
		panic("retrieval.Retriever requires a dispatcher")
	}
	tool := opts.Tool
	if tool == "" {
		tool = domain.DefaultRetrievalTool
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		dispatcher: opts.Dispatcher,
		qualified:  domain.QualifiedToolName(opts.Server, tool),
		timeout:    opts.Timeout,
		logger:     logger.Named("retrieval"),
	}
}

func (r *Retriever) Retrieve(ctx context.Context, query string, limit int) ([]domain.Passage, error) {
	if limit <= 0 {
		limit = 3
	}
	args := map[string]any{
		"query": query,
		"limit": limit,
	}

	inv, err := r.dispatcher.Invoke(ctx, r.qualified, args, r.timeout)
	if err != nil {
		r.logger.Warn("retrieval failed", zap.String("tool", r.qualified), zap.Error(err))
		return nil, err
	}

	passages := parsePassages(inv.Result)
	if len(passages) > limit {
		passages = passages[:limit]
	}
	return passages, nil
}

// parsePassages accepts the two shapes retrieval providers use: a structured
// passages array, or plain text content blocks.
func parsePassages(result json.RawMessage) []domain.Passage {
	if len(result) == 0 {
		return nil
	}

	var structured struct {
		Passages []struct {
			Text  string  `json:"text"`
			Score float64 `json:"score"`
		} `json:"passages"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &structured); err != nil {
		return nil
	}

	if len(structured.Passages) > 0 {
		out := make([]domain.Passage, 0, len(structured.Passages))
		for _, p := range structured.Passages {
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			out = append(out, domain.Passage{Text: p.Text, Score: p.Score})
		}
		return out
	}

	var out []domain.Passage
	for _, block := range structured.Content {
		if block.Type != "text" || strings.TrimSpace(block.Text) == "" {
			continue
		}
		out = append(out, domain.Passage{Text: block.Text})
	}
	return out
}
