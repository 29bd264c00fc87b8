package knowledge

import (
	"context"
	"strings"

	"github.com/drblury/holdflow/internal/runtime/store"
)

const defaultQueryLimit = 100

// QueryOptions narrows Query. Empty fields match everything; Text is a
// case-insensitive substring match on content.
type QueryOptions struct {
	Text   string
	Source string
	Model  string
	Status string
	Limit  int
}

// Query returns knowledge atoms from the processed store, newest first.
func (s *Service) Query(ctx context.Context, opts QueryOptions) ([]map[string]any, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	filters := map[string]any{}
	if opts.Source != "" {
		filters["source"] = opts.Source
	}
	if opts.Model != "" {
		filters["llm_model"] = opts.Model
	}
	if opts.Status != "" {
		filters["knowledge_status"] = opts.Status
	}

	q := store.Query{Filters: filters}
	if opts.Text == "" {
		q.Limit = limit
	}
	records, err := s.QueryProcessed(ctx, q)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(opts.Text)
	out := make([]map[string]any, 0, min(len(records), limit))
	for _, rec := range records {
		if needle != "" {
			content, _ := rec.Data["content"].(string)
			if !strings.Contains(strings.ToLower(content), needle) {
				continue
			}
		}
		out = append(out, rec.Data)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
