package acp

import (
	"encoding/json"

	"github.com/memnexus/memnexus/internal/common/errors"
	"github.com/memnexus/memnexus/internal/memory"
	"github.com/memnexus/memnexus/internal/memory/store"
)

// memorySearchArgs is the args shape for the memory_search built-in tool.
type memorySearchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type memorySearchResultItem struct {
	ID      string            `json:"id"`
	Content string            `json:"content"`
	Source  string            `json:"source"`
	Type    memory.RecordType `json:"type"`
}

type memorySearchResult struct {
	Memories []memorySearchResultItem `json:"memories"`
	Summary  string                   `json:"summary"`
}

// memoryStoreArgs is the args shape for the memory_store built-in tool.
type memoryStoreArgs struct {
	Content string            `json:"content"`
	Source  string            `json:"source,omitempty"`
	Type    memory.RecordType `json:"type,omitempty"`
}

type memoryStoreResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

const defaultSearchLimit = 5

// RegisterMemoryTools wires the two built-in tools every agent can call
// back into the session's memory store: memory_search and memory_store.
// The store is scoped to one session per spec's per-session memory
// namespace; callers construct one Adapter per agent connection and share
// the session's Store across all of that session's adapters.
func RegisterMemoryTools(a *Adapter, sessionID string, s store.Store) {
	a.RegisterTool("memory_search", func(c toolCallContext, raw json.RawMessage) (interface{}, error) {
		var args memorySearchArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, errors.NewBadRequest("malformed memory_search args")
		}
		if args.Query == "" {
			return nil, errors.NewBadRequest("memory_search requires a non-empty query")
		}
		limit := args.Limit
		if limit <= 0 {
			limit = defaultSearchLimit
		}

		records, err := s.Search(c.Context(), args.Query, limit, sessionID, "")
		if err != nil {
			return nil, err
		}

		result := memorySearchResult{Memories: make([]memorySearchResultItem, 0, len(records))}
		for _, r := range records {
			result.Memories = append(result.Memories, memorySearchResultItem{
				ID:      r.ID,
				Content: r.Content,
				Source:  r.Source,
				Type:    r.Type,
			})
		}
		if len(result.Memories) == 0 {
			result.Summary = "no matching memories found"
		} else {
			result.Summary = summarizeMatches(len(result.Memories))
		}
		return result, nil
	})

	a.RegisterTool("memory_store", func(c toolCallContext, raw json.RawMessage) (interface{}, error) {
		var args memoryStoreArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, errors.NewBadRequest("malformed memory_store args")
		}
		if args.Content == "" {
			return nil, errors.NewBadRequest("memory_store requires non-empty content")
		}

		recordType := args.Type
		if recordType == "" {
			recordType = memory.TypeConversation
		}
		source := args.Source
		if source == "" {
			source = c.AgentID()
		}

		record := &memory.Record{
			SessionID: sessionID,
			Content:   args.Content,
			Source:    source,
			Type:      recordType,
		}
		id, err := s.Add(c.Context(), record)
		if err != nil {
			return nil, err
		}
		return memoryStoreResult{ID: id, Status: "stored"}, nil
	})
}

func summarizeMatches(n int) string {
	if n == 1 {
		return "found 1 matching memory"
	}
	return "found matching memories"
}
