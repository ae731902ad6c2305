package observability

import (
	"context"
	"fmt"
	"sort"
)

// InferenceRow is the denormalized read-side shape GET /inference/{id} and
// GET /episode/{id} return, merging whichever of ChatInference/JsonInference
// produced the row — callers never need to know which table an id lives in.
type InferenceRow struct {
	ID           string            `json:"inference_id"`
	FunctionName string            `json:"function_name"`
	FunctionType string            `json:"function_type"` // chat|json
	VariantName  string            `json:"variant_name"`
	EpisodeID    string            `json:"episode_id"`
	Input        string            `json:"input"`
	Output       string            `json:"output"`
	Tags         map[string]string `json:"tags"`
}

// FetchInference reads one inference by id, checking the chat table first
// and falling back to the json table since an id belongs to exactly one.
func (w *Writer) FetchInference(ctx context.Context, id string) (*InferenceRow, error) {
	if w.conn == nil {
		return nil, fmt.Errorf("observability: store not configured")
	}

	row := w.conn.QueryRow(ctx,
		`SELECT id, function_name, variant_name, episode_id, input, output, tags FROM ChatInference WHERE id = ? LIMIT 1`, id)
	var r InferenceRow
	if err := row.Scan(&r.ID, &r.FunctionName, &r.VariantName, &r.EpisodeID, &r.Input, &r.Output, &r.Tags); err == nil {
		r.FunctionType = "chat"
		return &r, nil
	}

	row = w.conn.QueryRow(ctx,
		`SELECT id, function_name, variant_name, episode_id, input, output, tags FROM JsonInference WHERE id = ? LIMIT 1`, id)
	if err := row.Scan(&r.ID, &r.FunctionName, &r.VariantName, &r.EpisodeID, &r.Input, &r.Output, &r.Tags); err != nil {
		return nil, fmt.Errorf("observability: inference %q not found: %w", id, err)
	}
	r.FunctionType = "json"
	return &r, nil
}

// FetchEpisode reads every inference sharing an episode id, across both
// inference tables, ordered by id (time-ordered, so also chronological).
func (w *Writer) FetchEpisode(ctx context.Context, episodeID string) ([]InferenceRow, error) {
	if w.conn == nil {
		return nil, fmt.Errorf("observability: store not configured")
	}

	var rows []InferenceRow
	for _, table := range []string{"ChatInference", "JsonInference"} {
		kind := "chat"
		if table == "JsonInference" {
			kind = "json"
		}
		rs, err := w.conn.Query(ctx,
			`SELECT id, function_name, variant_name, episode_id, input, output, tags FROM `+table+` WHERE episode_id = ? ORDER BY id`, episodeID)
		if err != nil {
			return nil, fmt.Errorf("observability: query %s: %w", table, err)
		}
		for rs.Next() {
			var r InferenceRow
			if err := rs.Scan(&r.ID, &r.FunctionName, &r.VariantName, &r.EpisodeID, &r.Input, &r.Output, &r.Tags); err != nil {
				rs.Close()
				return nil, fmt.Errorf("observability: scan %s: %w", table, err)
			}
			r.FunctionType = kind
			rows = append(rows, r)
		}
		rs.Close()
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

// DatapointExample is one curated example pulled back out of a dataset for
// in-context learning: the resolved input and the reference output a
// dynamic_in_context_learning variant shows the model as a demonstration.
type DatapointExample struct {
	Input  string
	Output string
}

// FetchDatapoints returns up to limit curated examples for a function,
// newest first, checking both the chat and json datapoint tables since a
// function's type pins it to exactly one.
func (w *Writer) FetchDatapoints(ctx context.Context, functionName string, limit int) ([]DatapointExample, error) {
	if w.conn == nil {
		return nil, fmt.Errorf("observability: store not configured")
	}

	var examples []DatapointExample
	for _, table := range []string{"ChatInferenceDatapoint", "JsonInferenceDatapoint"} {
		rs, err := w.conn.Query(ctx,
			`SELECT input, output FROM `+table+` WHERE function_name = ? ORDER BY id DESC LIMIT ?`, functionName, limit)
		if err != nil {
			return nil, fmt.Errorf("observability: query %s: %w", table, err)
		}
		for rs.Next() {
			var e DatapointExample
			if err := rs.Scan(&e.Input, &e.Output); err != nil {
				rs.Close()
				return nil, fmt.Errorf("observability: scan %s: %w", table, err)
			}
			examples = append(examples, e)
		}
		rs.Close()
	}
	return examples, nil
}
