package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// MaxBatchCommands is the remote cap on sub-commands per batch call.
const MaxBatchCommands = 50

type Command struct {
	Method string
	Params map[string]any
}

func (c Command) String() string {
	if len(c.Params) == 0 {
		return c.Method
	}
	return c.Method + "?" + EncodeQuery(c.Params)
}

// BatchResult holds the demultiplexed answer of one batch call. A key present in
// neither map was dropped by the remote and should be treated as not found.
type BatchResult struct {
	Results map[string]json.RawMessage
	Errors  map[string]APIError
}

func (r BatchResult) Get(key string) (json.RawMessage, bool) {
	raw, ok := r.Results[key]
	return raw, ok
}

type batchEnvelope struct {
	Result struct {
		Result      json.RawMessage `json:"result"`
		ResultError json.RawMessage `json:"result_error"`
	} `json:"result"`
}

// Batch sends up to MaxBatchCommands sub-commands in one round trip with
// halt=0, so a failing sub-command does not abort the others. On a transport
// or envelope failure it returns an empty result together with the error.
func (c *Client) Batch(ctx context.Context, cmds map[string]Command) (BatchResult, error) {
	empty := BatchResult{Results: map[string]json.RawMessage{}, Errors: map[string]APIError{}}
	if len(cmds) == 0 {
		return empty, nil
	}
	if len(cmds) > MaxBatchCommands {
		return empty, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(cmds), MaxBatchCommands)
	}

	encoded := make(map[string]string, len(cmds))
	for key, cmd := range cmds {
		encoded[key] = cmd.String()
	}

	var env batchEnvelope
	if err := c.Call(ctx, "batch", map[string]any{"halt": 0, "cmd": encoded}, &env); err != nil {
		return empty, err
	}

	results, err := decodeKeyed(env.Result.Result)
	if err != nil {
		return empty, fmt.Errorf("decode batch result: %w", err)
	}
	errs, err := decodeKeyed(env.Result.ResultError)
	if err != nil {
		return empty, fmt.Errorf("decode batch errors: %w", err)
	}

	out := BatchResult{Results: results, Errors: make(map[string]APIError, len(errs))}
	for key, raw := range errs {
		var apiErr APIError
		if json.Unmarshal(raw, &apiErr) != nil || apiErr.IsZero() {
			apiErr = APIError{Code: "UNKNOWN", Description: string(raw)}
		}
		out.Errors[key] = apiErr
		delete(out.Results, key)
	}
	return out, nil
}

// decodeKeyed reads a keyed object. An empty collection can arrive as [] and
// null or false values are dropped.
func decodeKeyed(raw json.RawMessage) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return out, nil
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		for i, item := range list {
			if isNullish(item) {
				continue
			}
			out[fmt.Sprint(i)] = item
		}
		return out, nil
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	for k, v := range m {
		if isNullish(v) {
			continue
		}
		out[k] = v
	}
	return out, nil
}

func isNullish(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("false"))
}

// SplitCommands groups cmds into chunks of at most size entries, in key order.
func SplitCommands(cmds map[string]Command, size int) []map[string]Command {
	if size <= 0 || size > MaxBatchCommands {
		size = MaxBatchCommands
	}
	keys := make([]string, 0, len(cmds))
	for k := range cmds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var chunks []map[string]Command
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		chunk := make(map[string]Command, end-start)
		for _, k := range keys[start:end] {
			chunk[k] = cmds[k]
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}
