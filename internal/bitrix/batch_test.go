package bitrix_test

import (
	"bonus_sync/internal/bitrix"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *bitrix.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return bitrix.NewClient(srv.URL, bitrix.Options{})
}

func TestBatchDemultiplexesResultsAndErrors(t *testing.T) {
	var gotBody map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/batch.json", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))
		_, _ = w.Write([]byte(`{"result":{
			"result":{"deal_1":{"ID":"1","TITLE":"first"},"deal_2":null},
			"result_error":{"deal_3":{"error":"NOT_FOUND","error_description":"Not found"}},
			"result_total":[],"result_next":[]}}`))
	})

	res, err := client.Batch(context.Background(), map[string]bitrix.Command{
		"deal_1": {Method: "crm.deal.get", Params: map[string]any{"id": 1}},
		"deal_2": {Method: "crm.deal.get", Params: map[string]any{"id": 2}},
		"deal_3": {Method: "crm.deal.get", Params: map[string]any{"id": 3}},
	})
	require.NoError(t, err)

	assert.EqualValues(t, 0, gotBody["halt"])
	cmd := gotBody["cmd"].(map[string]any)
	assert.Equal(t, "crm.deal.get?id=1", cmd["deal_1"])

	raw, ok := res.Get("deal_1")
	require.True(t, ok)
	var deal bitrix.Deal
	require.NoError(t, json.Unmarshal(raw, &deal))
	assert.Equal(t, "first", deal.Title)

	_, ok = res.Get("deal_2")
	assert.False(t, ok)
	_, ok = res.Get("deal_3")
	assert.False(t, ok)
	assert.Equal(t, "NOT_FOUND", res.Errors["deal_3"].Code)
}

func TestBatchHandlesEmptyArrayResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"result":[],"result_error":[]}}`))
	})

	res, err := client.Batch(context.Background(), map[string]bitrix.Command{
		"a": {Method: "crm.deal.get", Params: map[string]any{"id": 1}},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.Empty(t, res.Errors)
}

func TestBatchTransportErrorReturnsEmptyResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("bad gateway"))
	})

	res, err := client.Batch(context.Background(), map[string]bitrix.Command{
		"a": {Method: "crm.deal.get", Params: map[string]any{"id": 1}},
	})
	require.Error(t, err)
	assert.Empty(t, res.Results)
	assert.True(t, bitrix.IsTransient(err))
}

func TestBatchRejectsTooManyCommands(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	cmds := make(map[string]bitrix.Command, 51)
	for i := 0; i < 51; i++ {
		cmds[fmt.Sprintf("k%d", i)] = bitrix.Command{Method: "crm.deal.get"}
	}
	_, err := client.Batch(context.Background(), cmds)
	assert.True(t, errors.Is(err, bitrix.ErrBatchTooLarge))
}

func TestSplitCommands(t *testing.T) {
	cmds := make(map[string]bitrix.Command, 120)
	for i := 0; i < 120; i++ {
		cmds[fmt.Sprintf("k%03d", i)] = bitrix.Command{Method: "crm.deal.get"}
	}

	chunks := bitrix.SplitCommands(cmds, 0)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 50)
	assert.Len(t, chunks[1], 50)
	assert.Len(t, chunks[2], 20)
	assert.Contains(t, chunks[0], "k000")
	assert.Contains(t, chunks[2], "k119")
}

func TestCallReturnsAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"QUERY_LIMIT_EXCEEDED","error_description":"Too many requests"}`))
	})

	err := client.Call(context.Background(), "crm.deal.get", map[string]any{"id": 1}, nil)
	var apiErr bitrix.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "QUERY_LIMIT_EXCEEDED", apiErr.Code)
	assert.True(t, bitrix.IsTransient(err))
}
