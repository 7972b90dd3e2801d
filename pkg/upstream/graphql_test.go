package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flare-foundation/rollup-archive-indexer/pkg/archive"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	testAddress = "B62qkMUJyt7LmPnfu8in6qshaQSvTgLgNjx6h7YySRJ28wJegJ82n6u"

	eventsResponse = `{"data":{"events":[
  {"blockInfo":{"height":10,"stateHash":"3NKa"},"eventData":[
    {"accountUpdateId":"7","data":["1","2"],"transactionInfo":{"hash":"5JuA","memo":"E4Y","status":"applied","sequenceNumber":0}},
    {"accountUpdateId":"8","data":["3"],"transactionInfo":null}
  ]},
  {"blockInfo":{"height":20,"stateHash":"3NKb"},"eventData":[
    {"accountUpdateId":"9","data":["4"],"transactionInfo":{"hash":"5JuB","status":"failed"}}
  ]}
]}}`

	actionsResponse = `{"data":{"actions":[
  {"blockInfo":{"height":30},"actionState":{"actionStateOne":"111","actionStateTwo":"222"},"actionData":[
    {"accountUpdateId":"10","data":["5","6"],"transactionInfo":{"hash":"5JuA","memo":"E4Y","status":"applied","sequenceNumber":4}}
  ]}
]}}`
)

type recordedRequest struct {
	Query     string                            `json:"query"`
	Variables map[string]map[string]interface{} `json:"variables"`
}

func newArchiveServer(t *testing.T, handler func(req recordedRequest) (int, string)) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req recordedRequest
		require.NoError(t, json.Unmarshal(body, &req))

		status, resp := handler(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestFetchArchive(t *testing.T) {
	token := "wSHV2S4qX9jFsLjQo8r1BsMLH2ZRKsZx6EJd1sbozGPieEC4Jf"

	srv := newArchiveServer(t, func(req recordedRequest) (int, string) {
		input := req.Variables["input"]
		require.Equal(t, testAddress, input["address"])
		require.Equal(t, token, input["tokenId"])

		if strings.Contains(req.Query, "actions(") {
			return http.StatusOK, actionsResponse
		}
		return http.StatusOK, eventsResponse
	})

	client := NewGraphQLClient(time.Second)
	result, err := client.FetchArchive(context.Background(), Query{SourceURL: srv.URL, PublicKey: testAddress, TokenID: &token})
	require.NoError(t, err)

	require.Len(t, result.Events, 3)
	require.Len(t, result.Actions, 1)
	require.Equal(t, uint64(30), result.LatestHeight())

	first := result.Events[0]
	require.Equal(t, uint64(10), first.Height)
	require.Equal(t, []string{"1", "2"}, first.Data)
	hash, ok := first.TxInfo.TxHash()
	require.True(t, ok)
	require.Equal(t, "5JuA", hash)
	require.Equal(t, uint64(0), *first.TxInfo.SequenceNumber)

	// a record without transaction info is kept
	require.Nil(t, result.Events[1].TxInfo)

	action := result.Actions[0]
	require.Equal(t, "111", *action.StateBefore)
	require.Equal(t, "222", *action.StateAfter)
	require.Equal(t, uint64(4), *action.TxInfo.SequenceNumber)

	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(action.Raw, &payload))
	require.Contains(t, payload, "blockInfo")
	require.Contains(t, payload, "actionState")
	require.Contains(t, payload, "actionData")

	// records of one block group hash differently
	h0, err := archive.HashRecord(&result.Events[0])
	require.NoError(t, err)
	h1, err := archive.HashRecord(&result.Events[1])
	require.NoError(t, err)
	require.NotEqual(t, h0, h1)
}

func TestFetchArchiveOmitsNilToken(t *testing.T) {
	srv := newArchiveServer(t, func(req recordedRequest) (int, string) {
		require.NotContains(t, req.Variables["input"], "tokenId")
		if strings.Contains(req.Query, "actions(") {
			return http.StatusOK, `{"data":{"actions":[]}}`
		}
		return http.StatusOK, `{"data":{"events":[]}}`
	})

	result, err := NewGraphQLClient(time.Second).FetchArchive(context.Background(), Query{SourceURL: srv.URL, PublicKey: testAddress})
	require.NoError(t, err)
	require.Empty(t, result.Records())
	require.Equal(t, uint64(0), result.LatestHeight())
}

func TestFetchArchiveErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "graphql error",
			status: http.StatusOK,
			body:   `{"errors":[{"message":"invalid address"}]}`,
			check: func(t *testing.T, err error) {
				var respErr *ResponseError
				require.True(t, errors.As(err, &respErr))
				require.Equal(t, "invalid address", respErr.Message)
			},
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			body:   `not here`,
			check: func(t *testing.T, err error) {
				var respErr *ResponseError
				require.True(t, errors.As(err, &respErr))
				require.Equal(t, http.StatusNotFound, respErr.StatusCode)
			},
		},
		{
			name:   "not json",
			status: http.StatusOK,
			body:   `<html>`,
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrMalformedResponse)
			},
		},
		{
			name:   "missing height",
			status: http.StatusOK,
			body:   `{"data":{"events":[{"blockInfo":{},"eventData":[{}]}],"actions":[]}}`,
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, ErrMalformedResponse)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := newArchiveServer(t, func(recordedRequest) (int, string) {
				calls.Add(1)
				return tt.status, tt.body
			})

			source := WithBackoff(NewGraphQLClient(time.Second), 5*time.Second, time.Second)
			_, err := source.FetchArchive(context.Background(), Query{SourceURL: srv.URL, PublicKey: testAddress})
			require.Error(t, err)
			tt.check(t, err)

			// permanent failures are not retried: one events and one actions call at most
			require.LessOrEqual(t, calls.Load(), int32(2))
		})
	}
}

func TestWithBackoffRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := newArchiveServer(t, func(req recordedRequest) (int, string) {
		if calls.Add(1) <= 2 {
			return http.StatusBadGateway, `upstream down`
		}
		if strings.Contains(req.Query, "actions(") {
			return http.StatusOK, actionsResponse
		}
		return http.StatusOK, eventsResponse
	})

	source := WithBackoff(NewGraphQLClient(time.Second), 10*time.Second, time.Second)
	result, err := source.FetchArchive(context.Background(), Query{SourceURL: srv.URL, PublicKey: testAddress})
	require.NoError(t, err)
	require.Len(t, result.Records(), 4)
}

func TestWithBackoffGivesUp(t *testing.T) {
	srv := newArchiveServer(t, func(recordedRequest) (int, string) {
		return http.StatusServiceUnavailable, `busy`
	})

	source := WithBackoff(NewGraphQLClient(time.Second), 300*time.Millisecond, time.Second)
	_, err := source.FetchArchive(context.Background(), Query{SourceURL: srv.URL, PublicKey: testAddress})

	var respErr *ResponseError
	require.True(t, errors.As(err, &respErr))
	require.Equal(t, http.StatusServiceUnavailable, respErr.StatusCode)
}
