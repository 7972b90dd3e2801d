package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/archive"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	eventsQuery = `query Events($input: EventFilterOptionsInput!) {
  events(input: $input) {
    blockInfo { height stateHash parentHash ledgerHash chainStatus timestamp globalSlotSinceGenesis }
    eventData {
      accountUpdateId
      data
      transactionInfo { hash memo status sequenceNumber authorizationKind zkappAccountUpdateIds }
    }
  }
}`

	actionsQuery = `query Actions($input: ActionFilterOptionsInput!) {
  actions(input: $input) {
    blockInfo { height stateHash parentHash ledgerHash chainStatus timestamp globalSlotSinceGenesis }
    actionState { actionStateOne actionStateTwo }
    actionData {
      accountUpdateId
      data
      transactionInfo { hash memo status sequenceNumber authorizationKind zkappAccountUpdateIds }
    }
  }
}`

	maxResponseBytes = 256 << 20
)

var ErrMalformedResponse = errors.New("malformed archive response")

// ResponseError is a non-success answer from the sequencer.
type ResponseError struct {
	StatusCode int
	Message    string
}

func (e *ResponseError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("graphql error: %s", e.Message)
	}

	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *ResponseError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// GraphQLClient queries the sequencer's archive GraphQL endpoint.
type GraphQLClient struct {
	client *http.Client
}

func NewGraphQLClient(timeout time.Duration) *GraphQLClient {
	return &GraphQLClient{client: &http.Client{Timeout: timeout}}
}

// FetchArchive issues the events and actions queries concurrently.
func (c *GraphQLClient) FetchArchive(ctx context.Context, q Query) (*archive.Archive, error) {
	input := map[string]interface{}{"address": q.PublicKey}
	if q.TokenID != nil {
		input["tokenId"] = *q.TokenID
	}
	variables := map[string]interface{}{"input": input}

	result := new(archive.Archive)
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		var data struct {
			Events []eventGroup `json:"events"`
		}
		if err := c.do(ctx, q.SourceURL, eventsQuery, variables, &data); err != nil {
			return errors.Wrap(err, "events query")
		}

		events, err := flattenEvents(data.Events)
		if err != nil {
			return backoff.Permanent(err)
		}

		result.Events = events
		return nil
	})

	eg.Go(func() error {
		var data struct {
			Actions []actionGroup `json:"actions"`
		}
		if err := c.do(ctx, q.SourceURL, actionsQuery, variables, &data); err != nil {
			return errors.Wrap(err, "actions query")
		}

		actions, err := flattenActions(data.Actions)
		if err != nil {
			return backoff.Permanent(err)
		}

		result.Actions = actions
		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// do posts a GraphQL request. Transport errors and 5xx/429 answers are
// returned as is so they can be retried; everything else is permanent.
func (c *GraphQLClient) do(ctx context.Context, endpoint, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respErr := &ResponseError{StatusCode: resp.StatusCode, Message: truncate(string(raw), 256)}
		if respErr.retryable() {
			return respErr
		}
		return backoff.Permanent(respErr)
	}

	var gqlResp graphQLResponse
	if err := json.Unmarshal(raw, &gqlResp); err != nil {
		return backoff.Permanent(errors.Wrap(ErrMalformedResponse, err.Error()))
	}

	if len(gqlResp.Errors) > 0 {
		return backoff.Permanent(&ResponseError{Message: gqlResp.Errors[0].Message})
	}

	if len(gqlResp.Data) == 0 || string(gqlResp.Data) == "null" {
		return backoff.Permanent(errors.Wrap(ErrMalformedResponse, "missing data"))
	}

	if err := json.Unmarshal(gqlResp.Data, out); err != nil {
		return backoff.Permanent(errors.Wrap(ErrMalformedResponse, err.Error()))
	}

	return nil
}

func drainAndClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
