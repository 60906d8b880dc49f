package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// httpCaller speaks the JSON-RPC 2.0 envelope over HTTP POST, one request
// per round trip. Ids are monotonic per caller, mirroring the stdio
// transport even though HTTP correlates by connection.
type httpCaller struct {
	url     string
	client  *http.Client
	nextID  atomic.Int64
	timeout time.Duration
}

func newHTTPCaller(url string, callTimeout time.Duration) *httpCaller {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &httpCaller{
		url:     url,
		client:  &http.Client{Timeout: callTimeout},
		timeout: callTimeout,
	}
}

type httpRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type httpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Call posts one JSON-RPC request and decodes the response envelope.
func (c *httpCaller) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(httpRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool server returned HTTP %d", resp.StatusCode)
	}

	var envelope httpResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	return envelope.Result, nil
}

func (c *httpCaller) Close() error {
	c.client.CloseIdleConnections()
	return nil
}
