// Package game provides the JSON-RPC 2.0 client for one game server
// instance and a thin view over its state documents.
package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"resty.dev/v3"
)

// ErrNotConnected indicates a Call before Connect, a programming error,
// no network attempt is made.
var ErrNotConnected = errors.New("game client not connected")

// RPCError carries the server's error object verbatim. Name is the stable
// discriminant from error.data.name (e.g. "InvalidAction").
type RPCError struct {
	Code    int
	Message string
	Name    string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Name, e.Message)
}

type Client struct {
	host    string
	port    int
	timeout time.Duration

	http   *resty.Client
	nextID int
}

func NewClient(host string, port int) *Client {
	return &Client{host: host, port: port, timeout: 30 * time.Second}
}

// Connect creates the underlying HTTP client. Must be called before Call.
func (c *Client) Connect() {
	c.http = resty.New().
		SetBaseURL(fmt.Sprintf("http://%s:%d", c.host, c.port)).
		SetTimeout(c.timeout)
}

func (c *Client) Close() error {
	if c.http == nil {
		return nil
	}
	err := c.http.Close()
	c.http = nil
	return err
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcErrorBody   `json:"error"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name string `json:"name"`
	} `json:"data"`
}

// Call sends one JSON-RPC 2.0 request and returns the raw result. Request
// ids start at 1 and increase per client instance. Server-side errors are
// returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.http == nil {
		return nil, ErrNotConnected
	}
	if params == nil {
		params = map[string]any{}
	}

	c.nextID++
	payload := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID,
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post("/")
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("calling %s: %s", method, resp.Status())
	}

	// Decode the body directly; the server is not trusted to label
	// its replies with a JSON content type.
	var result rpcResponse
	if err := json.Unmarshal(resp.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("decoding %s reply: %w", method, err)
	}
	if result.Error != nil {
		return nil, &RPCError{
			Code:    result.Error.Code,
			Message: result.Error.Message,
			Name:    result.Error.Data.Name,
		}
	}
	return result.Result, nil
}
