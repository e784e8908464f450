package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"prodfactory.io/internal/codec"
	"prodfactory.io/internal/protocol"
	"prodfactory.io/internal/sim/game"
)

const maxReplyBytes = 1 << 20

// HTTPClient talks to the /api endpoints. The session cookie lives in the client's jar; a
// 401 creates a new session and the request is retried once.
type HTTPClient struct {
	base string
	hc   *http.Client
}

func NewHTTPClient(baseURL string, hc *http.Client) (*HTTPClient, error) {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		hc.Jar = jar
	}
	return &HTTPClient{base: strings.TrimRight(baseURL, "/"), hc: hc}, nil
}

// Jar holds the session cookie, for dialing the websocket with the same session.
func (c *HTTPClient) Jar() http.CookieJar { return c.hc.Jar }

// NewSession asks the server for a fresh session cookie.
func (c *HTTPClient) NewSession(ctx context.Context) error {
	status, body, err := c.send(ctx, http.MethodPost, "/api/session", nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return statusError(status, body)
	}
	return nil
}

func (c *HTTPClient) Load(ctx context.Context) (protocol.StateBody, error) {
	var out protocol.StateBody
	status, body, err := c.do(ctx, http.MethodGet, "/api/game", nil)
	if err != nil {
		return out, err
	}
	switch status {
	case http.StatusOK:
		return out, json.Unmarshal(body, &out)
	case http.StatusNotFound:
		return out, ErrNotFound
	}
	return out, statusError(status, body)
}

func (c *HTTPClient) Save(ctx context.Context, w codec.WireState, version int64) (protocol.WriteBody, error) {
	return c.write(ctx, protocol.OpSave, w, version)
}

func (c *HTTPClient) Sync(ctx context.Context, w codec.WireState, version int64) (protocol.WriteBody, error) {
	return c.write(ctx, protocol.OpSync, w, version)
}

func (c *HTTPClient) write(ctx context.Context, op protocol.Op, w codec.WireState, version int64) (protocol.WriteBody, error) {
	var out protocol.WriteBody
	body, err := c.post(ctx, op, protocol.SaveBody{State: w, ServerVersion: version})
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(body, &out)
}

func (c *HTTPClient) Action(ctx context.Context, a game.Action, version int64) (protocol.StateBody, error) {
	var payload any
	switch {
	case a.Kind.ResourceScoped():
		payload = protocol.ResourceActionBody{ResourceID: string(a.Resource), ServerVersion: version}
	case a.Kind == game.ActionActivateBoost:
		payload = protocol.BoostActionBody{BoostID: string(a.Boost), ServerVersion: version}
	default:
		payload = protocol.VersionBody{ServerVersion: version}
	}
	return c.stateCall(ctx, protocol.Op(a.Kind), payload)
}

func (c *HTTPClient) Reset(ctx context.Context, version int64) (protocol.StateBody, error) {
	return c.stateCall(ctx, protocol.OpReset, protocol.VersionBody{ServerVersion: version})
}

func (c *HTTPClient) stateCall(ctx context.Context, op protocol.Op, payload any) (protocol.StateBody, error) {
	var out protocol.StateBody
	body, err := c.post(ctx, op, payload)
	if err != nil {
		return out, err
	}
	return out, json.Unmarshal(body, &out)
}

// post sends a write and maps 409 to *ConflictError and other failures to *StatusError.
func (c *HTTPClient) post(ctx context.Context, op protocol.Op, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	status, body, err := c.do(ctx, http.MethodPost, "/api/game/"+string(op), b)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return body, nil
	case http.StatusConflict:
		var sb protocol.StateBody
		if err := json.Unmarshal(body, &sb); err != nil {
			return nil, fmt.Errorf("client: decode conflict: %w", err)
		}
		return nil, &ConflictError{State: sb.State, ServerVersion: sb.ServerVersion}
	}
	return nil, statusError(status, body)
}

// do sends the request, and on a 401 creates a session and sends it exactly once more.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	status, reply, err := c.send(ctx, method, path, body)
	if err != nil || status != http.StatusUnauthorized {
		return status, reply, err
	}
	if err := c.NewSession(ctx); err != nil {
		return 0, nil, err
	}
	return c.send(ctx, method, path, body)
}

func (c *HTTPClient) send(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, reply, nil
}

func statusError(status int, body []byte) error {
	var eb protocol.ErrorBody
	_ = json.Unmarshal(body, &eb)
	if eb.Error == "" {
		eb.Error = http.StatusText(status)
	}
	return &StatusError{Status: status, Code: eb.Code, Message: eb.Error}
}
