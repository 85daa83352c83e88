package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

/*
Endpoints used by this package:

@routes.get("/object_info")
@routes.get("/embeddings")
@routes.get("/system_stats")
@routes.get("/prompt")
@routes.get("/history/{prompt_id}")
@routes.get("/view")
@routes.get("/ws")

@routes.post("/prompt")
@routes.post("/interrupt")
@routes.post("/upload/image")
*/

// ComfyClient talks to a single ComfyUI server. It holds no per-job state;
// every submission gets its own client token and progress channel.
type ComfyClient struct {
	baseURL    *url.URL
	httpclient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
}

// NewComfyClient creates a client for serverURL, e.g. "http://127.0.0.1:8188".
// A bare "host:port" is treated as http.
func NewComfyClient(serverURL string, logger *slog.Logger) (*ComfyClient, error) {
	return NewComfyClientWithTimeout(serverURL, 0, logger)
}

// NewComfyClientWithTimeout is NewComfyClient with an overall HTTP request
// timeout and WebSocket handshake timeout. Zero means no timeout.
func NewComfyClientWithTimeout(serverURL string, timeout time.Duration, logger *slog.Logger) (*ComfyClient, error) {
	u, err := parseServerURL(serverURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer := *websocket.DefaultDialer
	if timeout > 0 {
		dialer.HandshakeTimeout = timeout
	}

	return &ComfyClient{
		baseURL:    u,
		httpclient: &http.Client{Timeout: timeout},
		dialer:     &dialer,
		logger:     logger,
	}, nil
}

func parseServerURL(serverURL string) (*url.URL, error) {
	s := strings.TrimSpace(serverURL)
	if s == "" {
		return nil, fmt.Errorf("server url is empty")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse server url %q: %w", serverURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q has no host", serverURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// BaseURL returns the normalized server URL.
func (c *ComfyClient) BaseURL() string {
	return c.baseURL.String()
}

// return the underlying http client
func (c *ComfyClient) HttpClient() *http.Client {
	return c.httpclient
}

// set the underlying http client
func (c *ComfyClient) SetHttpClient(client *http.Client) {
	c.httpclient = client
}

func (c *ComfyClient) Logger() *slog.Logger {
	return c.logger
}

// WebSocketURL derives the progress stream address for clientToken:
// http becomes ws, https becomes wss, and servers mounted under /api
// expose the stream at /api/ws.
func (c *ComfyClient) WebSocketURL(clientToken string) string {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	if i := strings.Index(u.Path, "/api"); i >= 0 {
		u.Path = u.Path[:i] + "/api/ws"
	} else {
		u.Path = u.Path + "/ws"
	}

	q := url.Values{}
	q.Set("clientId", clientToken)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *ComfyClient) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = u.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do performs a request; transport failures come back as *NetworkError.
func (c *ComfyClient) do(ctx context.Context, method string, path string, query url.Values, contentType string, body io.Reader) (*http.Response, error) {
	op := method + " " + path
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	return resp, nil
}

// getJSON decodes the body of a 200 response into v. Numbers are kept as
// json.Number where v has interface{} fields.
func (c *ComfyClient) getJSON(ctx context.Context, path string, query url.Values, v interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, query, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: "GET " + path, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &NetworkError{Op: "GET " + path, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(body)))}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
