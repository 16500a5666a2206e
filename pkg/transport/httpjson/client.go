package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/hexafed/go-registry/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// getJSON fetches a raw JSON payload with up to three attempts and
// exponential backoff between them.
func (c *Client) getJSON(ctx context.Context, url string) ([]byte, error) {
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
    if err != nil { return nil, err }
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, rerr := io.ReadAll(resp.Body)
            _ = resp.Body.Close()
            if rerr != nil {
                lastErr = rerr
            } else if resp.StatusCode != http.StatusOK {
                lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
            } else {
                return b, nil
            }
        }
        select {
        case <-ctx.Done():
            return nil, ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return nil, lastErr
}

// postJSON posts a JSON body and decodes the JSON response into out. Non-200
// responses are retried; the decoded body is preserved so the caller still
// sees a structured error field.
func (c *Client) postJSON(ctx context.Context, url string, in, out interface{}) error {
    body, err := json.Marshal(in)
    if err != nil { return err }
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
        if err != nil { return err }
        req.Header.Set("Content-Type", "application/json")
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, rerr := io.ReadAll(resp.Body)
            _ = resp.Body.Close()
            if rerr != nil {
                lastErr = rerr
            } else {
                _ = json.Unmarshal(b, out)
                if resp.StatusCode != http.StatusOK {
                    lastErr = fmt.Errorf("%s status %d: %s", url, resp.StatusCode, string(b))
                } else {
                    return nil
                }
            }
        }
        select {
        case <-ctx.Done():
            if lastErr == nil { lastErr = ctx.Err() }
            return lastErr
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return lastErr
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    return c.getJSON(ctx, c.url(addr, "/status"))
}

func (c *Client) GetRegistry(ctx context.Context, addr string) ([]byte, error) {
    return c.getJSON(ctx, c.url(addr, "/registry"))
}

func (c *Client) GetDiagnostics(ctx context.Context, addr string) ([]byte, error) {
    return c.getJSON(ctx, c.url(addr, "/diagnostics"))
}

func (c *Client) PostPropose(ctx context.Context, addr string, req transport.ProposeRequest) (transport.ProposeResponse, error) {
    var out transport.ProposeResponse
    err := c.postJSON(ctx, c.url(addr, "/propose"), req, &out)
    return out, err
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    err := c.postJSON(ctx, c.url(addr, "/join"), req, &out)
    return out, err
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    err := c.postJSON(ctx, c.url(addr, "/leave"), req, &out)
    return out, err
}

var _ transport.RPCClient = (*Client)(nil)
