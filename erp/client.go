// Package erp mirrors subscription, invoice, payment and usage state into an
// Odoo-compatible ERP over JSON-RPC. Every operation is safe to retry.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Config configures a Client.
type Config struct {
	URL      string        `yaml:"url"`
	Database string        `yaml:"database"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
	// RatePerSecond bounds outbound RPCs. Zero disables limiting.
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

// RPCError is an error reported by the ERP server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

func (e *RPCError) Error() string {
	if e.Data.Message != "" {
		return fmt.Sprintf("erp: %s: %s", e.Data.Name, e.Data.Message)
	}
	return fmt.Sprintf("erp: rpc error %d: %s", e.Code, e.Message)
}

// accessDenied reports whether the server rejected our credentials or session.
func (e *RPCError) accessDenied() bool {
	return strings.Contains(e.Data.Name, "AccessDenied") || strings.Contains(e.Data.Name, "SessionExpired")
}

// ErrAuthFailed is returned when login does not yield a user id.
var ErrAuthFailed = errors.New("erp: authentication failed")

// Client is an explicitly constructed JSON-RPC client. It logs in lazily and
// caches the user id until the server rejects it.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu  sync.Mutex
	uid int64

	seq atomic.Int64
}

// NewClient creates a Client. A nil httpClient gets an otelhttp-instrumented
// transport.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{cfg: cfg, http: httpClient, logger: logger}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *Client) rpc(ctx context.Context, service, method string, args []any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("erp: rate limit: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.seq.Add(1),
	})
	if err != nil {
		return fmt.Errorf("erp: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.URL, "/")+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("erp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("erp: %s.%s: %w", service, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("erp: %s.%s: http %d: %s", service, method, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("erp: decode response: %w", err)
	}
	if rr.Error != nil {
		return rr.Error
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("erp: decode result: %w", err)
		}
	}
	return nil
}

func (c *Client) login(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uid != 0 {
		return c.uid, nil
	}
	var raw json.RawMessage
	if err := c.rpc(ctx, "common", "login", []any{c.cfg.Database, c.cfg.Username, c.cfg.Password}, &raw); err != nil {
		return 0, err
	}
	var uid int64
	if err := json.Unmarshal(raw, &uid); err != nil || uid == 0 {
		// Odoo answers false for bad credentials.
		return 0, ErrAuthFailed
	}
	c.uid = uid
	return uid, nil
}

func (c *Client) resetSession() {
	c.mu.Lock()
	c.uid = 0
	c.mu.Unlock()
}

// Call runs model.method through execute_kw. out receives the decoded result.
func (c *Client) Call(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	for attempt := 0; ; attempt++ {
		uid, err := c.login(ctx)
		if err != nil {
			return err
		}
		err = c.rpc(ctx, "object", "execute_kw",
			[]any{c.cfg.Database, uid, c.cfg.Password, model, method, args, kwargs}, out)
		var rpcErr *RPCError
		if attempt == 0 && errors.As(err, &rpcErr) && rpcErr.accessDenied() {
			c.logger.Info("erp session rejected, logging in again", "model", model, "method", method)
			c.resetSession()
			continue
		}
		if err != nil {
			return fmt.Errorf("erp: %s.%s: %w", model, method, err)
		}
		return nil
	}
}

// Create creates a record and returns its id.
func (c *Client) Create(ctx context.Context, model string, values map[string]any) (int64, error) {
	var id int64
	if err := c.Call(ctx, model, "create", []any{values}, nil, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// Write updates records.
func (c *Client) Write(ctx context.Context, model string, ids []int64, values map[string]any) error {
	return c.Call(ctx, model, "write", []any{ids, values}, nil, nil)
}

// Unlink deletes records.
func (c *Client) Unlink(ctx context.Context, model string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return c.Call(ctx, model, "unlink", []any{ids}, nil, nil)
}

// Search returns ids matching domain. limit <= 0 means no limit.
func (c *Client) Search(ctx context.Context, model string, domain []any, limit int) ([]int64, error) {
	kwargs := map[string]any{}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	var ids []int64
	if err := c.Call(ctx, model, "search", []any{domain}, kwargs, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// SearchRead decodes matching records with the given fields into out.
func (c *Client) SearchRead(ctx context.Context, model string, domain []any, fields []string, limit int, out any) error {
	kwargs := map[string]any{"fields": fields}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	return c.Call(ctx, model, "search_read", []any{domain}, kwargs, out)
}

// Domain builds a search domain from (field, operator, value) triples.
func Domain(terms ...[3]any) []any {
	out := make([]any, 0, len(terms))
	for _, t := range terms {
		out = append(out, []any{t[0], t[1], t[2]})
	}
	return out
}

// Term is one domain triple.
func Term(field, op string, value any) [3]any { return [3]any{field, op, value} }
