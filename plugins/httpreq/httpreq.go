// Package httpreq implements the HTTP request plugin. Each invocation issues
// one request built from the node's resolved parameters and emits the
// response (status, headers, decoded body) as a single item on the out port.
//
// Requests are rate limited per target host so fan-outs hitting the same API
// do not stampede it. Failures are classified for the retry policy: timeouts,
// transport errors and 429/5xx responses are retryable; other 4xx responses
// fail the node.
package httpreq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"flowstate.dev/flowstate/runtime/routine/credentials"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/plugin"
)

// ID is the registry key of the HTTP request plugin.
const ID = "httpreq"

// PortOut is the single output port carrying the response.
const PortOut = "out"

// CredentialAuth is the credential alias the plugin reads auth material from.
// The credential data selects the scheme through its "type" key: "bearer"
// (token), "basic" (username/password) or "header" (name/value).
const CredentialAuth = "auth"

// maxResponseBody bounds how much of a response body is read into the item.
const maxResponseBody = 8 << 20

var configSchema = json.RawMessage(`{
	"type": "object",
	"required": ["url"],
	"properties": {
		"url": {"type": "string", "minLength": 1},
		"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]},
		"headers": {"type": "object", "additionalProperties": {"type": "string"}},
		"body": {},
		"timeoutSeconds": {"type": "number", "exclusiveMinimum": 0}
	}
}`)

var outputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"out": {"type": "array"}
	}
}`)

// Options configures the HTTP request plugin.
type Options struct {
	// Client is the HTTP client used for all requests. Defaults to a client
	// with a 30 second timeout.
	Client *http.Client

	// HostRequestsPerSecond caps the request rate per target host. Defaults
	// to 10.
	HostRequestsPerSecond float64

	// HostBurst is the per-host burst allowance. Defaults to the rounded-up
	// rate, minimum 1.
	HostBurst int
}

// Plugin is the HTTP request plugin. Safe for concurrent invocations.
type Plugin struct {
	client *http.Client
	rps    rate.Limit
	burst  int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New returns an HTTP request plugin with the given options.
func New(opts Options) *Plugin {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	rps := opts.HostRequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := opts.HostBurst
	if burst <= 0 {
		burst = int(rps)
		if float64(burst) < rps {
			burst++
		}
		if burst < 1 {
			burst = 1
		}
	}
	return &Plugin{
		client:   client,
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Definition implements plugin.Plugin.
func (p *Plugin) Definition() plugin.Definition {
	return plugin.Definition{
		ID:           ID,
		Name:         "HTTP Request",
		Version:      "1.0.0",
		ConfigSchema: configSchema,
		OutputSchema: outputSchema,
		CredentialRequests: []plugin.CredentialRequest{
			{Alias: CredentialAuth, Required: false},
		},
	}
}

// Execute issues the configured request and emits the response on out.
func (p *Plugin) Execute(ctx context.Context, req plugin.Request) (*plugin.Output, error) {
	rawURL, _ := req.Config["url"].(string)
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return nil, execerrors.Newf(execerrors.KindPluginFatal, "invalid url %q", rawURL)
	}

	method := http.MethodGet
	if m, ok := req.Config["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	body, contentType, err := encodeBody(req.Config["body"])
	if err != nil {
		return nil, execerrors.Wrap(execerrors.KindPluginFatal, "encode request body", err)
	}

	if secs := floatConfig(req.Config, "timeoutSeconds"); secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs*float64(time.Second)))
		defer cancel()
	}

	if err := p.limiterFor(target.Host).Wait(ctx); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, execerrors.Wrap(execerrors.KindPluginFatal, "build request", err)
	}
	if headers, ok := req.Config["headers"].(map[string]any); ok {
		for name, value := range headers {
			if s, ok := value.(string); ok {
				httpReq.Header.Set(name, s)
			}
		}
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	applyAuth(httpReq, req.Context.Credentials[CredentialAuth])

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	value, err := responseValue(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, execerrors.Newf(execerrors.KindPluginRetryable,
			"%s %s returned status %d", method, target.String(), resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, execerrors.Newf(execerrors.KindPluginFatal,
			"%s %s returned status %d", method, target.String(), resp.StatusCode)
	}
	return &plugin.Output{Ports: map[string][]any{PortOut: {value}}}, nil
}

// limiterFor returns the rate limiter for the given host, creating it on
// first use.
func (p *Plugin) limiterFor(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	limiter, ok := p.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(p.rps, p.burst)
		p.limiters[host] = limiter
	}
	return limiter
}

func encodeBody(body any) (io.Reader, string, error) {
	switch v := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		if v == "" {
			return nil, "", nil
		}
		return strings.NewReader(v), "", nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func applyAuth(req *http.Request, data credentials.Data) {
	if len(data) == 0 {
		return
	}
	switch data["type"] {
	case "basic":
		req.SetBasicAuth(data["username"], data["password"])
	case "header":
		if data["name"] != "" {
			req.Header.Set(data["name"], data["value"])
		}
	default:
		if token := data["token"]; token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
}

// classifyTransportError maps client errors onto retry classifications.
// Timeouts and transport failures are transient.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return execerrors.Wrap(execerrors.KindPluginRetryable, "request timed out", err)
	}
	return execerrors.Wrap(execerrors.KindPluginRetryable, "request failed", err)
}

// responseValue builds the item emitted for a response: status code, header
// values and the body decoded as JSON when the content type announces it.
func responseValue(resp *http.Response) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, execerrors.Wrap(execerrors.KindPluginRetryable, "read response body", err)
	}

	headers := make(map[string]any, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	var body any
	if len(raw) > 0 {
		if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
			if err := json.Unmarshal(raw, &body); err != nil {
				body = string(raw)
			}
		} else {
			body = string(raw)
		}
	}
	return map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    body,
	}, nil
}

func floatConfig(config map[string]any, key string) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}

var _ plugin.Plugin = (*Plugin)(nil)
