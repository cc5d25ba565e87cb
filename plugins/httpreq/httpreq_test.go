package httpreq_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowstate.dev/flowstate/plugins/httpreq"
	"flowstate.dev/flowstate/runtime/routine/credentials"
	"flowstate.dev/flowstate/runtime/routine/execerrors"
	"flowstate.dev/flowstate/runtime/routine/plugin"
)

func newPlugin(srv *httptest.Server) *httpreq.Plugin {
	return httpreq.New(httpreq.Options{
		Client:                srv.Client(),
		HostRequestsPerSecond: 1000,
	})
}

func execute(t *testing.T, p *httpreq.Plugin, config map[string]any, creds credentials.Data) (*plugin.Output, error) {
	t.Helper()
	req := plugin.Request{Config: config}
	if creds != nil {
		req.Context.Credentials = map[string]credentials.Data{httpreq.CredentialAuth: creds}
	}
	return p.Execute(context.Background(), req)
}

func TestGetDecodesJSONResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "req-1")
		_, _ = w.Write([]byte(`{"ok": true, "count": 2}`))
	}))
	defer srv.Close()

	out, err := execute(t, newPlugin(srv), map[string]any{"url": srv.URL}, nil)
	require.NoError(t, err)
	require.Len(t, out.Ports[httpreq.PortOut], 1)

	value := out.Ports[httpreq.PortOut][0].(map[string]any)
	require.Equal(t, http.StatusOK, value["status"])
	require.Equal(t, map[string]any{"ok": true, "count": 2.0}, value["body"])
	headers := value["headers"].(map[string]any)
	require.Equal(t, "req-1", headers["X-Request-Id"])
}

func TestPostForwardsJSONBody(t *testing.T) {
	t.Parallel()

	var (
		gotMethod      string
		gotContentType string
		gotBody        []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	out, err := execute(t, newPlugin(srv), map[string]any{
		"url":    srv.URL,
		"method": "POST",
		"body":   map[string]any{"name": "ada"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "application/json", gotContentType)
	require.JSONEq(t, `{"name": "ada"}`, string(gotBody))

	value := out.Ports[httpreq.PortOut][0].(map[string]any)
	require.Equal(t, http.StatusCreated, value["status"])
	require.Nil(t, value["body"])
}

func TestStringBodyAndCustomHeadersPassThrough(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Get("X-Tenant")
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	out, err := execute(t, newPlugin(srv), map[string]any{
		"url":     srv.URL,
		"method":  "PUT",
		"body":    "raw payload",
		"headers": map[string]any{"X-Tenant": "t-7"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "raw payload", string(gotBody))
	require.Equal(t, "t-7", gotHeader)

	value := out.Ports[httpreq.PortOut][0].(map[string]any)
	require.Equal(t, "plain text", value["body"])
}

func TestServerErrorIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := execute(t, newPlugin(srv), map[string]any{"url": srv.URL}, nil)
	require.Error(t, err)
	require.Equal(t, execerrors.KindPluginRetryable, execerrors.KindOf(err))
}

func TestTooManyRequestsIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := execute(t, newPlugin(srv), map[string]any{"url": srv.URL}, nil)
	require.Error(t, err)
	require.Equal(t, execerrors.KindPluginRetryable, execerrors.KindOf(err))
}

func TestClientErrorIsFatal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := execute(t, newPlugin(srv), map[string]any{"url": srv.URL}, nil)
	require.Error(t, err)
	require.Equal(t, execerrors.KindPluginFatal, execerrors.KindOf(err))
}

func TestTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := execute(t, newPlugin(srv), map[string]any{
		"url":            srv.URL,
		"timeoutSeconds": 0.05,
	}, nil)
	require.Error(t, err)
	require.Equal(t, execerrors.KindPluginRetryable, execerrors.KindOf(err))
}

func TestInvalidURLIsFatal(t *testing.T) {
	t.Parallel()

	p := httpreq.New(httpreq.Options{})
	_, err := p.Execute(context.Background(), plugin.Request{
		Config: map[string]any{"url": "not a url"},
	})
	require.Error(t, err)
	require.Equal(t, execerrors.KindPluginFatal, execerrors.KindOf(err))
}

func TestBearerCredentialSetsAuthorization(t *testing.T) {
	t.Parallel()

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	_, err := execute(t, newPlugin(srv), map[string]any{"url": srv.URL},
		credentials.Data{"type": "bearer", "token": "s3cret"})
	require.NoError(t, err)
	require.Equal(t, "Bearer s3cret", gotAuth)
}

func TestBasicCredentialSetsUserPassword(t *testing.T) {
	t.Parallel()

	var gotUser, gotPass string
	var gotOK bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
	}))
	defer srv.Close()

	_, err := execute(t, newPlugin(srv), map[string]any{"url": srv.URL},
		credentials.Data{"type": "basic", "username": "ada", "password": "pw"})
	require.NoError(t, err)
	require.True(t, gotOK)
	require.Equal(t, "ada", gotUser)
	require.Equal(t, "pw", gotPass)
}

func TestHeaderCredentialSetsCustomHeader(t *testing.T) {
	t.Parallel()

	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
	}))
	defer srv.Close()

	_, err := execute(t, newPlugin(srv), map[string]any{"url": srv.URL},
		credentials.Data{"type": "header", "name": "X-Api-Key", "value": "k-1"})
	require.NoError(t, err)
	require.Equal(t, "k-1", gotKey)
}

func TestPerHostRateLimitThrottles(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	p := httpreq.New(httpreq.Options{
		Client:                srv.Client(),
		HostRequestsPerSecond: 50,
		HostBurst:             1,
	})
	config := map[string]any{"url": srv.URL}

	start := time.Now()
	_, err := execute(t, p, config, nil)
	require.NoError(t, err)
	_, err = execute(t, p, config, nil)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestJSONResponseParsing(t *testing.T) {
	t.Parallel()

	payload := map[string]any{"items": []any{1.0, 2.0}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(payload)
	}))
	defer srv.Close()

	out, err := execute(t, newPlugin(srv), map[string]any{"url": srv.URL}, nil)
	require.NoError(t, err)
	value := out.Ports[httpreq.PortOut][0].(map[string]any)
	require.Equal(t, payload, value["body"])
}

func TestDeclaresOptionalAuthCredential(t *testing.T) {
	t.Parallel()

	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(httpreq.New(httpreq.Options{})))
	entry, ok := reg.Lookup(httpreq.ID)
	require.True(t, ok)
	require.Equal(t, []string{httpreq.PortOut}, entry.OutputPorts())

	def := entry.Definition()
	require.Len(t, def.CredentialRequests, 1)
	require.Equal(t, httpreq.CredentialAuth, def.CredentialRequests[0].Alias)
	require.False(t, def.CredentialRequests[0].Required)

	require.Error(t, entry.ValidateConfig(map[string]any{"method": "GET"}))
	require.Error(t, entry.ValidateConfig(map[string]any{"url": "http://x", "method": "FETCH"}))
	require.NoError(t, entry.ValidateConfig(map[string]any{"url": "http://x", "method": "DELETE"}))
}
