package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fondiui/fondiui-server/internal/pki"
	"github.com/fondiui/fondiui-server/internal/proxy"
	"github.com/fondiui/fondiui-server/internal/spa"
)

const indexHTML = "<!doctype html><title>FondiUI</title>"

type fixture struct {
	cfg    *Config
	router *proxy.Router
	static http.Handler
}

// newFixture wires both proxy rules to TLS test upstreams that answer with
// "<rule> <path>", and a static root holding index.html and one asset.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	pool := x509.NewCertPool()
	upstream := func(name string) *url.URL {
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprintf(w, "%s %s", name, r.URL.Path)
		}))
		t.Cleanup(srv.Close)
		pool.AddCert(srv.Certificate())
		u, err := url.Parse(srv.URL)
		require.NoError(t, err)
		return u
	}

	rules := []proxy.Rule{
		{Name: "sso", Prefix: "/infor-sso", Upstream: upstream("sso"), ChangeOrigin: true},
		{Name: "ionapi", Prefix: "/ionapi", Upstream: upstream("ionapi"), ChangeOrigin: true},
	}
	router, err := proxy.NewRouter(rules, proxy.Options{RootCAs: pool})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte(indexHTML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("app"), 0o644))
	static, err := spa.New(dir, "index.html")
	require.NoError(t, err)

	return &fixture{
		cfg: &Config{
			Host:      "127.0.0.1",
			HTTPSPort: 8443,
			StaticDir: dir,
			IndexFile: "index.html",
		},
		router: router,
		static: static,
	}
}

func (f *fixture) handler() http.Handler {
	return NewHandler(f.cfg, f.router, f.static, nil, zerolog.Nop())
}

func get(t *testing.T, h http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	r := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		r.Header[k] = v
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestNewHandler_routes(t *testing.T) {
	h := newFixture(t).handler()

	tests := []struct {
		path string
		code int
		body string
	}{
		{path: "/infor-sso/foo", code: http.StatusOK, body: "sso /foo"},
		{path: "/ionapi/TENANT/LN/x?$top=1", code: http.StatusOK, body: "ionapi /TENANT/LN/x"},
		{path: "/ionapix", code: http.StatusOK, body: indexHTML},
		{path: "/app.js", code: http.StatusOK, body: "app"},
		{path: "/opportunities/42", code: http.StatusOK, body: indexHTML},
		{path: "/healthz", code: http.StatusOK, body: "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := get(t, h, tt.path, nil)
			require.Equal(t, tt.code, w.Code)
			require.Equal(t, tt.body, w.Body.String())
			require.NotEmpty(t, w.Header().Get("X-Request-Id"))
		})
	}
}

func TestNewHandler_redirect(t *testing.T) {
	f := newFixture(t)
	f.cfg.RedirectHTTPToHTTPS = true
	h := f.handler()

	t.Run("plaintext request is redirected", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/foo?x=1", nil)
		r.Host = "example.com:32100"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)

		require.Equal(t, http.StatusMovedPermanently, w.Code)
		require.Equal(t, "https://example.com:8443/foo?x=1", w.Header().Get("Location"))
	})

	t.Run("proxied prefix is redirected too", func(t *testing.T) {
		w := get(t, h, "/ionapi/x", nil)
		require.Equal(t, http.StatusMovedPermanently, w.Code)
	})

	t.Run("forwarded https is served", func(t *testing.T) {
		w := get(t, h, "/opportunities", http.Header{"X-Forwarded-Proto": {"https"}})
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, indexHTML, w.Body.String())
	})

	t.Run("health probe is never redirected", func(t *testing.T) {
		w := get(t, h, HealthPath, nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "ok", w.Body.String())
	})

	t.Run("default https port is omitted", func(t *testing.T) {
		f.cfg.HTTPSPort = 443
		r := httptest.NewRequest(http.MethodGet, "/foo", nil)
		r.Host = "example.com:32100"
		w := httptest.NewRecorder()
		f.handler().ServeHTTP(w, r)

		require.Equal(t, "https://example.com/foo", w.Header().Get("Location"))
	})
}

func TestNewHandler_cors(t *testing.T) {
	f := newFixture(t)
	f.cfg.CORSOrigins = []string{"http://localhost:5173"}
	h := f.handler()

	r := httptest.NewRequest(http.MethodOptions, "/ionapi/TENANT/LN/x", nil)
	r.Header.Set("Origin", "http://localhost:5173")
	r.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	r.Header.Set("Access-Control-Request-Headers", "Authorization")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	w = get(t, h, "/infor-sso/a", http.Header{"Origin": {"http://localhost:5173"}})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	w = get(t, h, "/", http.Header{"Origin": {"http://localhost:5173"}})
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewHandler_crossOriginWritesToAppRejected(t *testing.T) {
	h := newFixture(t).handler()

	r := httptest.NewRequest(http.MethodPost, "/opportunities", strings.NewReader("x"))
	r.Header.Set("Sec-Fetch-Site", "cross-site")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_httpOnly(t *testing.T) {
	f := newFixture(t)

	srv := New(f.cfg, nil, f.handler(), zerolog.Nop())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	addrs := srv.Addrs()
	require.Len(t, addrs, 1)
	require.Contains(t, addrs, SchemeHTTP)

	resp, err := http.Get("http://" + addrs[SchemeHTTP].String() + "/infor-sso/token")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "sso /token", string(body))
}

func TestServer_httpAndHTTPS(t *testing.T) {
	f := newFixture(t)
	f.cfg.HTTPSPort = 0

	material, err := pki.GenerateSelfSigned(time.Now(), "")
	require.NoError(t, err)

	srv := New(f.cfg, material, f.handler(), zerolog.Nop())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	addrs := srv.Addrs()
	require.Len(t, addrs, 2)

	pool := x509.NewCertPool()
	pool.AddCert(material.Leaf)
	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig:   &tls.Config{RootCAs: pool},
		ForceAttemptHTTP2: true,
	}}

	resp, err := client.Get("https://" + addrs[SchemeHTTPS].String() + "/deep/link")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, resp.ProtoMajor)
	require.Equal(t, indexHTML, string(body))

	resp, err = http.Get("http://" + addrs[SchemeHTTP].String() + "/ionapi/a")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ionapi /a", string(body))
}

func TestServer_bindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port

	f := newFixture(t)

	t.Run("http port in use", func(t *testing.T) {
		cfg := *f.cfg
		cfg.Port = busyPort

		srv := New(&cfg, nil, f.handler(), zerolog.Nop())
		require.Error(t, srv.Start(context.Background()))
		require.Empty(t, srv.Addrs())
	})

	t.Run("https port in use", func(t *testing.T) {
		material, err := pki.GenerateSelfSigned(time.Now(), "")
		require.NoError(t, err)

		cfg := *f.cfg
		cfg.HTTPSPort = busyPort

		srv := New(&cfg, material, f.handler(), zerolog.Nop())
		require.NoError(t, srv.Start(context.Background()))
		t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

		select {
		case err := <-srv.Err():
			var lerr *ListenerError
			require.ErrorAs(t, err, &lerr)
			require.Equal(t, SchemeHTTPS, lerr.Scheme)
			require.False(t, lerr.Fatal())
		case <-time.After(time.Second):
			t.Fatal("https bind failure was not reported")
		}

		addrs := srv.Addrs()
		require.Contains(t, addrs, SchemeHTTP)
		require.NotContains(t, addrs, SchemeHTTPS)

		res, err := http.Get("http://" + addrs[SchemeHTTP].String() + "/healthz")
		require.NoError(t, err)
		defer res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode)
	})
}

func TestServer_startTwice(t *testing.T) {
	f := newFixture(t)

	srv := New(f.cfg, nil, f.handler(), zerolog.Nop())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	require.Error(t, srv.Start(context.Background()))
}

func TestServer_concurrentMixedTraffic(t *testing.T) {
	f := newFixture(t)

	srv := New(f.cfg, nil, f.handler(), zerolog.Nop())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	base := "http://" + srv.Addrs()[SchemeHTTP].String()
	want := map[string]string{
		"/infor-sso/a":  "sso /a",
		"/ionapi/b/c":   "ionapi /b/c",
		"/app.js":       "app",
		"/some/spa/url": indexHTML,
	}

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 25; i++ {
		for path, body := range want {
			wg.Add(1)
			go func(path, body string) {
				defer wg.Done()
				resp, err := http.Get(base + path)
				if err != nil {
					errs <- err
					return
				}
				defer resp.Body.Close()
				got, _ := io.ReadAll(resp.Body)
				if resp.StatusCode != http.StatusOK || string(got) != body {
					errs <- fmt.Errorf("%s: status %d body %q", path, resp.StatusCode, got)
				}
			}(path, body)
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}

func TestServer_shutdownIsGraceful(t *testing.T) {
	f := newFixture(t)

	srv := New(f.cfg, nil, f.handler(), zerolog.Nop())
	require.NoError(t, srv.Start(context.Background()))
	addr := srv.Addrs()[SchemeHTTP].String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err := http.Get("http://" + addr + "/")
	require.Error(t, err)

	select {
	case err := <-srv.Err():
		t.Fatalf("unexpected listener error: %v", err)
	default:
	}
}
