package registryclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ociproxy/imgfetch/config"
	"github.com/ociproxy/imgfetch/pkg/enginerr"
	"github.com/ociproxy/imgfetch/pkg/models"
	"github.com/ociproxy/imgfetch/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// insecureTestHTTPClient trusts any server certificate, since the client
// under test always dials "https://" and the registry/token endpoints in
// these tests are separate httptest.NewTLSServer instances with distinct
// self-signed certs.
func insecureTestHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

func newTestClient(srv *httptest.Server) *Client {
	return &Client{
		log:        utils.NewLogger(utils.Config{}),
		httpClient: insecureTestHTTPClient(),
	}
}

func registryFor(srv *httptest.Server) config.RegistryConfig {
	return config.RegistryConfig{Name: "test", Host: srv.Listener.Addr().String()}
}

func TestGetManifestSuccess(t *testing.T) {
	manifest := models.OCIManifest{
		SchemaVersion: 2,
		Config:        models.OCIDescriptor{Digest: "sha256:cfg", Size: 10},
		Layers:        []models.OCIDescriptor{{Digest: "sha256:layer1", Size: 100}},
	}
	body, err := json.Marshal(manifest)
	require.NoError(t, err)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/library/nginx/manifests/latest", r.URL.Path)
		assert.Equal(t, models.ManifestAcceptHeader, r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
		w.Header().Set("Docker-Content-Digest", "sha256:abcdef")
		w.Write(body)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	got, err := c.GetManifest(context.Background(), registryFor(srv), "library/nginx", "latest")
	require.NoError(t, err)
	assert.Equal(t, "sha256:abcdef", got.Digest)
	assert.JSONEq(t, string(body), string(got.Bytes))
}

func TestGetManifestNotFound(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.GetManifest(context.Background(), registryFor(srv), "library/nginx", "missing")
	require.Error(t, err)
	assert.Equal(t, enginerr.NotFound, enginerr.KindOf(err))
}

func TestGetManifestRetriesOnceAfterAuthChallenge(t *testing.T) {
	var manifestCalls, tokenCalls int

	tokenSrv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		json.NewEncoder(w).Encode(map[string]string{"token": "test-token"})
	}))
	defer tokenSrv.Close()

	registrySrv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		manifestCalls++
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.Header().Set("Www-Authenticate", `Bearer realm="`+tokenSrv.URL+`",service="registry.test",scope="repository:library/nginx:pull"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"schemaVersion":2,"config":{"digest":"sha256:cfg","size":1},"layers":[]}`))
	}))
	defer registrySrv.Close()

	c := newTestClient(registrySrv)

	got, err := c.GetManifest(context.Background(), registryFor(registrySrv), "library/nginx", "latest")
	require.NoError(t, err)
	assert.NotEmpty(t, got.Bytes)
	assert.Equal(t, 1, tokenCalls)
	assert.Equal(t, 2, manifestCalls, "one 401 plus one authenticated retry")
}

func TestSelectPlatformExactMatch(t *testing.T) {
	index := &models.OCIIndex{Manifests: []models.OCIDescriptor{
		{Digest: "sha256:amd64", Platform: &models.OCIPlatform{OS: "linux", Architecture: "amd64"}},
		{Digest: "sha256:arm64", Platform: &models.OCIPlatform{OS: "linux", Architecture: "arm64"}},
	}}

	got, err := SelectPlatform(index, models.Platform{OS: "linux", Architecture: "arm64"})
	require.NoError(t, err)
	assert.Equal(t, "sha256:arm64", got.Digest)
}

func TestSelectPlatformSameArchFallback(t *testing.T) {
	index := &models.OCIIndex{Manifests: []models.OCIDescriptor{
		{Digest: "sha256:amd64-windows", Platform: &models.OCIPlatform{OS: "windows", Architecture: "amd64"}},
	}}

	got, err := SelectPlatform(index, models.Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)
	assert.Equal(t, "sha256:amd64-windows", got.Digest)
}

func TestSelectPlatformFirstEntryTieBreak(t *testing.T) {
	index := &models.OCIIndex{Manifests: []models.OCIDescriptor{
		{Digest: "sha256:first", Platform: &models.OCIPlatform{OS: "linux", Architecture: "ppc64le"}},
		{Digest: "sha256:second", Platform: &models.OCIPlatform{OS: "linux", Architecture: "s390x"}},
	}}

	got, err := SelectPlatform(index, models.Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)
	assert.Equal(t, "sha256:first", got.Digest)
}

func TestSelectPlatformEmptyIndex(t *testing.T) {
	_, err := SelectPlatform(&models.OCIIndex{}, models.Platform{OS: "linux", Architecture: "amd64"})
	require.Error(t, err)
	assert.Equal(t, enginerr.ProtocolViolation, enginerr.KindOf(err))
}

func TestStreamBlobFromScratch(t *testing.T) {
	payload := []byte("hello world blob contents")
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Range"))
		w.Write(payload)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	rc, total, err := c.StreamBlob(context.Background(), registryFor(srv), "library/nginx", "sha256:layer", 0)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.EqualValues(t, len(payload), total)
}

func TestStreamBlobResumesWithRangeHeader(t *testing.T) {
	full := []byte("0123456789")
	const offset = 4

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=4-", r.Header.Get("Range"))
		remainder := full[offset:]
		w.Header().Set("Content-Range", "bytes 4-9/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(remainder)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	rc, total, err := c.StreamBlob(context.Background(), registryFor(srv), "library/nginx", "sha256:layer", offset)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, full[offset:], data)
	assert.EqualValues(t, len(full), total, "total must account for the resume offset")
}

func TestStreamBlobRegistryRestartsFromZero(t *testing.T) {
	full := []byte("0123456789")
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Registry ignores the Range header and answers 200 with the whole blob.
		w.WriteHeader(http.StatusOK)
		w.Write(full)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	rc, total, err := c.StreamBlob(context.Background(), registryFor(srv), "library/nginx", "sha256:layer", 4)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, full, data)
	assert.EqualValues(t, len(full), total)
}

func TestParseWwwAuthenticate(t *testing.T) {
	header := `Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:library/nginx:pull"`
	params := parseWwwAuthenticate(header)

	assert.Equal(t, "https://auth.example.com/token", params["realm"])
	assert.Equal(t, "registry.example.com", params["service"])
	assert.Equal(t, "repository:library/nginx:pull", params["scope"])
}
