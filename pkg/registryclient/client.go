// pkg/registryclient/client.go
package registryclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/ociproxy/imgfetch/config"
	"github.com/ociproxy/imgfetch/pkg/enginerr"
	"github.com/ociproxy/imgfetch/pkg/models"
	"github.com/ociproxy/imgfetch/pkg/utils"

	"github.com/sirupsen/logrus"
)

// Client talks to an OCI/Docker distribution registry: manifest resolution,
// bearer-token auth, and blob streaming with Range-based resumption.
type Client struct {
	log        *utils.Logger
	httpClient *http.Client
}

// NewClient builds a registry client with no global request timeout - large
// blobs can take many minutes, so timeouts are enforced via context instead.
func NewClient(log *utils.Logger) *Client {
	return &Client{
		log: log,
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

// Manifest is the result of resolving a reference: the raw bytes, the
// negotiated content type, and the Docker-Content-Digest (the sha256 of
// the body when the registry omits that header).
type Manifest struct {
	Bytes       []byte
	ContentType string
	Digest      string
}

var wwwAuthParamRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

// GetManifest fetches the manifest for name@reference from reg, following
// the bearer-token auth challenge (§4.1) if the registry demands one.
func (c *Client) GetManifest(ctx context.Context, reg config.RegistryConfig, name, reference string) (*Manifest, error) {
	url := fmt.Sprintf("https://%s/v2/%s/manifests/%s", reg.Host, name, reference)

	c.log.WithFunc().WithFields(logrus.Fields{
		"registry":  reg.Host,
		"name":      name,
		"reference": reference,
	}).Debug("fetching manifest")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.Transport, "building manifest request", err)
	}
	req.Header.Set("Accept", models.ManifestAcceptHeader)

	resp, err := c.fetchWithAuth(ctx, req, reg, name)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.classifyStatus(resp); err != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, enginerr.Wrap(enginerr.KindOf(err), fmt.Sprintf("manifest fetch: %s", string(body)), err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.Transport, "reading manifest body", err)
	}

	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		// Not every registry sends Docker-Content-Digest (§4.1 get_manifest
		// requires falling back to the computed digest of the body).
		sum := sha256.Sum256(data)
		digest = "sha256:" + hex.EncodeToString(sum[:])
	}

	return &Manifest{
		Bytes:       data,
		ContentType: resp.Header.Get("Content-Type"),
		Digest:      digest,
	}, nil
}

// SelectPlatform chooses the manifest descriptor matching want from a
// multi-platform index (§4.1): exact match, then same-architecture any-OS,
// then the first entry as a last-resort tie-break.
func SelectPlatform(index *models.OCIIndex, want models.Platform) (*models.OCIDescriptor, error) {
	if len(index.Manifests) == 0 {
		return nil, enginerr.New(enginerr.ProtocolViolation, "manifest list has no entries")
	}

	for i := range index.Manifests {
		p := index.Manifests[i].Platform
		if p != nil && p.OS == want.OS && p.Architecture == want.Architecture && p.Variant == want.Variant {
			return &index.Manifests[i], nil
		}
	}
	for i := range index.Manifests {
		p := index.Manifests[i].Platform
		if p != nil && p.Architecture == want.Architecture {
			return &index.Manifests[i], nil
		}
	}
	return &index.Manifests[0], nil
}

// GetConfig fetches the image config blob referenced by a manifest.
func (c *Client) GetConfig(ctx context.Context, reg config.RegistryConfig, name, digest string) ([]byte, error) {
	rc, _, err := c.openBlob(ctx, reg, name, digest, 0)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.Transport, "reading config blob", err)
	}
	return data, nil
}

// StreamBlob opens name@digest for reading starting at offset bytes in,
// enabling resumption of a partially-downloaded blob (§4.3 resumption).
// The caller must Close the returned reader. totalSize is the full blob
// size as reported by the registry (Content-Length + offset when the
// registry answered 206, or bare Content-Length on a 200).
func (c *Client) StreamBlob(ctx context.Context, reg config.RegistryConfig, name, digest string, offset int64) (io.ReadCloser, int64, error) {
	return c.openBlob(ctx, reg, name, digest, offset)
}

func (c *Client) openBlob(ctx context.Context, reg config.RegistryConfig, name, digest string, offset int64) (io.ReadCloser, int64, error) {
	url := fmt.Sprintf("https://%s/v2/%s/blobs/%s", reg.Host, name, digest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, enginerr.Wrap(enginerr.Transport, "building blob request", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.fetchWithAuth(ctx, req, reg, name)
	if err != nil {
		return nil, 0, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// Registry ignored the Range request and restarted from zero - the
		// caller is responsible for truncating any partial bytes it kept.
		return resp.Body, resp.ContentLength, nil
	case http.StatusPartialContent:
		total := resp.ContentLength
		if total >= 0 {
			total += offset
		}
		return resp.Body, total, nil
	default:
		resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := c.classifyStatus(resp)
		return nil, 0, enginerr.Wrap(enginerr.KindOf(err), fmt.Sprintf("blob fetch: %s", string(body)), err)
	}
}

// classifyStatus maps an HTTP response to an engine error Kind, or nil for
// 2xx. 401/403 map to Auth (the caller should already have retried auth by
// the time this is seen a second time), 404 to NotFound, other non-2xx to
// ProtocolViolation since the registry responded but not usefully.
func (c *Client) classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return enginerr.New(enginerr.Auth, fmt.Sprintf("registry returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return enginerr.New(enginerr.NotFound, "resource not found upstream")
	default:
		return enginerr.New(enginerr.ProtocolViolation, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
}

// fetchWithAuth performs req, and on a 401 challenge, resolves a bearer
// token via the Www-Authenticate header and retries exactly once (§4.1).
// A second 401 after that retry is surfaced as an Auth error rather than
// looping indefinitely.
func (c *Client) fetchWithAuth(ctx context.Context, req *http.Request, reg config.RegistryConfig, name string) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, enginerr.Wrap(enginerr.Cancelled, "request cancelled", ctx.Err())
		default:
			return nil, enginerr.Wrap(enginerr.Transport, "upstream request failed", err)
		}
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	wwwAuth := resp.Header.Get("Www-Authenticate")
	resp.Body.Close()

	token, err := c.resolveToken(ctx, wwwAuth, reg, name)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(ctx)
	retry.Header.Set("Authorization", "Bearer "+token)
	resp2, err := c.httpClient.Do(retry)
	if err != nil {
		return nil, enginerr.Wrap(enginerr.Transport, "upstream retry after auth failed", err)
	}
	return resp2, nil
}

// resolveToken parses a Bearer WWW-Authenticate challenge and exchanges it
// for a token at the realm's token endpoint, attaching Basic credentials
// when the registry source is configured with them.
func (c *Client) resolveToken(ctx context.Context, wwwAuth string, reg config.RegistryConfig, name string) (string, error) {
	params := parseWwwAuthenticate(wwwAuth)
	realm := params["realm"]
	if realm == "" {
		return "", enginerr.New(enginerr.Auth, "missing realm in Www-Authenticate challenge")
	}

	service := params["service"]
	scope := params["scope"]
	if scope == "" {
		scope = fmt.Sprintf("repository:%s:pull", name)
	}

	tokenURL := fmt.Sprintf("%s?service=%s&scope=%s", realm, service, scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", enginerr.Wrap(enginerr.Auth, "building token request", err)
	}
	if reg.Username != "" && reg.Password != "" {
		req.SetBasicAuth(reg.Username, reg.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", enginerr.Wrap(enginerr.Auth, "token request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", enginerr.New(enginerr.Auth, fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
	}

	var tokenResp struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", enginerr.Wrap(enginerr.Auth, "decoding token response", err)
	}

	if tokenResp.Token != "" {
		return tokenResp.Token, nil
	}
	if tokenResp.AccessToken != "" {
		return tokenResp.AccessToken, nil
	}
	return "", enginerr.New(enginerr.Auth, "token endpoint returned no token")
}

func parseWwwAuthenticate(header string) map[string]string {
	params := make(map[string]string)
	header = strings.TrimPrefix(header, "Bearer ")
	for _, match := range wwwAuthParamRe.FindAllStringSubmatch(header, -1) {
		if len(match) == 3 {
			params[match[1]] = match[2]
		}
	}
	return params
}
