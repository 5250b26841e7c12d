package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/petrijr/costbook/pkg/api"
)

const maxCertificateBytes = 1 << 20

// HTTPEnricher looks up certificates with GET <BaseURL>/<identifier>.
// A 404 answer means the identifier is unknown. Any other answer must be a
// 2xx JSON document of at most 1 MiB.
type HTTPEnricher struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPEnricher returns an enricher with a client bounded by timeout.
func NewHTTPEnricher(baseURL string, timeout time.Duration) *HTTPEnricher {
	return &HTTPEnricher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEnricher) Lookup(ctx context.Context, identifier string) ([]byte, error) {
	u := strings.TrimRight(e.BaseURL, "/") + "/" + url.PathEscape(identifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrichment lookup %s: %w", identifier, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, api.NotFoundf("no certificate for %s", identifier)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("enrichment lookup %s: unexpected status %d", identifier, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertificateBytes+1))
	if err != nil {
		return nil, fmt.Errorf("enrichment lookup %s: %w", identifier, err)
	}
	if len(body) > maxCertificateBytes {
		return nil, fmt.Errorf("enrichment lookup %s: certificate larger than %d bytes", identifier, maxCertificateBytes)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("enrichment lookup %s: response is not JSON", identifier)
	}
	return body, nil
}
