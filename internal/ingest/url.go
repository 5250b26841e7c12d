package ingest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/petrijr/costbook/pkg/api"
)

// URLFetcher downloads catalogs over HTTP(S), following redirects.
type URLFetcher struct {
	Client *http.Client
}

var _ api.Fetcher = (*URLFetcher)(nil)

// NewURLFetcher returns a fetcher whose downloads are bounded by timeout.
func NewURLFetcher(timeout time.Duration) *URLFetcher {
	return &URLFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *URLFetcher) Fetch(ctx context.Context, ref api.InputRef, maxBytes int64) ([]byte, error) {
	if ref.Kind() != api.SourceURL {
		return nil, api.Validationf("not a URL reference: %s", ref)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSpace(ref.URL), nil)
	if err != nil {
		return nil, fetchFailed(ref, err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fetchFailed(ref, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, api.NotFoundf("no catalog at %s", ref)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fetchFailed(ref, fmt.Errorf("unexpected status %d", resp.StatusCode))
	case resp.ContentLength > maxBytes:
		return nil, tooLarge(maxBytes)
	}

	data, err := readLimited(resp.Body, maxBytes)
	if err != nil {
		if api.KindOf(err) == api.ErrValidation {
			return nil, err
		}
		return nil, fetchFailed(ref, err)
	}
	return data, nil
}
