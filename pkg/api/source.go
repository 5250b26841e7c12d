package api

import (
	"context"
	"net/url"
	"path"
	"strings"
)

// SourceKind names where a submitted catalog comes from.
type SourceKind string

const (
	SourceUpload SourceKind = "upload"
	SourceURL    SourceKind = "url"
	SourceS3     SourceKind = "s3"
)

// InputRef locates a catalog that is fetched instead of uploaded: either a
// URL, or a bucket and key in object storage.
type InputRef struct {
	URL    string
	Bucket string
	Key    string
}

// Kind reports the source the reference names. The zero InputRef has no
// kind.
func (r InputRef) Kind() SourceKind {
	switch {
	case strings.TrimSpace(r.URL) != "":
		return SourceURL
	case strings.TrimSpace(r.Bucket) != "" || strings.TrimSpace(r.Key) != "":
		return SourceS3
	}
	return ""
}

// Validate rejects references a Fetcher cannot act on.
func (r InputRef) Validate() error {
	switch r.Kind() {
	case SourceURL:
		u, err := url.Parse(strings.TrimSpace(r.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Validationf("url must be an absolute http or https URL")
		}
	case SourceS3:
		if strings.TrimSpace(r.Bucket) == "" || strings.TrimSpace(r.Key) == "" {
			return Validationf("both s3_bucket and s3_key are required")
		}
	default:
		return Validationf("must provide a file upload, a URL, or an S3 bucket and key")
	}
	return nil
}

// Filename is the last path element of the URL (query dropped) or of the
// object key.
func (r InputRef) Filename() string {
	var p string
	switch r.Kind() {
	case SourceURL:
		u, err := url.Parse(strings.TrimSpace(r.URL))
		if err != nil {
			return ""
		}
		p = u.Path
	case SourceS3:
		p = strings.TrimSpace(r.Key)
	}
	name := path.Base(p)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func (r InputRef) String() string {
	switch r.Kind() {
	case SourceURL:
		return strings.TrimSpace(r.URL)
	case SourceS3:
		return "s3://" + strings.TrimSpace(r.Bucket) + "/" + strings.TrimSpace(r.Key)
	}
	return ""
}

// Fetcher downloads the catalog an InputRef names. A catalog larger than
// maxBytes yields ErrValidation and a missing one ErrNotFound.
type Fetcher interface {
	Fetch(ctx context.Context, ref InputRef, maxBytes int64) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, ref InputRef, maxBytes int64) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, ref InputRef, maxBytes int64) ([]byte, error) {
	return f(ctx, ref, maxBytes)
}
