// Package ingest fetches catalogs that are submitted by reference instead of
// uploaded: plain URLs and objects in S3-compatible storage.
package ingest

import (
	"io"

	"github.com/petrijr/costbook/pkg/api"
)

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, tooLarge(maxBytes)
	}
	return data, nil
}

func tooLarge(maxBytes int64) error {
	return api.Validationf("file too large; maximum size is %d MB", maxBytes>>20)
}

func fetchFailed(ref api.InputRef, err error) error {
	return &api.Error{Kind: api.ErrValidation, Msg: "fetch " + ref.String(), Err: err}
}
