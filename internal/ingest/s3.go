package ingest

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/petrijr/costbook/pkg/api"
)

// ObjectGetter is the part of the S3 client the fetcher uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher downloads catalogs from S3 or an S3-compatible store.
type S3Fetcher struct {
	Client ObjectGetter
}

var _ api.Fetcher = (*S3Fetcher)(nil)

// S3Options selects the region and, for S3-compatible stores such as MinIO,
// a custom endpoint. Credentials come from the default AWS chain.
type S3Options struct {
	Region   string
	Endpoint string
}

// NewS3Fetcher loads the default AWS configuration and builds an S3 client.
func NewS3Fetcher(ctx context.Context, opts S3Options) (*S3Fetcher, error) {
	var load []func(*config.LoadOptions) error
	if opts.Region != "" {
		load = append(load, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, load...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Fetcher{Client: client}, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, ref api.InputRef, maxBytes int64) ([]byte, error) {
	if ref.Kind() != api.SourceS3 {
		return nil, api.Validationf("not an S3 reference: %s", ref)
	}
	out, err := f.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(strings.TrimSpace(ref.Bucket)),
		Key:    aws.String(strings.TrimSpace(ref.Key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, api.NotFoundf("no catalog at %s", ref)
		}
		return nil, fetchFailed(ref, err)
	}
	defer out.Body.Close()

	if aws.ToInt64(out.ContentLength) > maxBytes {
		return nil, tooLarge(maxBytes)
	}
	data, err := readLimited(out.Body, maxBytes)
	if err != nil {
		if api.KindOf(err) == api.ErrValidation {
			return nil, err
		}
		return nil, fetchFailed(ref, err)
	}
	return data, nil
}
