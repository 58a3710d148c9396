// Package media turns stored image references into URLs a model provider can fetch.
package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Resolver maps an image reference to a fetchable URL.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Presigner is the subset of s3.PresignClient used here.
type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Resolver passes public URLs through and presigns object keys.
// Accepted refs: http(s) and data: URLs, s3://bucket/key, or a bare key in the default bucket.
type S3Resolver struct {
	presigner Presigner
	bucket    string
	ttl       time.Duration
}

func NewS3Resolver(p Presigner, bucket string, ttl time.Duration) *S3Resolver {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3Resolver{presigner: p, bucket: bucket, ttl: ttl}
}

// NewFromAWS loads the default AWS config chain for region.
func NewFromAWS(ctx context.Context, region, bucket string, ttl time.Duration) (*S3Resolver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3Resolver(s3.NewPresignClient(s3.NewFromConfig(cfg)), bucket, ttl), nil
}

func (r *S3Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, "https://"), strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "data:"):
		return ref, nil
	}

	bucket, key := r.bucket, ref
	if rest, ok := strings.CutPrefix(ref, "s3://"); ok {
		var found bool
		bucket, key, found = strings.Cut(rest, "/")
		if !found {
			return "", fmt.Errorf("image ref %q: missing object key", ref)
		}
	}
	if bucket == "" || key == "" {
		return "", fmt.Errorf("image ref %q: no bucket configured", ref)
	}
	if r.presigner == nil {
		return "", fmt.Errorf("image ref %q: object storage not configured", ref)
	}

	req, err := r.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(r.ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}
