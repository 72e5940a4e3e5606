// Package uploader pushes forecast snapshots to S3-compatible object
// storage.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/regn-data/nowcast.report/internal/monitoring"
)

// ObjectPutter is the slice of the S3 API the uploader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader writes sequentially named objects under a bucket subfolder.
// Downstream consumers poll fixed object names, so observation frames
// and forecast frames get disjoint index ranges rather than
// timestamped keys.
type Uploader struct {
	client    ObjectPutter
	bucket    string
	subfolder string
}

// New builds an uploader against the given bucket. A non-empty
// endpointURL switches to path-style addressing for S3-compatible
// stores. Credentials come from the default AWS chain.
func New(ctx context.Context, bucket, region, endpointURL, subfolder string) (*Uploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpointURL != "" {
			o.BaseEndpoint = aws.String(endpointURL)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, bucket, subfolder), nil
}

// NewWithClient wires an existing S3 client, mainly for tests.
func NewWithClient(client ObjectPutter, bucket, subfolder string) *Uploader {
	return &Uploader{client: client, bucket: bucket, subfolder: subfolder}
}

// Put uploads one blob under the subfolder.
func (u *Uploader) Put(ctx context.Context, name string, blob []byte) error {
	key := path.Join(u.subfolder, name)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(blob),
		ACL:    types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// PutSequence uploads blobs (already in time order) as
// <startIndex>.<ext>, <startIndex+1>.<ext> and so on, and returns the
// object names written.
func (u *Uploader) PutSequence(ctx context.Context, blobs [][]byte, startIndex int, ext string) ([]string, error) {
	names := make([]string, 0, len(blobs))
	for i, blob := range blobs {
		name := fmt.Sprintf("%d%s", startIndex+i, ext)
		if err := u.Put(ctx, name, blob); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	monitoring.Logf("uploader: wrote %d objects to %s/%s", len(names), u.bucket, u.subfolder)
	return names, nil
}
