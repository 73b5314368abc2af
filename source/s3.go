package source

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/logger"
)

// s3Reader reports the number of keys under a prefix. The count is
// monotonic while the bucket is append-only; deleting objects from an
// active source loses data upstream and is out of our hands.
type s3Reader struct {
	client s3iface.S3API
	bucket string
	prefix string

	logger logger.Logger
}

func newS3Reader(cfg *meridian.S3Connector, log logger.Logger) (*s3Reader, error) {
	config := aws.NewConfig()
	if cfg.Region != "" {
		config = config.WithRegion(cfg.Region)
	}
	sess, err := session.NewSession(config)
	if err != nil {
		return nil, errors.Wrap(err, "opening aws session")
	}
	return &s3Reader{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: log,
	}, nil
}

func (r *s3Reader) Watermark(ctx context.Context) (uint64, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
	}
	if r.prefix != "" {
		input.Prefix = aws.String(r.prefix)
	}

	var count uint64
	err := r.client.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			count += uint64(len(page.Contents))
			return true
		})
	if err != nil {
		return 0, errors.Wrapf(err, "listing s3://%s/%s", r.bucket, r.prefix)
	}
	return count, nil
}

func (r *s3Reader) Close() error { return nil }
