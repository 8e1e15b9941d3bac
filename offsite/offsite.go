// Package offsite mirrors catalog documents to an S3 bucket so the index of
// the tapes survives the loss of the machine that wrote them.
package offsite

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"ltfs-tapemgr/catalog"
	"ltfs-tapemgr/utils"
)

// S3API is the part of the S3 client the mirror uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type Mirror struct {
	client S3API
	bucket string
	prefix string
	logger *utils.Logger
}

func NewMirror(client S3API, bucket, prefix string, logger *utils.Logger) *Mirror {
	return &Mirror{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// NewS3Mirror builds a client from the default AWS credential chain.
func NewS3Mirror(ctx context.Context, region, bucket, prefix string, logger *utils.Logger) (*Mirror, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return NewMirror(s3.NewFromConfig(cfg), bucket, prefix, logger), nil
}

func (m *Mirror) Key(barcode string) string {
	return path.Join(m.prefix, barcode+".json")
}

// Check verifies the bucket exists and is reachable.
func (m *Mirror) Check(ctx context.Context) error {
	_, err := m.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.bucket)})
	if err != nil {
		return fmt.Errorf("offsite bucket %s: %w", m.bucket, err)
	}
	return nil
}

// Upload puts the catalog document of tape at s3://bucket/prefix/<barcode>.json.
func (m *Mirror) Upload(ctx context.Context, tape *catalog.Tape) error {
	data, err := catalog.Marshal(tape)
	if err != nil {
		return err
	}
	key := m.Key(tape.Barcode)
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(m.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	m.logger.Event("catalog mirrored", "barcode", tape.Barcode, "bucket", m.bucket, "key", key)
	return nil
}
