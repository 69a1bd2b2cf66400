package operations

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awstypes "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/openfroyo/sequencer/pkg/engine"
)

// S3API is the subset of the S3 client used by s3-put nodes.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Factory creates an S3 client for a region. An empty region uses the
// default credential chain's region.
type S3Factory func(ctx context.Context, region string) (S3API, error)

// DefaultS3Factory loads the default AWS configuration.
func DefaultS3Factory(ctx context.Context, region string) (S3API, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return s3.NewFromConfig(cfg), nil
}

// s3Cache creates one client per region and shares it across work items.
type s3Cache struct {
	factory S3Factory

	mu      sync.Mutex
	clients map[string]S3API
}

func newS3Cache(factory S3Factory) *s3Cache {
	return &s3Cache{factory: factory, clients: make(map[string]S3API)}
}

func (c *s3Cache) get(ctx context.Context, region string) (S3API, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[region]; ok {
		return client, nil
	}
	client, err := c.factory(ctx, region)
	if err != nil {
		return nil, err
	}
	c.clients[region] = client
	return client, nil
}

// s3PutOp uploads a local file or inline content to an S3 object.
type s3PutOp struct {
	clients      *s3Cache
	bucket       string
	key          string
	region       string
	contentType  string
	storageClass string
	payload      payload
}

func newS3PutOp(node *engine.Node, clients *s3Cache, region string) (engine.Operation, error) {
	bucket, err := requireAttr(node, "bucket")
	if err != nil {
		return nil, err
	}
	key, err := requireAttr(node, "key")
	if err != nil {
		return nil, err
	}
	p, err := newPayload(node)
	if err != nil {
		return nil, err
	}
	return &s3PutOp{
		clients:      clients,
		bucket:       bucket,
		key:          key,
		region:       node.AttrOr("region", region),
		contentType:  node.AttrOr("content-type", "application/octet-stream"),
		storageClass: node.AttrOr("storage-class", ""),
		payload:      p,
	}, nil
}

func (o *s3PutOp) Kind() string { return KindS3Put }

func (o *s3PutOp) Validate(context.Context, *engine.Processor) error {
	if o.storageClass == "" {
		return nil
	}
	for _, sc := range awstypes.StorageClassStandard.Values() {
		if string(sc) == o.storageClass {
			return nil
		}
	}
	return engine.NewValidationError(fmt.Sprintf("unknown storage class %q", o.storageClass), nil).
		WithOperation(KindS3Put)
}

func (o *s3PutOp) Execute(ctx context.Context, env *engine.Env) error {
	bucket, err := env.Expand(o.bucket)
	if err != nil {
		return err
	}
	key, err := env.Expand(o.key)
	if err != nil {
		return err
	}

	r, err := o.payload.open(env)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}

	client, err := o.clients.get(ctx, o.region)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(o.contentType),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if o.storageClass != "" {
		input.StorageClass = awstypes.StorageClass(o.storageClass)
	}

	output, err := client.PutObject(ctx, input)
	if err != nil {
		return interrupted(ctx, KindS3Put, fmt.Errorf("failed to put s3://%s/%s: %w", bucket, key, err))
	}

	env.Logger.Debug().
		Str("bucket", bucket).
		Str("key", key).
		Int("bytes", len(data)).
		Str("etag", aws.ToString(output.ETag)).
		Msg("Object uploaded")
	return nil
}
