package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/a-h/revctl/errs"
	"github.com/a-h/revctl/model"
)

// S3Config configures S3Repository's bucket, region, endpoint and
// credentials. This client only ever reads, so it has no uploader.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// S3Repository reads a repository published directly to an S3-compatible
// bucket: HeadObject-free (this client always needs the body anyway) and
// GetObject with a Range parameter for ranged fetches.
type S3Repository struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Client = (*S3Repository)(nil)

// NewS3Repository constructs an S3Repository, resolving AWS config and
// endpoint overrides.
func NewS3Repository(ctx context.Context, cfg S3Config) (*S3Repository, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("repo: loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &S3Repository{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Repository) key(name string) string {
	return path.Join(s.prefix, name)
}

func (s *S3Repository) getObject(ctx context.Context, name string, rng *string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		Range:  rng,
	})
	if err != nil {
		return nil, &errs.Network{Kind: "s3-get", Retryable: true, Err: fmt.Errorf("fetching %q: %w", name, err)}
	}
	return out.Body, nil
}

func (s *S3Repository) getJSON(ctx context.Context, name string, v any) error {
	body, err := s.getObject(ctx, name, nil)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return &errs.MalformedRepository{Which: name, Detail: err.Error()}
	}
	return nil
}

func (s *S3Repository) LoadCurrent(ctx context.Context) (model.Current, error) {
	var c model.Current
	err := s.getJSON(ctx, "current", &c)
	return c, err
}

func (s *S3Repository) LoadVersions(ctx context.Context) ([]model.Version, error) {
	var doc model.VersionsDoc
	if err := s.getJSON(ctx, "versions", &doc); err != nil {
		return nil, err
	}
	return doc.Versions, nil
}

func (s *S3Repository) LoadPackages(ctx context.Context) ([]model.PackageRef, error) {
	var doc model.PackagesDoc
	if err := s.getJSON(ctx, "packages", &doc); err != nil {
		return nil, err
	}
	return doc.Packages, nil
}

func (s *S3Repository) LoadMetadata(ctx context.Context, packageName string) (model.Metadata, error) {
	var meta model.Metadata
	err := s.getJSON(ctx, packageName+".metadata", &meta)
	return meta, err
}

func (s *S3Repository) OpenPackageStream(ctx context.Context, packageName string, rng ByteRange) (io.ReadCloser, bool, error) {
	var rangeHeader *string
	if rng.Length != 0 {
		rangeHeader = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.Start+rng.Length-1))
	} else if rng.Start != 0 {
		rangeHeader = aws.String(fmt.Sprintf("bytes=%d-", rng.Start))
	}
	body, err := s.getObject(ctx, packageName, rangeHeader)
	if err != nil {
		return nil, false, err
	}
	return body, false, nil
}
