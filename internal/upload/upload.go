// Package upload ships a finished session's artifacts (record CSVs,
// raw-line journals, summary.json) to an S3 bucket under a
// session-scoped key prefix.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/xmesh/meshcollect/internal/config"
	"github.com/xmesh/meshcollect/internal/logging"
	"github.com/xmesh/meshcollect/internal/sink"
)

// s3API is the slice of the S3 client the uploader calls.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader pushes session artifacts to S3, optionally compressed.
type Uploader struct {
	config      config.UploadConfig
	client      s3API
	compression sink.CompressionType
	compressor  sink.Compressor
	logger      *logging.Logger
}

// New builds an uploader from the session's upload configuration.
// Credentials come from the default AWS chain; Endpoint supports
// S3-compatible stores.
func New(ctx context.Context, cfg config.UploadConfig, logger *logging.Logger) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("no bucket specified")
	}

	if cfg.Region == "" {
		return nil, fmt.Errorf("no region specified")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	compression := sink.CompressionType(cfg.Compression)
	compressor, err := sink.GetCompressor(compression)
	if err != nil {
		return nil, err
	}

	return &Uploader{
		config:      cfg,
		client:      s3.NewFromConfig(awsCfg, opts...),
		compression: compression,
		compressor:  compressor,
		logger:      logger.WithComponent("upload"),
	}, nil
}

// UploadDir walks the session directory and uploads every regular file
// as <prefix>/<session>/<relative path>. Per-file failures are logged
// and skipped so one bad object cannot strand the rest; the count of
// uploaded files is returned along with an error when any failed.
func (u *Uploader) UploadDir(ctx context.Context, dir, session string) (int, error) {
	var uploaded, failed int

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}

		if err := u.uploadFile(ctx, p, u.key(session, rel)); err != nil {
			failed++
			u.logger.Warn().Err(err).Str("file", rel).Msg("Failed to upload artifact")
			return nil
		}
		uploaded++
		return nil
	})
	if err != nil {
		return uploaded, fmt.Errorf("failed to walk session directory: %w", err)
	}

	if failed > 0 {
		return uploaded, fmt.Errorf("%d of %d artifacts failed to upload", failed, uploaded+failed)
	}

	return uploaded, nil
}

// uploadFile reads, compresses and puts one artifact.
func (u *Uploader) uploadFile(ctx context.Context, p, key string) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}

	compressed, err := u.compressor.Compress(data)
	if err != nil {
		return fmt.Errorf("failed to compress artifact: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(compressed),
		ContentType: aws.String(contentType(p)),
	}

	if u.config.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(u.config.StorageClass)
	}

	if u.config.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(u.config.ACL)
	}

	if u.config.ServerSideEncryption != "" {
		input.ServerSideEncryption = s3types.ServerSideEncryption(u.config.ServerSideEncryption)
	}

	if u.compression != sink.CompressionNone && u.compression != "" {
		input.ContentEncoding = aws.String(string(u.compression))
	}

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	return nil
}

// key builds the object key: prefix/session/relative-path, with the
// compression extension appended.
func (u *Uploader) key(session, rel string) string {
	key := path.Join(u.config.Prefix, session, filepath.ToSlash(rel))
	return key + sink.Extension(u.compression)
}

// contentType maps an artifact filename to its media type. The suffix
// is inspected before the compression extension is appended.
func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return "text/plain"
	}
}
