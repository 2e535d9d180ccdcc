package inference

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

const (
	SchemeFile = "file"
	SchemeS3   = "s3"
)

// S3Options configures access to s3:// model sources. Empty keys fall back to
// the default AWS credential chain.
type S3Options struct {
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// localModel is a model file and its metadata sidecar on local disk.
type localModel struct {
	ModelPath    string
	MetadataPath string

	tmpDir string
}

func (l *localModel) cleanup() error {
	if l.tmpDir == "" {
		return nil
	}
	return os.RemoveAll(l.tmpDir)
}

// resolveSource maps a model source to files on local disk, downloading them
// when the source is remote.
func resolveSource(ctx context.Context, source string, opts S3Options) (*localModel, error) {
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		return localSource(source)
	}

	switch u.Scheme {
	case SchemeFile:
		return localSource(filepath.FromSlash(u.Path))
	case SchemeS3:
		return downloadS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), opts)
	default:
		return nil, fmt.Errorf("unsupported model source scheme %q", u.Scheme)
	}
}

func localSource(p string) (*localModel, error) {
	if filepath.Ext(p) != ".onnx" {
		return nil, fmt.Errorf("model file %s is not an .onnx file", p)
	}
	if _, err := os.Stat(p); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	return &localModel{ModelPath: p, MetadataPath: MetadataPath(p)}, nil
}

func newS3Client(opts S3Options) (*s3.S3, error) {
	cfg := aws.NewConfig()
	if opts.AccessKey != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, ""))
	}
	if opts.Region != "" {
		cfg = cfg.WithRegion(opts.Region)
	}
	if opts.Endpoint != "" {
		cfg = cfg.WithEndpoint(opts.Endpoint)
	}
	if opts.ForcePathStyle {
		cfg = cfg.WithS3ForcePathStyle(true)
	}

	s, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("new aws session failed: %w", err)
	}
	return s3.New(s), nil
}

// downloadS3 fetches the model and its sidecar into a private temp directory.
func downloadS3(ctx context.Context, bucket, key string, opts S3Options) (*localModel, error) {
	if bucket == "" || path.Ext(key) != ".onnx" {
		return nil, fmt.Errorf("s3 source must be s3://bucket/path/model.onnx")
	}

	client, err := newS3Client(opts)
	if err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp("", "meowid-model")
	if err != nil {
		return nil, err
	}
	l := &localModel{
		ModelPath: filepath.Join(tmpDir, path.Base(key)),
		tmpDir:    tmpDir,
	}
	l.MetadataPath = MetadataPath(l.ModelPath)

	downloader := s3manager.NewDownloaderWithClient(client)
	for _, obj := range []struct{ key, dst string }{
		{key: MetadataPath(key), dst: l.MetadataPath},
		{key: key, dst: l.ModelPath},
	} {
		if err := downloadObject(ctx, downloader, bucket, obj.key, obj.dst); err != nil {
			l.cleanup()
			return nil, err
		}
	}
	return l, nil
}

func downloadObject(ctx context.Context, downloader *s3manager.Downloader, bucket, key, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}
