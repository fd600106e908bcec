// Package publish uploads the generated web tree to S3-compatible object
// storage.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/deixis/relval/internal/config"
)

// PutObjectAPI is the subset of the S3 client used for uploads.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options configures the S3 client.
type Options struct {
	config.Publish

	// Static credentials. When empty the default AWS credential chain is
	// used (environment, shared config, instance profile).
	AccessKeyID     string
	SecretAccessKey string
}

// Uploader copies files from a local directory into a bucket.
type Uploader struct {
	client PutObjectAPI
	bucket string
	prefix string
	logger *slog.Logger
}

// New creates an Uploader backed by a real S3 client.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Uploader, error) {
	if opts.Bucket == "" {
		return nil, errors.New("publish: no bucket configured")
	}

	clientOpts := func(o *s3.Options) {
		if opts.PathStyle {
			o.UsePathStyle = true
		}
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	}

	var client *s3.Client
	if opts.AccessKeyID != "" {
		client = s3.New(s3.Options{}, func(o *s3.Options) {
			o.Region = opts.Region
			o.Credentials = credentials.NewStaticCredentialsProvider(
				opts.AccessKeyID, opts.SecretAccessKey, "",
			)
		}, clientOpts)
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
		if err != nil {
			return nil, fmt.Errorf("publish: loading AWS config: %w", err)
		}
		client = s3.NewFromConfig(awsCfg, clientOpts)
	}
	return NewWithClient(client, opts.Bucket, opts.Prefix, logger), nil
}

// NewWithClient creates an Uploader around an existing client.
func NewWithClient(client PutObjectAPI, bucket, prefix string, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Uploader{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// Summary reports what an upload did.
type Summary struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Publish uploads every file under dir. Object keys are the file paths
// relative to root, joined with "/" and placed under the prefix. Hidden
// files and directories are skipped.
func (u *Uploader) Publish(ctx context.Context, root, dir string) (Summary, error) {
	var sum Summary
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && p != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		n, err := u.put(ctx, u.key(rel), p)
		if err != nil {
			return err
		}
		sum.Files++
		sum.Bytes += n
		return nil
	})
	if err != nil {
		return sum, fmt.Errorf("publishing %s: %w", dir, err)
	}
	u.logger.Info("published", "bucket", u.bucket, "prefix", u.prefix, "files", sum.Files, "bytes", sum.Bytes)
	return sum, nil
}

func (u *Uploader) key(rel string) string {
	k := filepath.ToSlash(rel)
	if u.prefix != "" {
		k = path.Join(u.prefix, k)
	}
	return k
}

func (u *Uploader) put(ctx context.Context, key, localPath string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return 0, err
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(ContentType(localPath)),
	})
	if err != nil {
		return 0, fmt.Errorf("uploading %s: %w", key, err)
	}
	u.logger.Debug("uploaded", "key", key, "bytes", stat.Size())
	return stat.Size(), nil
}

// ContentType guesses the MIME type of a published file.
func ContentType(name string) string {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".log", ".cfg", ".c":
		return "text/plain; charset=utf-8"
	case ".root", "":
		return "application/octet-stream"
	default:
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
		return "application/octet-stream"
	}
}
