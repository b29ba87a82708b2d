// Package objectstore publishes finished batch runs to S3-compatible object
// storage.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rshade/flowbatch/internal/config"
	"github.com/rshade/flowbatch/internal/engine/batch"
	"github.com/rshade/flowbatch/internal/logging"
)

// SummaryFileName is the object name of the serialized batch.Result.
const SummaryFileName = "summary.json"

const putTimeout = 30 * time.Second

var (
	// ErrNoEndpoint is returned by NewPublisher when publishing is not configured.
	ErrNoEndpoint = errors.New("publish.minio.endpoint is not set")
	// ErrNilResult is returned when Publish is called without a result.
	ErrNilResult = errors.New("nil batch result")
)

// objectAPI is the subset of *minio.Client the publisher uses.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(
		ctx context.Context,
		bucket, key string,
		reader io.Reader,
		size int64,
		opts minio.PutObjectOptions,
	) (minio.UploadInfo, error)
}

// Publisher uploads output.jsonl and a run summary under
// <prefix>/<run id>/ in a single bucket.
type Publisher struct {
	client objectAPI
	bucket string
	prefix string
}

// Published lists the object keys written for one run.
type Published struct {
	Bucket     string `json:"bucket"`
	OutputKey  string `json:"output_key,omitempty"`
	SummaryKey string `json:"summary_key"`
}

// NewPublisher connects a MinIO client for cfg. No request is sent until
// EnsureBucket or Publish is called.
func NewPublisher(cfg config.MinIOConfig) (*Publisher, error) {
	if !cfg.Enabled() {
		return nil, ErrNoEndpoint
	}
	if cfg.Bucket == "" {
		return nil, config.ErrMissingBucket
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}
	return newPublisher(client, cfg.Bucket, cfg.Prefix), nil
}

func newPublisher(client objectAPI, bucket, prefix string) *Publisher {
	return &Publisher{client: client, bucket: bucket, prefix: prefix}
}

// Bucket returns the destination bucket.
func (p *Publisher) Bucket() string { return p.bucket }

// EnsureBucket creates the bucket when it does not exist.
func (p *Publisher) EnsureBucket(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", p.bucket, err)
	}
	if exists {
		return nil
	}
	if err = p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", p.bucket, err)
	}
	return nil
}

// Key returns the object key for name within the run's folder.
func (p *Publisher) Key(runID, name string) string {
	return path.Join(p.prefix, runID, name)
}

// Publish uploads the run's output file, when one was written, followed by
// the JSON summary.
func (p *Publisher) Publish(ctx context.Context, res *batch.Result) (*Published, error) {
	if res == nil {
		return nil, ErrNilResult
	}
	log := logging.FromContext(ctx)
	out := &Published{Bucket: p.bucket}

	if res.OutputPath != "" {
		data, err := os.ReadFile(res.OutputPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Debug().Ctx(ctx).
				Str("component", "publish").
				Str("path", res.OutputPath).
				Msg("no output file to publish")
		case err != nil:
			return nil, fmt.Errorf("reading outputs: %w", err)
		default:
			key := p.Key(res.RunID, batch.OutputFileName)
			if err = p.put(ctx, key, data, "application/x-ndjson", res.RunID); err != nil {
				return nil, err
			}
			out.OutputKey = key
		}
	}

	summary, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding summary: %w", err)
	}
	key := p.Key(res.RunID, SummaryFileName)
	if err = p.put(ctx, key, summary, "application/json", res.RunID); err != nil {
		return nil, err
	}
	out.SummaryKey = key

	log.Info().Ctx(ctx).
		Str("component", "publish").
		Str("bucket", p.bucket).
		Str("run_id", res.RunID).
		Msg("published batch run")
	return out, nil
}

func (p *Publisher) put(ctx context.Context, key string, data []byte, contentType, runID string) error {
	putCtx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()
	_, err := p.client.PutObject(putCtx, p.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType:  contentType,
			UserMetadata: map[string]string{"run-id": runID},
		})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
