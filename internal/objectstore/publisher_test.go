package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rshade/flowbatch/internal/config"
	"github.com/rshade/flowbatch/internal/engine/batch"
	"github.com/rshade/flowbatch/internal/runinfo"
)

type fakeObjects struct {
	mu       sync.Mutex
	buckets  map[string]bool
	objects  map[string][]byte
	types    map[string]string
	putErr   error
	existErr error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{
		buckets: map[string]bool{},
		objects: map[string][]byte{},
		types:   map[string]string{},
	}
}

func (f *fakeObjects) BucketExists(_ context.Context, bucket string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[bucket], f.existErr
}

func (f *fakeObjects) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[bucket] = true
	return nil
}

func (f *fakeObjects) PutObject(
	_ context.Context,
	bucket, key string,
	reader io.Reader,
	size int64,
	opts minio.PutObjectOptions,
) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if int64(len(data)) != size {
		return minio.UploadInfo{}, fmt.Errorf("size mismatch: %d != %d", len(data), size)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = data
	f.types[bucket+"/"+key] = opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: key, Size: size}, nil
}

func sampleResult(t *testing.T, withOutput bool) *batch.Result {
	t.Helper()
	res := &batch.Result{
		RunID:          "demo_01",
		Status:         runinfo.StatusCompleted,
		TotalLines:     2,
		CompletedLines: 2,
		NodeStatus:     map[string]int{},
		StartTime:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		EndTime:        time.Date(2026, 1, 2, 3, 5, 5, 0, time.UTC),
	}
	if withOutput {
		res.OutputPath = filepath.Join(t.TempDir(), batch.OutputFileName)
		require.NoError(t, os.WriteFile(res.OutputPath,
			[]byte("{\"line_number\":0}\n{\"line_number\":1}\n"), 0o600))
	}
	return res
}

func TestNewPublisher_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.MinIOConfig
		wantErr error
	}{
		{name: "no endpoint", cfg: config.MinIOConfig{Bucket: "runs"}, wantErr: ErrNoEndpoint},
		{name: "no bucket", cfg: config.MinIOConfig{Endpoint: "localhost:9000"}, wantErr: config.ErrMissingBucket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPublisher(tt.cfg)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	p, err := NewPublisher(config.MinIOConfig{Endpoint: "localhost:9000", Bucket: "runs"})
	require.NoError(t, err)
	assert.Equal(t, "runs", p.Bucket())
}

func TestPublisher_Key(t *testing.T) {
	assert.Equal(t, "batches/r1/summary.json", newPublisher(nil, "b", "batches").Key("r1", SummaryFileName))
	assert.Equal(t, "r1/output.jsonl", newPublisher(nil, "b", "").Key("r1", batch.OutputFileName))
}

func TestPublisher_EnsureBucket(t *testing.T) {
	objects := newFakeObjects()
	p := newPublisher(objects, "runs", "")

	require.NoError(t, p.EnsureBucket(context.Background()))
	assert.True(t, objects.buckets["runs"])
	require.NoError(t, p.EnsureBucket(context.Background()))

	objects.existErr = errors.New("denied")
	require.ErrorContains(t, p.EnsureBucket(context.Background()), "checking bucket runs")
}

func TestPublisher_Publish(t *testing.T) {
	t.Run("output and summary", func(t *testing.T) {
		objects := newFakeObjects()
		p := newPublisher(objects, "runs", "batches")
		res := sampleResult(t, true)

		published, err := p.Publish(context.Background(), res)
		require.NoError(t, err)
		assert.Equal(t, "batches/demo_01/output.jsonl", published.OutputKey)
		assert.Equal(t, "batches/demo_01/summary.json", published.SummaryKey)

		assert.Equal(t, "{\"line_number\":0}\n{\"line_number\":1}\n",
			string(objects.objects["runs/batches/demo_01/output.jsonl"]))
		assert.Equal(t, "application/x-ndjson", objects.types["runs/batches/demo_01/output.jsonl"])

		var summary map[string]any
		require.NoError(t, json.Unmarshal(objects.objects["runs/batches/demo_01/summary.json"], &summary))
		assert.Equal(t, "demo_01", summary["run_id"])
		assert.EqualValues(t, 2, summary["completed_lines"])
	})

	t.Run("missing output file publishes summary only", func(t *testing.T) {
		objects := newFakeObjects()
		res := sampleResult(t, false)
		res.OutputPath = filepath.Join(t.TempDir(), "absent.jsonl")

		published, err := newPublisher(objects, "runs", "").Publish(context.Background(), res)
		require.NoError(t, err)
		assert.Empty(t, published.OutputKey)
		assert.Len(t, objects.objects, 1)
	})

	t.Run("upload failure", func(t *testing.T) {
		objects := newFakeObjects()
		objects.putErr = errors.New("connection reset")

		_, err := newPublisher(objects, "runs", "").Publish(context.Background(), sampleResult(t, true))
		require.ErrorContains(t, err, "uploading demo_01/output.jsonl")
	})

	t.Run("nil result", func(t *testing.T) {
		_, err := newPublisher(newFakeObjects(), "runs", "").Publish(context.Background(), nil)
		require.ErrorIs(t, err, ErrNilResult)
	})
}

func TestPublisher_MinIOContainer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	var container testcontainers.Container
	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "minio/minio:latest",
				Cmd:          []string{"server", "/data"},
				ExposedPorts: []string{"9000/tcp"},
				Env: map[string]string{
					"MINIO_ROOT_USER":     "flowbatch",
					"MINIO_ROOT_PASSWORD": "flowbatch-secret",
				},
				WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
			},
			Started: true,
		})
	}()
	if containerErr != nil {
		t.Skipf("Docker not available, skipping minio test: %v", containerErr)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.PortEndpoint(ctx, "9000/tcp", "")
	require.NoError(t, err)

	p, err := NewPublisher(config.MinIOConfig{
		Endpoint:  endpoint,
		AccessKey: "flowbatch",
		SecretKey: "flowbatch-secret",
		Bucket:    "runs",
		Prefix:    "batches",
	})
	require.NoError(t, err)
	require.NoError(t, p.EnsureBucket(ctx))

	published, err := p.Publish(ctx, sampleResult(t, true))
	require.NoError(t, err)

	client, ok := p.client.(*minio.Client)
	require.True(t, ok)
	obj, err := client.GetObject(ctx, "runs", published.OutputKey, minio.GetObjectOptions{})
	require.NoError(t, err)
	defer obj.Close()
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"line_number\":0}\n{\"line_number\":1}\n", string(data))
}
