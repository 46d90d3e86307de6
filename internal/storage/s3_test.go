package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/lupppig/pgbackup/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestObjectStorage_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	accessKey := "minioadmin"
	secretKey := "minioadmin"
	bucketName := "testbucket"

	// Start MinIO container
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "minio/minio",
			Env: map[string]string{
				"MINIO_ROOT_USER":     accessKey,
				"MINIO_ROOT_PASSWORD": secretKey,
			},
			Cmd:          []string{"server", "/data"},
			ExposedPorts: []string{"9000/tcp"},
			WaitingFor:   wait.ForHTTP("/minio/health/ready").WithPort("9000/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	defer container.Terminate(ctx)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	cfg := config.S3Config{
		Bucket:    bucketName,
		Prefix:    "backups",
		Endpoint:  fmt.Sprintf("http://%s:%d", host, port.Int()),
		Region:    "us-east-1",
		AccessKey: accessKey,
		SecretKey: secretKey,
	}

	mc, err := NewMinioClient(cfg)
	require.NoError(t, err)
	require.NoError(t, mc.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}))

	ac, err := NewAWSClient(ctx, cfg)
	require.NoError(t, err)

	for name, client := range map[string]ObjectClient{"minio": mc, "aws": ac} {
		t.Run(name, func(t *testing.T) {
			s := NewObjectStorage(client, bucketName, cfg.Prefix+"/"+name)
			b := mustBackup(t, "s1", "appdb", time.Now())
			src := stage(t, t.TempDir(), b, "PGDMP integration payload")

			loc, err := s.Upload(ctx, src)
			require.NoError(t, err)
			assert.Equal(t, "s3://testbucket/backups/"+name+"/"+b.Filename(), loc)

			list, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, b, list[0])

			path, err := s.Download(ctx, b.Filename(), t.TempDir())
			require.NoError(t, err)
			got, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, "PGDMP integration payload", string(got))

			missing := mustBackup(t, "s1", "appdb", time.Now().Add(-time.Hour)).Filename()
			_, err = s.Download(ctx, missing, t.TempDir())
			assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

			require.NoError(t, s.DeleteBackup(ctx, b.Filename()))
			list, err = s.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}
