// Package objectstore archives dead-lettered events as JSON-lines objects
// in an S3-compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"example.com/insighthub/internal/ingest"
)

const basePath = "dead-letter"

type uploader interface {
	Upload(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error
}

type Client struct {
	mc     *minio.Client
	bucket string
}

func NewMinIO(endpoint, access, secret string, useTLS bool, bucket string) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, err
	}
	return &Client{mc: mc, bucket: bucket}, nil
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
	}
	return nil
}

func (c *Client) Upload(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// Archive writes each dead-letter batch as one object. It satisfies
// ingest.DeadLetter.
type Archive struct {
	store  uploader
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewArchive(store uploader, logger *zap.Logger) *Archive {
	return &Archive{store: store, logger: logger.Named("objectstore"), now: time.Now, newID: uuid.NewString}
}

type archivedEvent struct {
	ingest.RetryItem
	FailedAt time.Time `json:"failed_at"`
}

// Publish uploads one JSON line per item. Items that cannot be encoded are
// left out of the object and returned in an *ingest.EncodeError.
func (a *Archive) Publish(ctx context.Context, items []ingest.RetryItem) error {
	if len(items) == 0 {
		return nil
	}
	now := a.now().UTC()

	var (
		buf      bytes.Buffer
		lines    int
		rejected *ingest.EncodeError
	)
	for _, it := range items {
		line, err := json.Marshal(archivedEvent{RetryItem: it, FailedAt: now})
		if err != nil {
			if rejected == nil {
				rejected = &ingest.EncodeError{Err: fmt.Errorf("dead letter %s: %w", it.Event.EventID, err)}
			}
			rejected.Items = append(rejected.Items, it)
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
		lines++
	}

	if lines > 0 {
		name := BuildObjectPath(basePath, now, a.newID()+".jsonl")
		if err := a.store.Upload(ctx, name, &buf, int64(buf.Len()), "application/x-ndjson"); err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
		a.logger.Info("dead letters archived", zap.String("object", name), zap.Int("count", lines))
	}
	if rejected != nil {
		return rejected
	}
	return nil
}

func BuildObjectPath(basePath string, t time.Time, file string) string {
	return fmt.Sprintf("%s/year=%04d/month=%02d/day=%02d/%s",
		basePath, t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), file)
}
