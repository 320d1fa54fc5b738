package results

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSArchiver writes each result as <prefix>/<document id>.json in a bucket.
// Objects are created with a does-not-exist precondition, so a result is
// archived once per persisted run.
type GCSArchiver struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// OpenGCSArchiver connects with application default credentials.
func OpenGCSArchiver(ctx context.Context, bucket, prefix string) (*GCSArchiver, error) {
	if bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: client.Bucket(bucket), prefix: prefix}, nil
}

func (a *GCSArchiver) Archive(ctx context.Context, r Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	name := archiveObjectName(a.prefix, r.DocumentID)
	writer := a.bucket.Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.Metadata = map[string]string{"run_id": r.RunID, "status": string(r.Status)}

	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("finalize %s: %w", name, err)
	}
	return nil
}

func (a *GCSArchiver) Remove(ctx context.Context, documentID string) error {
	name := archiveObjectName(a.prefix, documentID)
	if err := a.bucket.Object(name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func (a *GCSArchiver) Close() error {
	return a.client.Close()
}

// archiveObjectName escapes the id so it never introduces extra path segments.
func archiveObjectName(prefix, documentID string) string {
	return path.Join(prefix, url.PathEscape(documentID)+".json")
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
