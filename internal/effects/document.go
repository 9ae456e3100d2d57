package effects

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rendis/intake/internal/httpclient"
	"github.com/rendis/intake/pkg/schema"
)

// DocumentRequest asks the document generator to render a template for a run.
type DocumentRequest struct {
	RunID       string         `json:"run_id"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	TemplateID  string         `json:"template_id"`
	Answers     map[string]any `json:"answers"`
	RequestedAt time.Time      `json:"requested_at"`
}

// DocumentTrigger hands a completed run to document generation. It returns
// once the request is accepted; rendering happens elsewhere.
type DocumentTrigger interface {
	Trigger(ctx context.Context, req DocumentRequest) (ref string, err error)
}

// WebhookDocumentTrigger posts document requests to a generator endpoint.
type WebhookDocumentTrigger struct {
	client *httpclient.Client
	url    string
}

// NewWebhookDocumentTrigger creates a trigger posting to url.
func NewWebhookDocumentTrigger(client *httpclient.Client, url string) *WebhookDocumentTrigger {
	return &WebhookDocumentTrigger{client: client, url: url}
}

func (t *WebhookDocumentTrigger) Trigger(ctx context.Context, req DocumentRequest) (string, error) {
	resp, err := t.client.Do(ctx, httpclient.Request{Method: "POST", URL: t.url, Body: req})
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", schema.NewErrorf(schema.ErrCodeDispatch, "document generator returned %s", resp.Status).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
	if body, ok := resp.Body.(map[string]any); ok {
		if id, ok := body["id"].(string); ok {
			return id, nil
		}
	}
	return req.RunID + "/" + req.TemplateID, nil
}

// ObjectStoreConfig configures the S3-compatible document hand-off bucket.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// ObjectStoreDocumentTrigger drops document requests into a bucket where the
// generator picks them up.
type ObjectStoreDocumentTrigger struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewObjectStoreDocumentTrigger connects to the bucket's endpoint.
func NewObjectStoreDocumentTrigger(cfg ObjectStoreConfig) (*ObjectStoreDocumentTrigger, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, "object store endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "object store client: %v", err).WithCause(err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "document-requests"
	}
	return &ObjectStoreDocumentTrigger{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// ObjectKey is where a run's request for templateID is written.
func (t *ObjectStoreDocumentTrigger) ObjectKey(runID, templateID string) string {
	return path.Join(t.prefix, templateID, runID+".json")
}

func (t *ObjectStoreDocumentTrigger) Trigger(ctx context.Context, req DocumentRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeDispatch, "document request is not JSON-serializable").WithCause(err)
	}
	key := t.ObjectKey(req.RunID, req.TemplateID)
	_, err = t.client.PutObject(ctx, t.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeDispatch, "put %s: %v", key, err).WithCause(err)
	}
	return fmt.Sprintf("s3://%s/%s", t.bucket, key), nil
}
