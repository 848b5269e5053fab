package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/maneesh/labfetch/internal/models"
	"github.com/maneesh/labfetch/internal/transport"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labfetch-storage")

const healthCheckInterval = 5 * time.Second

// MediaObject is a source item stored in the media bucket. Objects live under
// "<chat>/<message>/<file name>", or directly at "<chat>/<message>" when the
// message carries no file name.
type MediaObject struct {
	ID          models.Identity
	Key         string
	Name        string
	ContentType string
	Length      int64
}

func (o *MediaObject) Identity() models.Identity { return o.ID }
func (o *MediaObject) Size() int64               { return o.Length }

func (o *MediaObject) SuggestedName() string {
	return transport.SuggestName(o.Name, transport.KindFromContentType(o.ContentType), o.ID.MessageID)
}

// MediaSource resolves messages to bucket objects and dials range-read sessions
// against the object store.
type MediaSource struct {
	endpoint    string
	accessKey   string
	secretKey   string
	bucketName  string
	useSSL      bool
	openRetries uint64
	client      *minio.Client
	logger      *slog.Logger
}

// NewMediaSource initializes the root MinIO client and checks the bucket
func NewMediaSource(endpoint, accessKey, secretKey, bucketName string, useSSL bool, openRetries int, logger *slog.Logger) (*MediaSource, error) {
	client, err := newMinioClient(endpoint, accessKey, secretKey, useSSL)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("media bucket %s does not exist", bucketName)
	}

	if openRetries < 0 {
		openRetries = 0
	}
	return &MediaSource{
		endpoint:    endpoint,
		accessKey:   accessKey,
		secretKey:   secretKey,
		bucketName:  bucketName,
		useSSL:      useSSL,
		openRetries: uint64(openRetries),
		client:      client,
		logger:      logger,
	}, nil
}

func newMinioClient(endpoint, accessKey, secretKey string, useSSL bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return client, nil
}

func messagePrefix(id models.Identity) string {
	return strconv.FormatInt(id.ChatID, 10) + "/" + strconv.FormatInt(id.MessageID, 10)
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchObject"
}

// Resolve finds the object attached to a message
func (ms *MediaSource) Resolve(ctx context.Context, id models.Identity) (models.Item, error) {
	ctx, span := tracer.Start(ctx, "minio.resolve",
		trace.WithAttributes(
			attribute.String("task_id", id.String()),
		),
	)
	defer span.End()

	prefix := messagePrefix(id)
	var key string
	for obj := range ms.client.ListObjects(ctx, ms.bucketName, minio.ListObjectsOptions{Prefix: prefix + "/", Recursive: true}) {
		if obj.Err != nil {
			span.RecordError(obj.Err)
			return nil, fmt.Errorf("failed to list media objects: %w", obj.Err)
		}
		if key == "" {
			key = obj.Key
		}
	}

	name := ""
	if key != "" {
		name = path.Base(key)
	} else {
		key = prefix
	}

	info, err := ms.client.StatObject(ctx, ms.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			span.SetAttributes(attribute.Bool("found", false))
			return nil, fmt.Errorf("%s: %w", id, transport.ErrNotFound)
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to stat media object: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("found", true),
		attribute.String("object_key", key),
		attribute.Int64("size_bytes", info.Size),
	)
	return &MediaObject{
		ID:          id,
		Key:         key,
		Name:        name,
		ContentType: info.ContentType,
		Length:      info.Size,
	}, nil
}

// Dial opens an independent client with its own connection pool
func (ms *MediaSource) Dial(ctx context.Context) (transport.Session, error) {
	tr, err := minio.DefaultTransport(ms.useSSL)
	if err != nil {
		return nil, fmt.Errorf("failed to build transport: %w", err)
	}
	client, err := minio.New(ms.endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(ms.accessKey, ms.secretKey, ""),
		Secure:    ms.useSSL,
		Transport: tr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	if _, err := client.BucketExists(ctx, ms.bucketName); err != nil {
		tr.CloseIdleConnections()
		return nil, fmt.Errorf("failed to reach media bucket: %w", err)
	}

	hcCancel, err := client.HealthCheck(healthCheckInterval)
	if err != nil {
		hcCancel = func() {}
	}

	base, cancel := context.WithCancel(context.Background())
	return &minioSession{
		source:   ms,
		client:   client,
		tr:       tr,
		base:     base,
		cancel:   cancel,
		hcCancel: hcCancel,
	}, nil
}

type minioSession struct {
	source   *MediaSource
	client   *minio.Client
	tr       interface{ CloseIdleConnections() }
	base     context.Context
	cancel   context.CancelFunc
	hcCancel context.CancelFunc

	closeOnce sync.Once
}

func (s *minioSession) OpenRange(ctx context.Context, item models.Item, offset, limit int64) (io.ReadCloser, error) {
	obj, ok := item.(*MediaObject)
	if !ok {
		return nil, fmt.Errorf("unsupported item type %T", item)
	}
	if s.base.Err() != nil {
		return nil, transport.ErrSessionClosed
	}

	ctx, span := tracer.Start(ctx, "minio.open_range",
		trace.WithAttributes(
			attribute.String("object_key", obj.Key),
			attribute.Int64("offset", offset),
			attribute.Int64("limit", limit),
		),
	)
	defer span.End()

	// Reads abort when either the caller or the session goes away.
	readCtx, readCancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.base, readCancel)

	opts := minio.GetObjectOptions{}
	if offset > 0 || limit > 0 {
		end := int64(0)
		if limit > 0 {
			end = offset + limit - 1
		}
		if err := opts.SetRange(offset, end); err != nil {
			stop()
			readCancel()
			return nil, fmt.Errorf("invalid range: %w", err)
		}
	}

	var object *minio.Object
	attempts := 0
	open := func() error {
		attempts++
		o, err := s.client.GetObject(readCtx, s.source.bucketName, obj.Key, opts)
		if err != nil {
			return err
		}
		if _, err := o.Stat(); err != nil {
			o.Close()
			if isNoSuchKey(err) {
				return backoff.Permanent(transport.ErrNotFound)
			}
			return err
		}
		object = o
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.source.openRetries), readCtx)
	if err := backoff.Retry(open, policy); err != nil {
		stop()
		readCancel()
		span.RecordError(err)
		if s.base.Err() != nil {
			return nil, transport.ErrSessionClosed
		}
		return nil, fmt.Errorf("failed to open range: %w", err)
	}
	if attempts > 1 {
		s.source.logger.Warn("range open needed retries", "key", obj.Key, "offset", offset, "attempts", attempts)
	}

	span.SetAttributes(attribute.Int("attempts", attempts))
	return &rangeReader{object: object, session: s, stop: stop, cancel: readCancel}, nil
}

func (s *minioSession) Connected() bool {
	return s.base.Err() == nil && s.client.IsOnline()
}

func (s *minioSession) Reconnect(ctx context.Context) error {
	if s.base.Err() != nil {
		return transport.ErrSessionClosed
	}
	if _, err := s.client.BucketExists(ctx, s.source.bucketName); err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}
	return nil
}

func (s *minioSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.hcCancel()
		s.tr.CloseIdleConnections()
	})
	return nil
}

type rangeReader struct {
	object  *minio.Object
	session *minioSession
	stop    func() bool
	cancel  context.CancelFunc
}

func (r *rangeReader) Read(p []byte) (int, error) {
	n, err := r.object.Read(p)
	if err != nil && err != io.EOF && r.session.base.Err() != nil {
		return n, transport.ErrSessionClosed
	}
	return n, err
}

func (r *rangeReader) Close() error {
	r.stop()
	r.cancel()
	if err := r.object.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
