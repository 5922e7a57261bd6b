// Package media publishes attachments that are only reachable through a
// network API (Telegram file ids) to S3 compatible storage, so they can be
// linked from the other network.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	neturl "net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/channels"
	"github.com/nextlevelbuilder/mucbridge/internal/config"
	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

// ErrTooLarge is returned for attachments above the configured size limit.
var ErrTooLarge = errors.New("attachment too large")

const downloadTimeout = 2 * time.Minute

// Uploader is the part of manager.Uploader the relay uses.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Presigner is the part of s3.PresignClient the relay uses.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Relay downloads attachments from a FileSource and re-publishes them to a bucket.
type Relay struct {
	source    channels.FileSource
	uploader  Uploader
	presigner Presigner
	cache     store.MediaCache
	client    *http.Client

	bucket     string
	prefix     string
	publicURL  string
	presignTTL time.Duration
	maxSize    int64
}

// New builds a relay backed by the bucket in cfg. Credentials come from
// cfg when set, otherwise from the default AWS chain.
func New(ctx context.Context, cfg config.MediaConfig, source channels.FileSource, cache store.MediaCache) (*Relay, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(orDefault(cfg.Region, "us-east-1"))}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithClients(cfg, source, cache, manager.NewUploader(client), s3.NewPresignClient(client)), nil
}

// NewWithClients builds a relay over explicit S3 clients.
func NewWithClients(cfg config.MediaConfig, source channels.FileSource, cache store.MediaCache, up Uploader, ps Presigner) *Relay {
	maxMB := cfg.MaxSizeMB
	if maxMB <= 0 {
		maxMB = 20
	}
	hours := cfg.PresignHours
	if hours <= 0 {
		hours = 24 * 7
	}
	return &Relay{
		source:     source,
		uploader:   up,
		presigner:  ps,
		cache:      cache,
		client:     &http.Client{Timeout: downloadTimeout},
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
		presignTTL: time.Duration(hours) * time.Hour,
		maxSize:    int64(maxMB) << 20,
	}
}

// Publish returns a URL for m that the other network can fetch.
func (r *Relay) Publish(ctx context.Context, m bus.Media) (string, error) {
	if m.URL != "" {
		return m.URL, nil
	}
	if m.Size > r.maxSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, m.Size)
	}

	// Presigned URLs expire, so only stable public URLs are cached.
	cacheable := r.cache != nil && r.publicURL != "" && m.UniqueID != ""
	if cacheable {
		url, err := r.cache.GetMediaURL(ctx, m.UniqueID)
		if err == nil {
			return url, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("media: cache lookup failed", "key", m.UniqueID, "error", err)
		}
	}

	src, err := r.source.FileURL(ctx, m)
	if err != nil {
		return "", fmt.Errorf("resolve file: %w", err)
	}
	data, err := r.download(ctx, src)
	if err != nil {
		return "", err
	}

	key := r.objectKey(m)
	contentType := m.MIMEType
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	_, err = r.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", channels.Transient("media upload", err, 0)
	}

	url, err := r.url(ctx, key)
	if err != nil {
		return "", err
	}
	slog.Debug("media: published", "key", key, "kind", m.Kind, "bytes", len(data))

	if cacheable {
		if err := r.cache.PutMediaURL(ctx, m.UniqueID, url); err != nil {
			slog.Warn("media: cache store failed", "key", m.UniqueID, "error", err)
		}
	}
	return url, nil
}

func (r *Relay) download(ctx context.Context, src string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, errors.New("media download: bad source url")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		// The URL may embed a bot token; keep it out of the error.
		var uerr *neturl.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, channels.Transient("media download", err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("media download: status %d", resp.StatusCode)
		if resp.StatusCode >= 500 {
			return nil, channels.Transient("media download", err, 0)
		}
		return nil, err
	}
	if resp.ContentLength > r.maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxSize+1))
	if err != nil {
		return nil, channels.Transient("media download", err, 0)
	}
	if int64(len(data)) > r.maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, r.maxSize)
	}
	return data, nil
}

func (r *Relay) objectKey(m bus.Media) string {
	name := m.UniqueID
	if name == "" {
		name = store.GenNewID().String()
	}
	ext := path.Ext(m.Name)
	if ext == "" {
		ext = kindExt[m.Kind]
	}
	return path.Join(r.prefix, name+ext)
}

func (r *Relay) url(ctx context.Context, key string) (string, error) {
	if r.publicURL != "" {
		return r.publicURL + "/" + key, nil
	}
	req, err := r.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(r.presignTTL))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

var kindExt = map[bus.MediaKind]string{
	bus.MediaPhoto:     ".jpg",
	bus.MediaSticker:   ".webp",
	bus.MediaVoice:     ".ogg",
	bus.MediaVideo:     ".mp4",
	bus.MediaAnimation: ".mp4",
	bus.MediaAudio:     ".mp3",
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
