package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/iter8/tracker-node/pkg/shared"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

const sessionsPrefix = "sessions/"

type MinIOStorage struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

func NewMinIOStorage(cfg Config) (*MinIOStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinIOStorage{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// EnsureBucket creates the bucket on first run and makes recordings
// readable so players can fetch them directly.
func (s *MinIOStorage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}

	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	policy := fmt.Sprintf(`{
		"Version": "2012-10-17",
		"Statement": [{
			"Effect": "Allow",
			"Principal": {"AWS": ["*"]},
			"Action": ["s3:GetObject"],
			"Resource": ["arn:aws:s3:::%s/%s*/recording"]
		}]
	}`, s.bucket, sessionsPrefix)

	if err := s.client.SetBucketPolicy(ctx, s.bucket, policy); err != nil {
		return fmt.Errorf("failed to set bucket policy: %w", err)
	}
	return nil
}

func sessionKey(sessionID, name string) string {
	return sessionsPrefix + sessionID + "/" + name
}

// PutBlob stores a finished recording and returns its public URL. It
// satisfies recorder.BlobStore.
func (s *MinIOStorage) PutBlob(ctx context.Context, sessionID string, data []byte, contentType string) (string, error) {
	key := sessionKey(sessionID, "recording")
	if err := s.put(ctx, key, data, contentType); err != nil {
		return "", fmt.Errorf("store recording: %w", err)
	}
	return s.objectURL(key), nil
}

func (s *MinIOStorage) StoreSession(ctx context.Context, data *shared.SessionData) error {
	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return s.put(ctx, sessionKey(data.SessionID, "session.json"), body, "application/json")
}

func (s *MinIOStorage) StoreManifest(ctx context.Context, manifest *shared.Manifest) error {
	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return s.put(ctx, sessionKey(manifest.SessionID, "manifest.json"), body, "application/json")
}

func (s *MinIOStorage) GetSession(ctx context.Context, sessionID string) (*shared.SessionData, error) {
	body, _, err := s.getObject(ctx, sessionKey(sessionID, "session.json"))
	if err != nil {
		return nil, err
	}
	var data shared.SessionData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &data, nil
}

func (s *MinIOStorage) GetManifest(ctx context.Context, sessionID string) (*shared.Manifest, error) {
	body, _, err := s.getObject(ctx, sessionKey(sessionID, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var manifest shared.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", sessionID, err)
	}
	return &manifest, nil
}

// GetRecording returns the video bytes and their content type.
func (s *MinIOStorage) GetRecording(ctx context.Context, sessionID string) ([]byte, string, error) {
	return s.getObject(ctx, sessionKey(sessionID, "recording"))
}

func (s *MinIOStorage) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, sessionKey(sessionID, "session.json"), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListSessions returns stored session ids, newest first, at most limit of
// them (all when limit <= 0).
func (s *MinIOStorage) ListSessions(ctx context.Context, limit int) ([]string, error) {
	type entry struct {
		id       string
		modified time.Time
	}
	var entries []entry

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    sessionsPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list sessions: %w", obj.Err)
		}
		id, name, ok := strings.Cut(strings.TrimPrefix(obj.Key, sessionsPrefix), "/")
		if !ok || name != "session.json" {
			continue
		}
		entries = append(entries, entry{id: id, modified: obj.LastModified})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modified.After(entries[j].modified)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

// DeleteSession removes every object stored for sessionID.
func (s *MinIOStorage) DeleteSession(ctx context.Context, sessionID string) error {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    sessionKey(sessionID, ""),
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return fmt.Errorf("list session objects: %w", obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove %s: %w", obj.Key, err)
		}
	}
	return nil
}

func (s *MinIOStorage) PresignedRecordingURL(ctx context.Context, sessionID string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, sessionKey(sessionID, "recording"), expiry, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (s *MinIOStorage) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func (s *MinIOStorage) getObject(ctx context.Context, key string) ([]byte, string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", err
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return nil, "", fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, "", err
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", err
	}
	return data, info.ContentType, nil
}

func (s *MinIOStorage) objectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.publicURL, s.bucket, key)
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}
