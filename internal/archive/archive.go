// Package archive ships finished sync-run reports to S3-compatible
// storage for offsite retention. When no bucket is configured the
// NoopArchiver is used and every archive call is skipped, keeping the
// system in local-only mode.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/pipesync/internal/clock"
	"github.com/hyperengineering/pipesync/internal/syncer"
	"github.com/hyperengineering/pipesync/internal/types"
)

// ErrNotConfigured is returned when report storage is not configured.
var ErrNotConfigured = errors.New("report storage not configured")

// DefaultURLExpiry is how long pre-signed report links stay valid.
const DefaultURLExpiry = time.Hour

// Config describes the S3-compatible target for run reports.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    *bool
	URLExpiry time.Duration
}

// Archiver persists run reports and hands out download links for them.
type Archiver interface {
	syncer.RunArchiver

	// ReportURL returns a pre-signed URL for downloading one run's
	// report. Returns ErrNotConfigured when storage is not configured.
	ReportURL(ctx context.Context, workspace, runID string) (string, time.Time, error)
}

// objectStore defines the minimal object-storage operations used by
// S3Archiver. This interface enables testing with mock implementations.
type objectStore interface {
	PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) error
	PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration) (*url.URL, error)
}

// minioStore wraps *minio.Client to satisfy the objectStore interface,
// pinning down the concrete option types our simplified interface omits.
type minioStore struct {
	client *minio.Client
}

func (s *minioStore) PutObject(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (s *minioStore) PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration) (*url.URL, error) {
	return s.client.PresignedGetObject(ctx, bucket, key, expiry, nil)
}

// runReport is the archived JSON document for one finished run.
type runReport struct {
	Workspace  string            `json:"workspace"`
	Run        types.SyncRun     `json:"run"`
	Result     *types.SyncResult `json:"result,omitempty"`
	ArchivedAt time.Time         `json:"archived_at"`
}

// S3Archiver writes run reports to S3-compatible storage.
type S3Archiver struct {
	store     objectStore
	bucket    string
	urlExpiry time.Duration
	clk       clock.Clock
}

var _ Archiver = (*S3Archiver)(nil)

// ArchiveRun uploads the report for one finished run. The caller treats
// failures as non-fatal; this method just reports them honestly.
func (a *S3Archiver) ArchiveRun(ctx context.Context, workspace string, run types.SyncRun, result *types.SyncResult) error {
	report := runReport{
		Workspace:  workspace,
		Run:        run,
		Result:     result,
		ArchivedAt: a.clk.Now().UTC(),
	}
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}

	key := objectKey(workspace, run.ID)
	if err := a.store.PutObject(ctx, a.bucket, key, body, "application/json"); err != nil {
		return fmt.Errorf("upload run report: %w", err)
	}
	return nil
}

// ReportURL returns a pre-signed GET URL for one run's report.
func (a *S3Archiver) ReportURL(ctx context.Context, workspace, runID string) (string, time.Time, error) {
	presigned, err := a.store.PresignedGetObject(ctx, a.bucket, objectKey(workspace, runID), a.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	return presigned.String(), a.clk.Now().Add(a.urlExpiry), nil
}

// NoopArchiver is used when report storage is not configured.
type NoopArchiver struct{}

var _ Archiver = (*NoopArchiver)(nil)

// ArchiveRun is a no-op when storage is not configured.
func (*NoopArchiver) ArchiveRun(ctx context.Context, workspace string, run types.SyncRun, result *types.SyncResult) error {
	return nil
}

// ReportURL returns ErrNotConfigured when storage is not configured.
func (*NoopArchiver) ReportURL(ctx context.Context, workspace, runID string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// New creates the appropriate Archiver based on configuration. Returns
// NoopArchiver when the bucket is empty, S3Archiver otherwise.
func New(cfg Config) (Archiver, error) {
	if cfg.Bucket == "" {
		return &NoopArchiver{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	urlExpiry := cfg.URLExpiry
	if urlExpiry <= 0 {
		urlExpiry = DefaultURLExpiry
	}

	return &S3Archiver{
		store:     &minioStore{client: client},
		bucket:    cfg.Bucket,
		urlExpiry: urlExpiry,
		clk:       clock.NewSystem(),
	}, nil
}

// objectKey returns the object key for one run's report.
// Convention: {workspace}/sync-runs/{run_id}.json
func objectKey(workspace, runID string) string {
	return workspace + "/sync-runs/" + runID + ".json"
}
