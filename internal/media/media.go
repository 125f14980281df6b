// Package media is the media processor (C8): downloads each message's
// attachments, content-addresses them by sha256, uploads unseen blobs to
// the CAS under quota, and publishes a posts.vision event so the vision
// stage knows to analyze them.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/chanforge/ingestfab/internal/errs"
	"github.com/chanforge/ingestfab/internal/model"
	"github.com/chanforge/ingestfab/internal/quota"
	"github.com/chanforge/ingestfab/internal/sourceclient"
	"github.com/chanforge/ingestfab/internal/store/cas"
	"github.com/chanforge/ingestfab/internal/store/postgres"
)

// MediaRepo is the subset of postgres.MediaRepo the processor needs.
type MediaRepo interface {
	GetBySHA256(ctx context.Context, sha256 string) (model.MediaObject, error)
	Upsert(ctx context.Context, m model.MediaObject) (created bool, err error)
}

// UsageRepo is the subset of postgres.StorageUsageRepo the processor needs.
type UsageRepo interface {
	Increment(ctx context.Context, tenant string, contentType model.ContentType, deltaBytes, deltaObjects int64) error
}

// Downloader fetches a media attachment's raw bytes. The default
// implementation is a plain authenticated HTTP GET; platforms whose
// private file URLs need per-request signing can swap this in.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// HTTPDownloader is the default Downloader, a bearer-token GET against the
// source platform's file URL.
type HTTPDownloader struct {
	Client *http.Client
	Token  string
}

func (d *HTTPDownloader) Download(ctx context.Context, url string) ([]byte, string, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("media: build request: %w", err)
	}
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", errs.Transient(fmt.Errorf("media: download %s: %w", url, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, "", errs.RateLimited(fmt.Errorf("media: download %s: status 429", url), 5*time.Second)
	}
	if resp.StatusCode >= 500 {
		return nil, "", errs.Transient(fmt.Errorf("media: download %s: status %d", url, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("media: download %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errs.Transient(fmt.Errorf("media: read body %s: %w", url, err))
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// CASStore is the subset of cas.Store the processor needs.
type CASStore interface {
	Put(ctx context.Context, key string, content []byte, contentType string) (sha256Hex string, err error)
}

// QuotaEngine is the subset of quota.Engine the processor needs.
type QuotaEngine interface {
	Evaluate(ctx context.Context, qc quota.Context) (quota.Decision, error)
}

// Processor implements C8.
type Processor struct {
	media      MediaRepo
	posts      *postgres.PostRepo
	outbox     *postgres.OutboxRepo
	usage      UsageRepo
	cas        CASStore
	quota      QuotaEngine
	downloader Downloader
	now        func() time.Time
}

// New builds a Processor.
func New(media MediaRepo, posts *postgres.PostRepo, outbox *postgres.OutboxRepo, usage UsageRepo, store CASStore, q QuotaEngine, downloader Downloader) *Processor {
	return &Processor{media: media, posts: posts, outbox: outbox, usage: usage, cas: store, quota: q, downloader: downloader, now: time.Now}
}

// Process downloads, dedups, and uploads one attachment, attaches it to
// postUUID, and enqueues the posts.vision event for the vision stage.
// Idempotent on the attachment's sha256.
func (p *Processor) Process(ctx context.Context, tenant, postUUID string, m sourceclient.RawMedia) (model.MediaRef, error) {
	body, contentType, err := p.downloader.Download(ctx, m.URL)
	if err != nil {
		return model.MediaRef{}, err
	}
	if contentType == "" {
		contentType = m.MIME
	}

	sum := sha256.Sum256(body)
	sha256Hex := hex.EncodeToString(sum[:])

	existing, err := p.media.GetBySHA256(ctx, sha256Hex)
	switch {
	case err == nil:
		ref := model.MediaRef{SHA256: existing.SHA256, MIME: existing.MIME, S3Key: existing.S3Key}
		if err := p.attachAndPublish(ctx, tenant, postUUID, ref); err != nil {
			return model.MediaRef{}, err
		}
		return ref, nil
	case err != postgres.ErrNotFound:
		return model.MediaRef{}, errs.Transient(fmt.Errorf("media: lookup %s: %w", sha256Hex, err))
	}

	decision, err := p.quota.Evaluate(ctx, quota.Context{Tenant: tenant, ContentType: model.ContentMedia, SizeBytes: int64(len(body))})
	if err != nil {
		return model.MediaRef{}, errs.Transient(fmt.Errorf("media: quota check: %w", err))
	}
	if !decision.Allow {
		return model.MediaRef{}, errs.QuotaExceeded(tenant, fmt.Errorf("media: %s", decision.Reason))
	}

	key := cas.Key(cas.KindMedia, tenant, sha256Hex, extFor(contentType, m.URL))
	if _, err := p.cas.Put(ctx, key, body, contentType); err != nil {
		return model.MediaRef{}, errs.Transient(fmt.Errorf("media: cas put: %w", err))
	}

	now := p.now()
	created, err := p.media.Upsert(ctx, model.MediaObject{
		SHA256: sha256Hex, MIME: contentType, Size: int64(len(body)), S3Key: key,
		FirstSeenAt: now, LastSeenAt: now,
	})
	if err != nil {
		return model.MediaRef{}, errs.Transient(fmt.Errorf("media: upsert object: %w", err))
	}
	if created {
		if err := p.usage.Increment(ctx, tenant, model.ContentMedia, int64(len(body)), 1); err != nil {
			return model.MediaRef{}, errs.Transient(fmt.Errorf("media: increment usage: %w", err))
		}
	}

	ref := model.MediaRef{SHA256: sha256Hex, MIME: contentType, S3Key: key}
	if err := p.attachAndPublish(ctx, tenant, postUUID, ref); err != nil {
		return model.MediaRef{}, err
	}
	return ref, nil
}

func (p *Processor) attachAndPublish(ctx context.Context, tenant, postUUID string, ref model.MediaRef) error {
	tx, err := p.posts.Begin(ctx)
	if err != nil {
		return errs.Transient(fmt.Errorf("media: begin tx: %w", err))
	}
	if err := p.posts.AttachMediaTx(ctx, tx, postUUID, []model.MediaRef{ref}); err != nil {
		_ = tx.Rollback(ctx)
		return errs.Transient(fmt.Errorf("media: attach: %w", err))
	}
	event := model.OutboxEvent{
		Tenant:      tenant,
		EventType:   "posts.vision",
		AggregateID: postUUID,
		ContentHash: ref.SHA256,
		Payload: map[string]any{
			"post_uuid": postUUID,
			"sha256":    ref.SHA256,
			"s3_key":    ref.S3Key,
			"tenant":    tenant,
		},
	}
	if err := p.outbox.Enqueue(ctx, tx, event); err != nil {
		_ = tx.Rollback(ctx)
		return errs.Transient(fmt.Errorf("media: enqueue vision event: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Transient(fmt.Errorf("media: commit: %w", err))
	}
	return nil
}

func extFor(contentType, url string) string {
	if exts, err := mime.ExtensionsByType(strings.Split(contentType, ";")[0]); err == nil && len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	if ext := strings.TrimPrefix(path.Ext(url), "."); ext != "" {
		return ext
	}
	return "bin"
}
