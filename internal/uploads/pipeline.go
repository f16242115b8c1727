package uploads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"harborchat/internal/media"
	"harborchat/internal/models"
	"harborchat/internal/objectstore"
	"harborchat/internal/observability/metrics"
	"harborchat/internal/storage"
)

// MaxFileSize is the default per-file upload cap.
const MaxFileSize = 10 << 20

// ErrFileTooLarge rejects uploads over the configured size cap before any
// bytes move.
var ErrFileTooLarge = errors.New("file exceeds upload size limit")

// FileUpload is one file handed to the pipeline.
type FileUpload struct {
	Name        string
	ContentType string
	Data        []byte
}

// PipelineConfig configures an upload pipeline.
type PipelineConfig struct {
	Objects     objectstore.Store
	Attachments storage.AttachmentStore
	// Prober derives video and voice metadata. Optional; without it those
	// categories skip derivation.
	Prober   media.Prober
	Registry *Registry
	// MaxFileSize defaults to MaxFileSize.
	MaxFileSize int64
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	// Now stamps object keys. Overridable for tests.
	Now func() time.Time
}

// Pipeline moves attachment files from upload to durable record: size
// validation, blob write, best-effort metadata derivation, and the
// attachment row insert. Derivation failures degrade the attachment rather
// than failing it; storage and persistence failures are terminal.
type Pipeline struct {
	objects     objectstore.Store
	attachments storage.AttachmentStore
	prober      media.Prober
	registry    *Registry
	maxFileSize int64
	logger      *slog.Logger
	metrics     *metrics.Recorder
	now         func() time.Time
}

// NewPipeline constructs a pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Objects == nil {
		return nil, errors.New("object store is required")
	}
	if cfg.Attachments == nil {
		return nil, errors.New("attachment store is required")
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	maxFileSize := cfg.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = MaxFileSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Pipeline{
		objects:     cfg.Objects,
		attachments: cfg.Attachments,
		prober:      cfg.Prober,
		registry:    registry,
		maxFileSize: maxFileSize,
		logger:      logger,
		metrics:     recorder,
		now:         now,
	}, nil
}

// Registry exposes the pipeline's progress registry.
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// MaxSize reports the configured per-file upload cap in bytes.
func (p *Pipeline) MaxSize() int64 {
	return p.maxFileSize
}

// Progress reports the latest task state for a file. The name is sanitized
// the same way UploadFile keys it, so callers can pass the original name.
func (p *Pipeline) Progress(fileName string) (Task, bool) {
	return p.registry.Latest(objectstore.SanitizeName(fileName))
}

// ClearUploads drops all tracked progress, typically once the send settles.
func (p *Pipeline) ClearUploads() {
	p.registry.Clear()
}

// UploadFile runs one file through the pipeline and returns the persisted
// attachment. On failure the registry entry carries the error and the
// returned attachment is nil.
func (p *Pipeline) UploadFile(ctx context.Context, conversationID, messageID string, file FileUpload) (*models.Attachment, error) {
	name := objectstore.SanitizeName(file.Name)
	taskID := p.registry.Register(name)
	p.metrics.UploadStarted()
	defer p.metrics.UploadFinished()

	attachment, err := p.run(ctx, conversationID, messageID, taskID, name, file)
	if err != nil {
		p.registry.Fail(taskID, err.Error())
		p.metrics.ObserveUploadOutcome("error")
		p.logger.Error("attachment upload failed",
			"file", name, "conversation", conversationID, "error", err)
		return nil, err
	}
	p.registry.Complete(taskID, attachment.FileURL, attachment.ThumbnailURL)
	p.metrics.ObserveUploadOutcome("completed")
	return attachment, nil
}

func (p *Pipeline) run(ctx context.Context, conversationID, messageID, taskID, name string, file FileUpload) (*models.Attachment, error) {
	if err := p.validate(file); err != nil {
		return nil, err
	}
	stamp := p.now()
	key := objectKey(conversationID, messageID, stamp, extension(name))

	p.registry.Update(taskID, StatusUploading)
	err := p.objects.Put(ctx, key, file.Data, objectstore.PutOptions{
		ContentType: file.ContentType,
	})
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", name, err)
	}

	p.registry.Update(taskID, StatusProcessing)
	params := storage.CreateAttachmentParams{
		MessageID: messageID,
		FileURL:   p.objects.PublicURL(key),
		FileName:  name,
		FileType:  file.ContentType,
		FileSize:  int64(len(file.Data)),
	}
	p.derive(ctx, conversationID, messageID, stamp, file, &params)

	attachment, err := p.attachments.CreateAttachment(ctx, params)
	if err != nil {
		// The blob stays put; the record is the source of truth and a
		// missing row simply orphans the object.
		return nil, fmt.Errorf("persist %s: %w", name, err)
	}
	return &attachment, nil
}

// validate enforces the size cap. Zero-byte files are legitimate uploads
// and pass through.
func (p *Pipeline) validate(file FileUpload) error {
	if int64(len(file.Data)) > p.maxFileSize {
		return fmt.Errorf("%w: %d bytes over %d limit", ErrFileTooLarge, len(file.Data), p.maxFileSize)
	}
	return nil
}

// derive fills in category-specific metadata. Failures log and leave the
// attachment without the derived fields.
func (p *Pipeline) derive(ctx context.Context, conversationID, messageID string, stamp time.Time, file FileUpload, params *storage.CreateAttachmentParams) {
	switch Categorize(file.ContentType) {
	case CategoryImage:
		thumb, err := media.ImageThumbnail(file.Data)
		if err != nil {
			p.logger.Warn("image derivation failed", "file", params.FileName, "error", err)
			return
		}
		params.Width = thumb.Width
		params.Height = thumb.Height
		params.ThumbnailURL = p.storeThumbnail(ctx, conversationID, messageID, stamp, params.FileName, thumb.Data)
	case CategoryVideo:
		if p.prober == nil {
			return
		}
		meta, err := p.prober.ProbeVideo(ctx, file.Data, extension(params.FileName))
		if err != nil {
			p.logger.Warn("video derivation failed", "file", params.FileName, "error", err)
			return
		}
		params.Width = meta.Width
		params.Height = meta.Height
		params.Duration = meta.DurationSeconds
		if meta.Poster != nil {
			params.ThumbnailURL = p.storeThumbnail(ctx, conversationID, messageID, stamp, params.FileName, meta.Poster.Data)
		}
	case CategoryVoice:
		if p.prober == nil {
			return
		}
		meta, err := p.prober.ProbeAudio(ctx, file.Data, extension(params.FileName))
		if err != nil {
			p.logger.Warn("audio derivation failed", "file", params.FileName, "error", err)
			return
		}
		params.Duration = meta.DurationSeconds
	}
}

// storeThumbnail writes a derived preview next to the original. A failed
// write logs and returns an empty URL; the attachment ships without it.
func (p *Pipeline) storeThumbnail(ctx context.Context, conversationID, messageID string, stamp time.Time, fileName string, data []byte) string {
	key := thumbnailKey(conversationID, messageID, stamp)
	err := p.objects.Put(ctx, key, data, objectstore.PutOptions{ContentType: "image/jpeg"})
	if err != nil {
		p.logger.Warn("thumbnail store failed", "file", fileName, "error", err)
		return ""
	}
	return p.objects.PublicURL(key)
}

// UploadFiles runs every file through the pipeline concurrently and reports
// whether all of them completed. Failed files are tracked in the registry;
// the returned slice holds only the successes, in input order.
func (p *Pipeline) UploadFiles(ctx context.Context, conversationID, messageID string, files []FileUpload) ([]models.Attachment, bool) {
	if len(files) == 0 {
		return nil, true
	}
	results := make([]*models.Attachment, len(files))
	var g errgroup.Group
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			attachment, err := p.UploadFile(ctx, conversationID, messageID, file)
			if err != nil {
				return err
			}
			results[i] = attachment
			return nil
		})
	}
	err := g.Wait()
	attachments := make([]models.Attachment, 0, len(files))
	for _, result := range results {
		if result != nil {
			attachments = append(attachments, *result)
		}
	}
	return attachments, err == nil
}

// objectKey builds the storage key for an original:
// {conversationID}/{messageID}/{unixMillis}.{ext}.
func objectKey(conversationID, messageID string, stamp time.Time, ext string) string {
	return fmt.Sprintf("%s/%s/%d.%s", conversationID, messageID, stamp.UnixMilli(), ext)
}

// thumbnailKey builds the storage key for a derived preview:
// {conversationID}/{messageID}/thumb_{unixMillis}.jpg.
func thumbnailKey(conversationID, messageID string, stamp time.Time) string {
	return fmt.Sprintf("%s/%s/thumb_%d.jpg", conversationID, messageID, stamp.UnixMilli())
}

// extension extracts a lowercased file extension, defaulting to "bin".
func extension(name string) string {
	ext := strings.TrimPrefix(path.Ext(name), ".")
	if ext == "" {
		return "bin"
	}
	return strings.ToLower(ext)
}
