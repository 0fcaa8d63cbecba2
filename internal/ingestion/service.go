package ingestion

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/lvonguyen/iocforge/internal/entity"
	"github.com/lvonguyen/iocforge/internal/observability"
)

// Store persists an accepted upload.
type Store interface {
	SaveUpload(ctx context.Context, upload *entity.Upload, iocs []entity.IOC, job *entity.Job) ([]entity.IOC, error)
}

// Queue schedules enrichment jobs.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Request is one uploaded file.
type Request struct {
	Filename   string
	UploadedBy string
	MimeType   string
	Size       int64
	Body       io.Reader
	// CampaignID, when set, overrides the campaign_id column of every row.
	CampaignID string
}

// Summary is returned to the uploader.
type Summary struct {
	Upload     entity.Upload `json:"upload"`
	Job        entity.Job    `json:"job"`
	Duplicates int           `json:"duplicates"`
	Errors     []RowError    `json:"errors,omitempty"`
}

// Service turns uploads into stored IOCs and queued enrichment jobs.
type Service struct {
	parser  *Parser
	store   Store
	queue   Queue
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewService creates the ingest service. metrics may be nil.
func NewService(limits Limits, store Store, queue Queue, metrics *observability.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		parser:  NewParser(limits),
		store:   store,
		queue:   queue,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "ingestion")),
	}
}

// Limits returns the enforced upload limits.
func (s *Service) Limits() Limits {
	return s.parser.limits
}

// Ingest parses the file, stores the valid rows and queues enrichment.
// The job is queued even when every row failed so the upload has a
// terminal status to report.
func (s *Service) Ingest(ctx context.Context, req Request) (*Summary, error) {
	if lim := s.parser.limits.MaxBytes; lim > 0 && req.Size > lim {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, req.Size, lim)
	}

	parsed, err := s.parser.Parse(req.Body)
	if err != nil {
		s.logger.Info("Upload rejected", zap.String("filename", req.Filename), zap.Error(err))
		return nil, err
	}
	if req.CampaignID != "" {
		for i := range parsed.IOCs {
			parsed.IOCs[i].CampaignID = req.CampaignID
		}
	}

	upload := &entity.Upload{
		Filename:   req.Filename,
		UploadedBy: req.UploadedBy,
		FileSize:   req.Size,
		MimeType:   req.MimeType,
		TotalRows:  parsed.TotalRows,
		RowsOK:     parsed.RowsOK,
		RowsFailed: parsed.RowsFailed,
	}
	job := &entity.Job{}
	stored, err := s.store.SaveUpload(ctx, upload, parsed.IOCs, job)
	if err != nil {
		return nil, fmt.Errorf("saving upload %s: %w", req.Filename, err)
	}

	byType := make(map[string]int)
	for _, ioc := range stored {
		byType[string(ioc.Type)]++
	}
	s.metrics.ObserveIngest(byType, parsed.RowsOK, parsed.RowsFailed)

	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		// The upload is committed; the job stays queued and is picked up
		// again on restart.
		s.logger.Warn("Failed to enqueue job, left queued for recovery",
			zap.String("job_id", job.ID), zap.Error(err))
	}

	s.logger.Info("Upload accepted",
		zap.String("upload_id", upload.ID),
		zap.String("job_id", job.ID),
		zap.String("filename", req.Filename),
		zap.Int("rows_ok", parsed.RowsOK),
		zap.Int("rows_failed", parsed.RowsFailed),
		zap.Int("iocs", len(stored)),
	)

	return &Summary{
		Upload:     *upload,
		Job:        *job,
		Duplicates: parsed.Duplicates,
		Errors:     parsed.Errors,
	}, nil
}

// Validate parses a file without storing anything.
func (s *Service) Validate(r io.Reader) (*ParseResult, error) {
	return s.parser.Parse(r)
}
