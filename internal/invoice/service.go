package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/invoice-scanner/internal/fields"
	"github.com/zombor/invoice-scanner/internal/inference"
	"github.com/zombor/invoice-scanner/internal/scanning"
)

var (
	// ErrNoImageSelected is returned by Run before any image was uploaded
	ErrNoImageSelected = errors.New("no image selected")
	// ErrRunInProgress is returned by Run while another run is active
	ErrRunInProgress = errors.New("scan already running")
	// ErrPipelineFailed wraps every stage failure of a run
	ErrPipelineFailed = errors.New("pipeline failed")
	// ErrEmptyImage is returned when an upload has no content
	ErrEmptyImage = errors.New("image is empty")
)

// IDGenerator generates unique IDs for scans and uploads
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Config holds where the model is served from
type Config struct {
	// Origin is the scheme and host pages are served from, e.g. http://localhost:8080
	Origin string
	// ModelFilename is resolved against the page's base path
	ModelFilename string
}

// Service owns the scanner state and runs the recognition pipeline
type Service struct {
	db          DB
	storage     Storage
	recognizer  scanning.Recognizer
	engine      inference.Engine
	cfg         Config
	idGenerator IDGenerator
	timeSource  TimeSource

	mu      sync.Mutex
	image   *Image
	text    string
	fields  *fields.Fields
	running bool
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, storage Storage, recognizer scanning.Recognizer, engine inference.Engine, cfg Config) *Service {
	return NewServiceWithDeps(db, storage, recognizer, engine, cfg, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, recognizer scanning.Recognizer, engine inference.Engine, cfg Config, idGen IDGenerator, timeSrc TimeSource) *Service {
	if cfg.ModelFilename == "" {
		cfg.ModelFilename = inference.DefaultModelFilename
	}
	return &Service{
		db:          db,
		storage:     storage,
		recognizer:  recognizer,
		engine:      engine,
		cfg:         cfg,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename keeps phone-generated names short and filesystem safe
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(repeatedSpaces.ReplaceAllString(base, " "))

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "invoice"
	}
	return base + ext
}

// SelectImage stores an upload and makes it the image the next run scans
func (s *Service) SelectImage(filename string, data []byte, contentType string) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	name := fmt.Sprintf("%s_%s", s.idGenerator.Generate(), sanitizeFilename(filename))
	savedName, err := s.storage.Save(name, data)
	if err != nil {
		return nil, fmt.Errorf("saving image: %w", err)
	}

	img := &Image{
		Filename:         savedName,
		OriginalFilename: filename,
		ContentType:      contentType,
		Size:             len(data),
		UploadedAt:       s.timeSource.Now(),
	}

	s.mu.Lock()
	previous := s.image
	running := s.running
	s.image = img
	s.mu.Unlock()

	slog.Info("Image selected", "filename", filename, "stored_as", savedName, "size", len(data))

	// An active run still reads the previous image
	if previous != nil && !running {
		s.discardImage(previous.Filename)
	}
	copied := *img
	return &copied, nil
}

// State returns a snapshot of the scanner state
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := State{
		Phase: PhaseIdle,
		Busy:  s.running,
		Text:  s.text,
	}
	if s.running {
		state.Phase = PhaseRunning
	}
	if s.image != nil {
		img := *s.image
		state.Image = &img
	}
	if s.fields != nil {
		f := *s.fields
		state.Fields = &f
	}
	return state
}

// Run scans the selected image. At most one run is active at a time; a
// concurrent call gets ErrRunInProgress. A failed run leaves the previous
// fields in place.
func (s *Service) Run(ctx context.Context, pagePath string) (*Scan, error) {
	s.mu.Lock()
	if s.image == nil {
		s.mu.Unlock()
		slog.Warn("No image selected")
		return nil, ErrNoImageSelected
	}
	if s.running {
		s.mu.Unlock()
		slog.Warn("Scan already running")
		return nil, ErrRunInProgress
	}
	s.running = true
	img := *s.image
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	start := time.Now()
	slog.Info("Starting scan", "image", img.Filename, "page_path", pagePath)

	scan, err := s.runPipeline(ctx, img, pagePath)
	if err != nil {
		slog.Error("Pipeline failed", "image", img.Filename, "error", err)
		return nil, err
	}

	if err := s.db.SaveScan(scan); err != nil {
		slog.Warn("Failed to save scan history", "scan_id", scan.ID, "error", err)
	}

	slog.Info("Scan completed",
		"scan_id", scan.ID,
		"vendor", scan.Fields.Vendor,
		"total", scan.Fields.Total,
		"date", scan.Fields.Date,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return scan, nil
}

func stageError(stage string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPipelineFailed, stage, err)
}

// runPipeline executes recognize, load model, inference and extract in order
func (s *Service) runPipeline(ctx context.Context, img Image, pagePath string) (*Scan, error) {
	var durations StageDurations

	// 1. Recognize text
	t := time.Now()
	data, err := s.storage.Get(img.Filename)
	if err != nil {
		return nil, stageError("reading image", err)
	}
	text, err := s.recognizer.RecognizeText(ctx, data, img.ContentType)
	if err != nil {
		return nil, stageError("recognizing text", err)
	}
	durations.Recognize = time.Since(t).Milliseconds()
	slog.Info("Text recognized", "length", len(text), "duration_ms", durations.Recognize)

	s.mu.Lock()
	s.text = text
	s.mu.Unlock()

	// 2. Load model
	t = time.Now()
	modelURL, err := inference.ModelURL(s.cfg.Origin, pagePath, s.cfg.ModelFilename)
	if err != nil {
		return nil, stageError("resolving model url", err)
	}
	session, err := s.engine.Load(ctx, modelURL)
	if err != nil {
		return nil, stageError("loading model", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Warn("Failed to close model session", "error", err)
		}
	}()
	durations.LoadModel = time.Since(t).Milliseconds()
	slog.Info("Model loaded",
		"url", modelURL,
		"inputs", session.InputNames(),
		"outputs", session.OutputNames(),
		"duration_ms", durations.LoadModel,
	)

	// 3. Inference on the placeholder vector; output is only logged
	t = time.Now()
	outputs, err := session.Run(ctx, inference.PlaceholderInput())
	if err != nil {
		return nil, stageError("running inference", err)
	}
	durations.Inference = time.Since(t).Milliseconds()
	inference.LogOutputs(outputs)

	// 4. Extract fields
	t = time.Now()
	extracted := fields.ExtractAll(text)
	durations.Extract = time.Since(t).Milliseconds()

	s.mu.Lock()
	s.fields = &extracted
	s.mu.Unlock()

	return &Scan{
		ID:               s.idGenerator.Generate(),
		ImageFilename:    img.Filename,
		OriginalFilename: img.OriginalFilename,
		ContentType:      img.ContentType,
		Text:             text,
		Fields:           extracted,
		ModelURL:         modelURL,
		Inference:        inference.Summarize(outputs),
		Durations:        durations,
		CreatedAt:        s.timeSource.Now(),
	}, nil
}

// ImageFile returns the currently selected image
func (s *Service) ImageFile() ([]byte, string, error) {
	s.mu.Lock()
	img := s.image
	s.mu.Unlock()

	if img == nil {
		return nil, "", ErrNoImageSelected
	}
	data, err := s.storage.Get(img.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("getting image file: %w", err)
	}
	return data, img.ContentType, nil
}

// GetScan retrieves a scan by ID
func (s *Service) GetScan(id string) (*Scan, error) {
	scan, err := s.db.GetScan(id)
	if err != nil {
		return nil, fmt.Errorf("getting scan: %w", err)
	}
	return scan, nil
}

// ListScans returns the scan history
func (s *Service) ListScans() ([]*Scan, error) {
	scans, err := s.db.ListScans()
	if err != nil {
		return nil, fmt.Errorf("listing scans: %w", err)
	}
	return scans, nil
}

// GetScanImage returns the image a scan was made from
func (s *Service) GetScanImage(id string) ([]byte, string, error) {
	scan, err := s.db.GetScan(id)
	if err != nil {
		return nil, "", fmt.Errorf("getting scan: %w", err)
	}
	data, err := s.storage.Get(scan.ImageFilename)
	if err != nil {
		return nil, "", fmt.Errorf("getting scan image: %w", err)
	}
	return data, scan.ContentType, nil
}

// DeleteScan removes a scan. Its image is removed too once nothing else uses it.
func (s *Service) DeleteScan(id string) error {
	scan, err := s.db.GetScan(id)
	if err != nil {
		return fmt.Errorf("getting scan for deletion: %w", err)
	}

	inUse, err := s.imageInUse(scan)
	if err != nil {
		return err
	}
	if !inUse {
		if err := s.storage.Delete(scan.ImageFilename); err != nil {
			// Log error but continue with database deletion
			slog.Warn("Failed to delete image", "filename", scan.ImageFilename, "error", err)
		}
	}

	if err := s.db.DeleteScan(id); err != nil {
		return fmt.Errorf("deleting scan from database: %w", err)
	}
	return nil
}

// imageInUse reports whether the scan's image is selected or shared with another scan
func (s *Service) imageInUse(scan *Scan) (bool, error) {
	s.mu.Lock()
	selected := s.image != nil && s.image.Filename == scan.ImageFilename
	s.mu.Unlock()
	if selected {
		return true, nil
	}
	return s.imageReferenced(scan.ImageFilename, scan.ID)
}

// imageReferenced reports whether a scan other than exceptID was made from filename
func (s *Service) imageReferenced(filename, exceptID string) (bool, error) {
	scans, err := s.db.ListScans()
	if err != nil {
		return false, fmt.Errorf("listing scans: %w", err)
	}
	for _, other := range scans {
		if other.ID != exceptID && other.ImageFilename == filename {
			return true, nil
		}
	}
	return false, nil
}

// discardImage removes a replaced upload that no scan was made from
func (s *Service) discardImage(filename string) {
	referenced, err := s.imageReferenced(filename, "")
	if err != nil {
		slog.Warn("Keeping replaced image", "filename", filename, "error", err)
		return
	}
	if referenced {
		return
	}
	if err := s.storage.Delete(filename); err != nil {
		slog.Warn("Failed to delete replaced image", "filename", filename, "error", err)
		return
	}
	slog.Info("Deleted replaced image", "filename", filename)
}
