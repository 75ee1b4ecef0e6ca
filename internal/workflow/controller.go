package workflow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/bg-remover/internal/logging"
)

// DefaultExportFilename is the name a processed result is saved under.
const DefaultExportFilename = "background_removed.png"

// Service is the remote image-processing contract. Identifiers are opaque
// and passed back unmodified.
type Service interface {
	Upload(ctx context.Context, img Image) (string, error)
	Process(ctx context.Context, imageID string) (string, error)
	Status(ctx context.Context, imageID string) (*RemoteStatus, error)
	ResultURL(processedRef string) string
}

// Exporter saves the resource behind a processed reference and returns where
// it was written.
type Exporter interface {
	Export(ctx context.Context, processedRef, filename string) (string, error)
}

// Recorder receives action outcomes. Implementations must not block for long
// and their failures never affect the workflow.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// Options configures a Controller.
type Options struct {
	SessionID           string
	ExportFilename      string
	StrictDownload      bool
	RequestTimeout      time.Duration
	PreviewMaxDimension int
}

// Controller drives a single workflow instance: select an image, upload it,
// process it, and download the result.
type Controller struct {
	service  Service
	exporter Exporter
	recorder Recorder
	logger   *zap.Logger
	opts     Options
	now      func() time.Time

	mu           sync.Mutex
	selected     *Image
	preview      string
	imageID      string
	processedRef string
	status       string
	failed       bool
	lastErr      *Error
	inflight     operation
	generation   uint64
}

// NewController constructs a controller in the Idle phase. recorder may be nil.
func NewController(service Service, exporter Exporter, recorder Recorder, logger *zap.Logger, opts Options) *Controller {
	if opts.ExportFilename == "" {
		opts.ExportFilename = DefaultExportFilename
	}
	if opts.PreviewMaxDimension <= 0 {
		opts.PreviewMaxDimension = DefaultPreviewMaxDimension
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	return &Controller{
		service:  service,
		exporter: exporter,
		recorder: recorder,
		logger:   logger.Named("workflow").With(zap.String("session_id", opts.SessionID)),
		opts:     opts,
		now:      time.Now,
	}
}

// SessionID returns the identifier of this workflow instance.
func (c *Controller) SessionID() string {
	return c.opts.SessionID
}

// State returns a snapshot of the workflow.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	phase, resume := derivePhase(c.selected != nil, c.imageID, c.processedRef, c.inflight, c.failed)
	st := State{
		SessionID:          c.opts.SessionID,
		PreviewData:        c.preview,
		ImageID:            c.imageID,
		ProcessedReference: c.processedRef,
		Phase:              phase,
		Resume:             resume,
		StatusMessage:      c.status,
		IsBusy:             c.busyLocked(),
	}
	if c.selected != nil {
		st.FileName = c.selected.Name
		st.MIMEType = c.selected.MIMEType
		st.FileSize = len(c.selected.Data)
	}
	if c.processedRef != "" && c.service != nil {
		st.ResultURL = c.service.ResultURL(c.processedRef)
	}
	if c.failed && c.lastErr != nil {
		st.ErrorKind = c.lastErr.Kind
	}
	return st
}

// SelectImage stores img as the current selection, clears every identifier
// derived from a previous selection, and starts computing the preview in the
// background. It returns without waiting for the preview.
func (c *Controller) SelectImage(img Image) (*PreviewJob, error) {
	if len(img.Data) == 0 {
		return nil, newError(KindValidation, "select", errNoFile)
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(img.MIMEType)), "image/") {
		return nil, newError(KindValidation, "select", errNotImage)
	}

	c.mu.Lock()
	if c.inflight != opNone {
		c.mu.Unlock()
		return nil, newError(KindConcurrentOperation, "select", ErrConcurrentOperation)
	}
	owned := Image{Name: img.Name, MIMEType: img.MIMEType, Data: append([]byte(nil), img.Data...)}
	c.generation++
	gen := c.generation
	c.selected = &owned
	c.preview = ""
	c.imageID = ""
	c.processedRef = ""
	c.status = ""
	c.failed = false
	c.lastErr = nil
	c.mu.Unlock()

	c.logger.Debug("image selected", zap.String("file_name", owned.Name), zap.Int("size", len(owned.Data)))

	job := newPreviewJob()
	go c.buildPreview(gen, owned.Data, job)
	return job, nil
}

func (c *Controller) buildPreview(gen uint64, data []byte, job *PreviewJob) {
	uri, err := BuildPreview(data, c.opts.PreviewMaxDimension)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		job.finish(nil)
		return
	}
	var werr *Error
	if err != nil {
		werr = newError(KindLocalIO, "preview", err)
		// A late failure must not overlay an upload or process that already
		// started from this selection.
		if c.inflight == opNone && c.imageID == "" {
			c.failLocked(werr, "Could not generate preview: "+err.Error())
		}
	} else {
		c.preview = uri
	}
	c.mu.Unlock()

	if werr != nil {
		c.logger.Warn("preview generation failed", zap.Error(werr))
		job.finish(werr)
		return
	}
	job.finish(nil)
}

// Upload sends the selected image to the service and stores the returned
// image id. Failures leave the image id empty and the upload retryable.
func (c *Controller) Upload(ctx context.Context) error {
	c.mu.Lock()
	if c.inflight != opNone {
		c.mu.Unlock()
		return newError(KindConcurrentOperation, "upload", ErrConcurrentOperation)
	}
	if c.selected == nil {
		c.mu.Unlock()
		return newError(KindPrecondition, "upload", errNoImage)
	}
	img := *c.selected
	c.inflight = opUpload
	c.imageID = ""
	c.processedRef = ""
	c.failed = false
	c.lastErr = nil
	c.status = "Uploading image..."
	c.mu.Unlock()

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(c.logger, "workflow.upload", "").With(zap.String("request_id", requestID))
	opLogger.Debug("upload started", zap.String("file_name", img.Name))

	start := c.now()
	callCtx, cancel := c.callContext(ctx, requestID)
	imageID, err := c.service.Upload(callCtx, img)
	cancel()
	if err == nil && strings.TrimSpace(imageID) == "" {
		err = errEmptyImageID
	}

	var werr *Error
	c.mu.Lock()
	c.inflight = opNone
	if err != nil {
		werr = newError(KindRemote, "upload", err)
		c.failLocked(werr, "Error uploading image: "+err.Error())
	} else {
		c.imageID = imageID
		c.status = `Image uploaded successfully! Click "Remove Background" to process.`
	}
	c.mu.Unlock()

	elapsed := c.now().Sub(start)
	if werr != nil {
		opLogger.Error("upload failed", zap.Error(werr), zap.Duration("elapsed", elapsed))
	} else {
		opLogger.Info("upload succeeded", zap.String("image_id", imageID), zap.Duration("elapsed", elapsed))
	}
	c.record(ctx, Event{
		RequestID: requestID,
		Action:    "upload",
		ImageID:   imageID,
		Success:   werr == nil,
		Error:     errorText(werr),
		Duration:  elapsed,
	})
	if werr != nil {
		return werr
	}
	return nil
}

// Process asks the service to remove the background of the uploaded image
// and stores the returned processed reference. Failures keep the image id so
// Process can be retried.
func (c *Controller) Process(ctx context.Context) error {
	c.mu.Lock()
	if c.inflight != opNone {
		c.mu.Unlock()
		return newError(KindConcurrentOperation, "process", ErrConcurrentOperation)
	}
	if c.imageID == "" {
		c.mu.Unlock()
		return newError(KindPrecondition, "process", errNotUploaded)
	}
	imageID := c.imageID
	c.inflight = opProcess
	c.processedRef = ""
	c.failed = false
	c.lastErr = nil
	c.status = "Processing image..."
	c.mu.Unlock()

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(c.logger, "workflow.process", "").
		With(zap.String("request_id", requestID), zap.String("image_id", imageID))
	opLogger.Debug("process started")

	start := c.now()
	callCtx, cancel := c.callContext(ctx, requestID)
	ref, err := c.service.Process(callCtx, imageID)
	cancel()
	if err == nil && strings.TrimSpace(ref) == "" {
		err = errEmptyResultID
	}

	var werr *Error
	c.mu.Lock()
	c.inflight = opNone
	if err != nil {
		werr = newError(KindRemote, "process", err)
		c.failLocked(werr, "Error processing image: "+err.Error())
	} else {
		c.processedRef = ref
		c.status = "Background removed successfully!"
	}
	c.mu.Unlock()

	elapsed := c.now().Sub(start)
	if werr != nil {
		opLogger.Error("process failed", zap.Error(werr), zap.Duration("elapsed", elapsed))
	} else {
		opLogger.Info("process succeeded", zap.String("processed_reference", ref), zap.Duration("elapsed", elapsed))
	}
	c.record(ctx, Event{
		RequestID:          requestID,
		Action:             "process",
		ImageID:            imageID,
		ProcessedReference: ref,
		Success:            werr == nil,
		Error:              errorText(werr),
		Duration:           elapsed,
	})
	if werr != nil {
		return werr
	}
	return nil
}

// Download exports the processed result under the configured filename and
// returns the saved location. It never mutates the workflow state. Without a
// processed reference it is a no-op, or a precondition error in strict mode.
func (c *Controller) Download(ctx context.Context) (string, error) {
	c.mu.Lock()
	ref := c.processedRef
	imageID := c.imageID
	c.mu.Unlock()

	if ref == "" {
		if c.opts.StrictDownload {
			return "", newError(KindPrecondition, "download", errNotProcessed)
		}
		return "", nil
	}

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(c.logger, "workflow.download", "").
		With(zap.String("request_id", requestID), zap.String("processed_reference", ref))

	start := c.now()
	location, err := c.exporter.Export(logging.ContextWithIDs(ctx, c.opts.SessionID, requestID), ref, c.opts.ExportFilename)
	elapsed := c.now().Sub(start)

	var werr *Error
	if err != nil {
		werr = newError(KindLocalIO, "download", err)
		opLogger.Error("download failed", zap.Error(werr))
	} else {
		opLogger.Info("result saved", zap.String("location", location), zap.Duration("elapsed", elapsed))
	}
	c.record(ctx, Event{
		RequestID:          requestID,
		Action:             "download",
		ImageID:            imageID,
		ProcessedReference: ref,
		Success:            werr == nil,
		Error:              errorText(werr),
		Duration:           elapsed,
	})
	if werr != nil {
		return "", werr
	}
	return location, nil
}

// Status queries the service for the uploaded image's record. It shares the
// single in-flight slot with Upload and Process but does not mark the
// workflow busy and does not change its state.
func (c *Controller) Status(ctx context.Context) (*RemoteStatus, error) {
	c.mu.Lock()
	if c.inflight != opNone {
		c.mu.Unlock()
		return nil, newError(KindConcurrentOperation, "status", ErrConcurrentOperation)
	}
	if c.imageID == "" {
		c.mu.Unlock()
		return nil, newError(KindPrecondition, "status", errNotUploaded)
	}
	imageID := c.imageID
	c.inflight = opStatus
	c.mu.Unlock()

	callCtx, cancel := c.callContext(ctx, uuid.NewString())
	status, err := c.service.Status(callCtx, imageID)
	cancel()

	c.mu.Lock()
	c.inflight = opNone
	c.mu.Unlock()

	if err != nil {
		werr := newError(KindRemote, "status", err)
		c.logger.Warn("status query failed", zap.Error(werr), zap.String("image_id", imageID))
		return nil, werr
	}
	return status, nil
}

// callContext detaches the remote call from the caller's cancellation: once
// issued, its outcome is always applied. The configured timeout still bounds
// it. The session and request ids travel with the call.
func (c *Controller) callContext(ctx context.Context, requestID string) (context.Context, context.CancelFunc) {
	detached := logging.ContextWithIDs(context.WithoutCancel(ctx), c.opts.SessionID, requestID)
	if c.opts.RequestTimeout > 0 {
		return context.WithTimeout(detached, c.opts.RequestTimeout)
	}
	return context.WithCancel(detached)
}

func (c *Controller) busyLocked() bool {
	return c.inflight == opUpload || c.inflight == opProcess
}

func (c *Controller) failLocked(err *Error, message string) {
	c.failed = true
	c.lastErr = err
	c.status = message
}

func (c *Controller) record(ctx context.Context, event Event) {
	if c.recorder == nil {
		return
	}
	event.SessionID = c.opts.SessionID
	event.At = c.now().UTC()
	c.recorder.Record(context.WithoutCancel(ctx), event)
}

func errorText(err *Error) string {
	if err == nil {
		return ""
	}
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Error()
}
