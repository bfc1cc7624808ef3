package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stowage-io/stowage/internal/artifact"
	"github.com/stowage-io/stowage/internal/blobstore"
	"github.com/stowage-io/stowage/internal/config"
	"github.com/stowage-io/stowage/internal/fault"
	"github.com/stowage-io/stowage/internal/ledger"
	"github.com/stowage-io/stowage/internal/logging"
	"github.com/stowage-io/stowage/internal/metastore"
	"github.com/stowage-io/stowage/internal/metrics"
	"github.com/stowage-io/stowage/internal/notify"
	"github.com/stowage-io/stowage/internal/progress"
	"github.com/stowage-io/stowage/internal/repack"
	"github.com/stowage-io/stowage/internal/retry"
)

// ManagerConfig carries the manager's collaborators and tuning.
type ManagerConfig struct {
	Store       metastore.Store
	Blobs       blobstore.Store
	Ledger      *ledger.Ledger
	Tracker     *progress.Tracker
	Artifacts   *artifact.Registry
	Notifier    notify.Emitter
	Upload      config.UploadConfig
	ArtifactTTL time.Duration
}

// Manager drives logical uploads from begin through completion. Per
// upload, server-side work is sequential; many uploads run concurrently,
// isolated by id-scoped keys.
type Manager struct {
	store      metastore.Store
	blobs      blobstore.Store
	ledger     *ledger.Ledger
	tracker    *progress.Tracker
	artifacts  *artifact.Registry
	notifier   notify.Emitter
	repackager *repack.Repackager
	cfg        config.UploadConfig
	defaultTTL time.Duration
	log        *slog.Logger

	// background tracks detached repackaging goroutines for shutdown.
	background sync.WaitGroup
}

func NewManager(c ManagerConfig) *Manager {
	return &Manager{
		store:     c.Store,
		blobs:     c.Blobs,
		ledger:    c.Ledger,
		tracker:   c.Tracker,
		artifacts: c.Artifacts,
		notifier:  c.Notifier,
		repackager: repack.NewRepackager(c.Blobs, c.Tracker, repack.Options{
			WindowSize:       c.Upload.ReadWindow,
			CompressionLevel: c.Upload.CompressionLevel,
		}),
		cfg:        c.Upload,
		defaultTTL: c.ArtifactTTL,
		log:        logging.Component("session"),
	}
}

func uploadKey(id string) string {
	return fmt.Sprintf("upload:%s", id)
}

func finalizeGateKey(id string) string {
	return fmt.Sprintf("upload:%s:finalize", id)
}

func stagingKey(uploadID, fileName string) string {
	return fmt.Sprintf("staging/%s/%s", uploadID, fileName)
}

func artifactBlobKey(artifactID, name string) string {
	return fmt.Sprintf("artifacts/%s/%s", artifactID, name)
}

func (m *Manager) retryPolicy(op string) retry.Policy {
	return retry.Policy{
		MaxAttempts:   m.cfg.RetryAttempts,
		BaseDelay:     time.Duration(m.cfg.RetryBaseDelayMs) * time.Millisecond,
		JitterCeiling: time.Duration(m.cfg.RetryJitterMs) * time.Millisecond,
		Op:            op,
	}
}

// Begin validates the plan, opens a staging multipart upload per file,
// persists the upload record, and returns the chunk plan.
func (m *Manager) Begin(ctx context.Context, req BeginRequest) (ChunkPlan, error) {
	if err := validateBegin(req); err != nil {
		return ChunkPlan{}, err
	}

	passwordHash, err := artifact.HashPassword(req.Password)
	if err != nil {
		return ChunkPlan{}, err
	}

	up := LogicalUpload{
		ID:           uuid.NewString(),
		Status:       StatusCollecting,
		ArtifactName: req.ArtifactName,
		PasswordHash: passwordHash,
		TTLHours:     req.TTLHours,
		CreatedAt:    time.Now().UTC(),
	}
	if up.ArtifactName == "" {
		up.ArtifactName = "artifact"
	}

	for _, spec := range req.Files {
		chunkCount := int((spec.Size + m.cfg.ChunkSize - 1) / m.cfg.ChunkSize)
		key := stagingKey(up.ID, spec.Name)

		multipartID, err := m.blobs.CreateMultipartUpload(ctx, key)
		if err != nil {
			m.abortStaging(up.Files)
			return ChunkPlan{}, err
		}
		up.Files = append(up.Files, FileUpload{
			Name:        spec.Name,
			Size:        spec.Size,
			Key:         key,
			MultipartID: multipartID,
			ChunkSize:   m.cfg.ChunkSize,
			ChunkCount:  chunkCount,
		})
	}

	if err := m.saveUpload(ctx, &up); err != nil {
		m.abortStaging(up.Files)
		return ChunkPlan{}, err
	}

	m.tracker.Milestone(ctx, up.ID, progress.StageCollecting, "")
	if mt := metrics.Get(); mt != nil {
		mt.IncUploadsStarted()
	}
	m.log.Info("upload begun", "upload_id", up.ID, "files", len(up.Files), "total_chunks", up.TotalChunks())

	plan := ChunkPlan{UploadID: up.ID}
	for _, f := range up.Files {
		plan.Files = append(plan.Files, FilePlan{Name: f.Name, ChunkSize: f.ChunkSize, ChunkCount: f.ChunkCount})
	}
	return plan, nil
}

// abortStaging discards staging multipart uploads created so far.
func (m *Manager) abortStaging(files []FileUpload) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, f := range files {
		if err := m.blobs.AbortMultipartUpload(ctx, f.Key, f.MultipartID); err != nil {
			m.log.Warn("failed to abort staging multipart upload", "key", f.Key, "error", err)
		}
	}
}

// PresignChunk returns the URL for uploading one chunk directly to
// storage. The chunk's part number is always its index plus one.
func (m *Manager) PresignChunk(ctx context.Context, uploadID, fileName string, index int, ttl time.Duration) (string, int32, error) {
	up, err := m.loadUpload(ctx, uploadID)
	if err != nil {
		return "", 0, err
	}
	if up.Status != StatusCollecting {
		return "", 0, fault.Newf(fault.KindConflict, "session.presign", "upload %s is %s", uploadID, up.Status)
	}
	f, err := up.file(fileName)
	if err != nil {
		return "", 0, err
	}
	if index < 0 || index >= f.ChunkCount {
		return "", 0, fault.Newf(fault.KindValidation, "session.presign", "chunk index %d out of range [0,%d)", index, f.ChunkCount)
	}

	partNumber := int32(index + 1)
	url, err := m.blobs.PresignUploadPart(ctx, f.Key, f.MultipartID, partNumber, ttl)
	if err != nil {
		return "", 0, err
	}
	return url, partNumber, nil
}

func (u *LogicalUpload) file(name string) (*FileUpload, error) {
	for i := range u.Files {
		if u.Files[i].Name == name {
			return &u.Files[i], nil
		}
	}
	return nil, fault.Newf(fault.KindNotFound, "session.file", "file %s not declared in upload %s", name, u.ID)
}

// ConfirmChunk records one uploaded chunk in the ledger. Idempotent for
// repeats with the same content tag.
func (m *Manager) ConfirmChunk(ctx context.Context, uploadID, fileName string, index int, partNumber int32, tag string) (ConfirmResult, error) {
	up, err := m.loadUpload(ctx, uploadID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if up.Status != StatusCollecting {
		return ConfirmResult{}, fault.Newf(fault.KindConflict, "session.confirm", "upload %s is %s", uploadID, up.Status)
	}
	f, err := up.file(fileName)
	if err != nil {
		return ConfirmResult{}, err
	}
	if index < 0 || index >= f.ChunkCount {
		return ConfirmResult{}, fault.Newf(fault.KindValidation, "session.confirm", "chunk index %d out of range [0,%d)", index, f.ChunkCount)
	}
	if partNumber < 1 {
		return ConfirmResult{}, fault.Newf(fault.KindValidation, "session.confirm", "part number %d below 1", partNumber)
	}
	if tag == "" {
		return ConfirmResult{}, fault.New(fault.KindValidation, "session.confirm", "empty content tag")
	}

	_, uploaded, err := m.ledger.Record(ctx, uploadID, fileName, index, partNumber, tag)
	if err != nil {
		return ConfirmResult{}, err
	}
	return ConfirmResult{Uploaded: uploaded, Total: up.TotalChunks()}, nil
}

// Finalize completes every file's staging multipart upload and either
// copies a lone archive straight to its artifact location or hands off
// to detached repackaging. Re-finalizing a completed upload returns the
// existing artifact; in-progress and failed uploads report their state.
func (m *Manager) Finalize(ctx context.Context, uploadID string) (FinalizeResult, error) {
	up, err := m.loadUpload(ctx, uploadID)
	if err != nil {
		return FinalizeResult{}, err
	}

	switch up.Status {
	case StatusCompleted:
		return FinalizeResult{Status: StatusCompleted, ArtifactID: up.ArtifactID}, nil
	case StatusFinalizing, StatusRepackaging:
		return FinalizeResult{Status: up.Status, ArtifactID: up.ArtifactID}, nil
	case StatusFailed:
		return FinalizeResult{Status: StatusFailed, Reason: up.Reason}, nil
	}

	if err := m.requireComplete(ctx, up); err != nil {
		return FinalizeResult{}, err
	}

	// Single-finalizer gate: only the caller that creates the key
	// drives the transition; concurrent finalizes see in-progress.
	created, err := m.store.PutIfAbsent(ctx, finalizeGateKey(uploadID), []byte("1"))
	if err != nil {
		return FinalizeResult{}, err
	}
	if !created {
		current, err := m.loadUpload(ctx, uploadID)
		if err != nil {
			return FinalizeResult{}, err
		}
		return FinalizeResult{Status: current.Status, ArtifactID: current.ArtifactID, Reason: current.Reason}, nil
	}

	up.Status = StatusFinalizing
	if err := m.saveUpload(ctx, up); err != nil {
		m.releaseGate(ctx, uploadID)
		return FinalizeResult{}, err
	}
	m.tracker.Milestone(ctx, uploadID, progress.StageFinalizing, "")

	for i := range up.Files {
		if err := m.finalizeFile(ctx, up, &up.Files[i]); err != nil {
			// Leave the upload retryable: chunks are intact, only
			// the completion call failed.
			up.Status = StatusCollecting
			_ = m.saveUpload(ctx, up)
			m.releaseGate(ctx, uploadID)
			return FinalizeResult{}, err
		}
	}

	up.ArtifactID = uuid.NewString()

	// Fast path: a lone source already in the container format needs no
	// repackaging, just a server-side copy to the artifact location.
	if len(up.Files) == 1 && strings.EqualFold(filepath.Ext(up.Files[0].Name), ".zip") {
		return m.completeByCopy(ctx, up)
	}

	up.Status = StatusRepackaging
	if err := m.saveUpload(ctx, up); err != nil {
		m.releaseGate(ctx, uploadID)
		return FinalizeResult{}, err
	}

	m.background.Add(1)
	go func(up LogicalUpload) {
		defer m.background.Done()
		m.runRepackaging(&up)
	}(*up)

	return FinalizeResult{Status: StatusRepackaging, ArtifactID: up.ArtifactID}, nil
}

func (m *Manager) releaseGate(ctx context.Context, uploadID string) {
	if err := m.store.Delete(ctx, finalizeGateKey(uploadID)); err != nil {
		m.log.Warn("failed to release finalize gate", "upload_id", uploadID, "error", err)
	}
}

// requireComplete fails with an incomplete-upload fault naming the
// missing indices when any declared chunk is unrecorded.
func (m *Manager) requireComplete(ctx context.Context, up *LogicalUpload) error {
	count, err := m.ledger.Count(ctx, up.ID)
	if err != nil {
		return err
	}
	total := up.TotalChunks()
	if count >= total {
		return nil
	}

	var missing []string
	for _, f := range up.Files {
		_, miss, err := m.ledger.Collect(ctx, up.ID, f.Name, f.ChunkCount)
		if err != nil {
			return err
		}
		if len(miss) > 0 {
			missing = append(missing, fmt.Sprintf("%s%v", f.Name, miss))
		}
	}
	return fault.Newf(fault.KindIncomplete, "session.finalize",
		"recorded %d of %d chunks; missing %s", count, total, strings.Join(missing, ", "))
}

// finalizeFile completes one staging multipart upload with its chunk
// records ordered by part number, the single point where byte order is
// authoritatively fixed.
func (m *Manager) finalizeFile(ctx context.Context, up *LogicalUpload, f *FileUpload) error {
	records, missing, err := m.ledger.Collect(ctx, up.ID, f.Name, f.ChunkCount)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fault.Newf(fault.KindIncomplete, "session.finalize_file",
			"file %s missing chunk indices %v", f.Name, missing)
	}

	parts := make([]blobstore.Part, 0, f.ChunkCount)
	for i := 0; i < f.ChunkCount; i++ {
		rec := records[i]
		parts = append(parts, blobstore.Part{PartNumber: rec.PartNumber, ETag: rec.Tag})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	err = retry.Do(ctx, m.retryPolicy("session.complete_file"), func(ctx context.Context) error {
		return m.blobs.CompleteMultipartUpload(ctx, f.Key, f.MultipartID, parts)
	})
	if fault.Is(err, fault.KindNotFound) {
		// The multipart handle is gone. If the object exists this file
		// was completed by an earlier finalize attempt.
		if _, headErr := m.blobs.Head(ctx, f.Key); headErr == nil {
			return nil
		}
	}
	return err
}

// completeByCopy relocates a lone .zip source directly to the artifact
// location, skipping repackaging entirely.
func (m *Manager) completeByCopy(ctx context.Context, up *LogicalUpload) (FinalizeResult, error) {
	f := up.Files[0]
	dstKey := artifactBlobKey(up.ArtifactID, f.Name)

	err := retry.Do(ctx, m.retryPolicy("session.copy_artifact"), func(ctx context.Context) error {
		return m.blobs.Copy(ctx, f.Key, dstKey)
	})
	if err != nil {
		m.failUpload(ctx, up, err)
		return FinalizeResult{}, err
	}
	if err := m.blobs.Delete(ctx, f.Key); err != nil {
		m.log.Warn("failed to delete staging blob after copy", "key", f.Key, "error", err)
	}

	if err := m.recordCompletion(ctx, up, dstKey, f.Name); err != nil {
		m.failUpload(ctx, up, err)
		return FinalizeResult{}, err
	}
	if mt := metrics.Get(); mt != nil {
		mt.IncUploadsCompleted("copy")
	}
	m.log.Info("upload completed via copy fast path", "upload_id", up.ID, "artifact_id", up.ArtifactID)
	return FinalizeResult{Status: StatusCompleted, ArtifactID: up.ArtifactID}, nil
}

// runRepackaging is the detached background phase. Its failures surface
// only through status polling; the finalize call already acknowledged
// in-progress.
func (m *Manager) runRepackaging(up *LogicalUpload) {
	ctx := logging.WithCorrelationID(context.Background(), logging.GenerateCorrelationID())
	log := logging.UploadLogger(logging.CorrelationID(ctx), up.ID, len(up.Files))

	artifactName := up.ArtifactName
	if !strings.EqualFold(filepath.Ext(artifactName), ".zip") {
		artifactName += ".zip"
	}
	dstKey := artifactBlobKey(up.ArtifactID, artifactName)

	pipe, err := repack.NewPipeline(ctx, m.blobs, dstKey, repack.PipelineOptions{
		PartSize:      m.cfg.PartSize,
		MaxConcurrent: m.cfg.MaxConcurrentParts,
		DrainTimeout:  time.Duration(m.cfg.DrainTimeoutSeconds) * time.Second,
		Retry:         m.retryPolicy("pipeline.upload_part"),
	})
	if err != nil {
		m.failUpload(ctx, up, err)
		return
	}

	files := make([]repack.SourceFile, len(up.Files))
	for i, f := range up.Files {
		files[i] = repack.SourceFile{Name: f.Name, Key: f.Key}
	}

	if err := m.repackager.Run(ctx, up.ID, files, pipe); err != nil {
		m.failUpload(ctx, up, err)
		return
	}

	if err := m.recordCompletion(ctx, up, dstKey, artifactName); err != nil {
		m.failUpload(ctx, up, err)
		return
	}
	if mt := metrics.Get(); mt != nil {
		mt.IncUploadsCompleted("repack")
	}
	log.Info("upload completed", "artifact_id", up.ArtifactID, "parts", pipe.PartCount())
}

// recordCompletion creates the artifact record, marks the upload
// completed, and cleans up chunk bookkeeping.
func (m *Manager) recordCompletion(ctx context.Context, up *LogicalUpload, dstKey, artifactName string) error {
	info, err := m.blobs.Head(ctx, dstKey)
	if err != nil {
		return err
	}

	ttl := m.defaultTTL
	if up.TTLHours > 0 {
		ttl = time.Duration(up.TTLHours) * time.Hour
	}
	now := time.Now().UTC()
	if err := m.artifacts.Create(ctx, artifact.Record{
		ID:           up.ArtifactID,
		Name:         artifactName,
		Key:          dstKey,
		Size:         info.Size,
		PasswordHash: up.PasswordHash,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}); err != nil {
		return err
	}

	up.Status = StatusCompleted
	up.Reason = ""
	if err := m.saveUpload(ctx, up); err != nil {
		return err
	}

	m.tracker.Milestone(ctx, up.ID, progress.StageRepackDone, "")
	m.tracker.Finish(up.ID)

	if err := m.ledger.Purge(ctx, up.ID); err != nil {
		m.log.Warn("failed to purge chunk records", "upload_id", up.ID, "error", err)
	}

	if err := m.notifier.Emit(ctx, notify.Event{
		Type:       notify.EventArtifactCompleted,
		UploadID:   up.ID,
		ArtifactID: up.ArtifactID,
		Timestamp:  now,
	}); err != nil {
		m.log.Warn("failed to emit completion event", "upload_id", up.ID, "error", err)
	}
	return nil
}

// failUpload persists the terminal failed state with its reason.
func (m *Manager) failUpload(ctx context.Context, up *LogicalUpload, cause error) {
	up.Status = StatusFailed
	up.Reason = cause.Error()
	if err := m.saveUpload(ctx, up); err != nil {
		m.log.Error("failed to persist failure state", "upload_id", up.ID, "error", err)
	}

	m.tracker.Milestone(ctx, up.ID, progress.StageFailed, "")
	m.tracker.Finish(up.ID)

	kind := fault.KindOf(cause)
	if kind == "" {
		kind = fault.KindRepackaging
	}
	if mt := metrics.Get(); mt != nil {
		mt.IncUploadsFailed(string(kind))
	}
	m.log.Error("upload failed", "upload_id", up.ID, "kind", string(kind), "error", cause)

	if err := m.notifier.Emit(ctx, notify.Event{
		Type:      notify.EventUploadFailed,
		UploadID:  up.ID,
		Reason:    up.Reason,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		m.log.Warn("failed to emit failure event", "upload_id", up.ID, "error", err)
	}
}

// Status merges the durable record, the ledger counter, and the progress
// snapshot into one view.
func (m *Manager) Status(ctx context.Context, uploadID string) (StatusResult, error) {
	up, err := m.loadUpload(ctx, uploadID)
	if err != nil {
		return StatusResult{}, err
	}

	total := up.TotalChunks()
	uploaded, err := m.ledger.Count(ctx, uploadID)
	if err != nil {
		return StatusResult{}, err
	}

	res := StatusResult{
		Status:     up.Status,
		Uploaded:   uploaded,
		Total:      total,
		ArtifactID: up.ArtifactID,
		Reason:     up.Reason,
	}
	if up.Status == StatusCompleted {
		res.Progress = 1
		res.Uploaded = total
	} else if total > 0 {
		res.Progress = float64(uploaded) / float64(total)
	}

	if snap, ok := m.tracker.Snapshot(ctx, uploadID); ok {
		res.CurrentFile = snap.CurrentFile
	}
	return res, nil
}

// Shutdown waits for detached repackaging work to settle.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loadUpload(ctx context.Context, uploadID string) (*LogicalUpload, error) {
	data, err := m.store.Get(ctx, uploadKey(uploadID))
	if err != nil {
		return nil, err
	}
	var up LogicalUpload
	if err := json.Unmarshal(data, &up); err != nil {
		return nil, fmt.Errorf("unmarshal upload record: %w", err)
	}
	return &up, nil
}

func (m *Manager) saveUpload(ctx context.Context, up *LogicalUpload) error {
	data, err := json.Marshal(up)
	if err != nil {
		return fmt.Errorf("marshal upload record: %w", err)
	}
	return m.store.Put(ctx, uploadKey(up.ID), data)
}
