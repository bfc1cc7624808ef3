package repack

import (
	"archive/zip"
	"context"
	"io"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/stowage-io/stowage/internal/blobstore"
	"github.com/stowage-io/stowage/internal/fault"
	"github.com/stowage-io/stowage/internal/logging"
	"github.com/stowage-io/stowage/internal/metrics"
	"github.com/stowage-io/stowage/internal/progress"
)

// SourceFile names one finalized staging blob destined for the archive.
type SourceFile struct {
	Name string
	Key  string
}

// Options tune the repackager.
type Options struct {
	// WindowSize is the fixed range-read window. Must be smaller than
	// the pipeline's part size.
	WindowSize int64

	// CompressionLevel selects deflate for archive entries when above
	// zero. Zero stores entries pass-through: source data is usually
	// already-compressed media, so re-compressing wastes CPU without
	// shrinking output.
	CompressionLevel int
}

// Repackager streams N finalized blobs into one zip artifact without
// holding more than a small multiple of one read-window in memory.
type Repackager struct {
	store   blobstore.Store
	tracker *progress.Tracker
	opts    Options
}

func NewRepackager(store blobstore.Store, tracker *progress.Tracker, opts Options) *Repackager {
	return &Repackager{store: store, tracker: tracker, opts: opts}
}

// Run drains every source file, in declared order, into the pipeline's
// archive. Each source blob is deleted immediately after its last window
// is pushed, bounding temporary storage to roughly one blob's overlap.
// On any failure the pipeline is aborted and no artifact is produced.
func (r *Repackager) Run(ctx context.Context, uploadID string, files []SourceFile, pipe *Pipeline) error {
	log := logging.Component("repack").With("upload_id", uploadID)
	start := time.Now()

	if m := metrics.Get(); m != nil {
		m.ActiveRepacks.Inc()
		defer m.ActiveRepacks.Dec()
	}

	zw := zip.NewWriter(pipe)
	method := zip.Store
	if r.opts.CompressionLevel > 0 {
		method = zip.Deflate
		level := r.opts.CompressionLevel
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, level)
		})
	}

	var totalBytes int64
	for _, f := range files {
		r.tracker.Milestone(ctx, uploadID, progress.StageFileStart, f.Name)
		if err := r.packFile(ctx, zw, f, method, &totalBytes); err != nil {
			pipe.Abort()
			log.Error("repackaging failed", "file", f.Name, "error", err)
			return err
		}
		r.tracker.Milestone(ctx, uploadID, progress.StageFileDone, f.Name)
		log.Info("file repackaged", "file", f.Name)
	}

	// Closing the encoder flushes the archive trailer through the
	// pipeline; the artifact is structurally complete only after that
	// trailing output has been produced and uploaded.
	if err := zw.Close(); err != nil {
		pipe.Abort()
		return fault.Wrap(fault.KindRepackaging, "repack.finalize", err)
	}
	if err := pipe.Close(ctx); err != nil {
		return err
	}

	if m := metrics.Get(); m != nil {
		m.ObserveRepackDuration(time.Since(start).Seconds())
		m.ObserveRepackBytes(float64(totalBytes))
	}
	log.Info("repackaging complete",
		"files", len(files),
		"source_bytes", totalBytes,
		"parts", pipe.PartCount(),
		"duration", time.Since(start).Round(time.Millisecond).String())
	return nil
}

// packFile streams one source blob into its archive entry through
// sequential fixed-size range reads, then deletes the source.
func (r *Repackager) packFile(ctx context.Context, zw *zip.Writer, f SourceFile, method uint16, totalBytes *int64) error {
	info, err := r.store.Head(ctx, f.Key)
	if err != nil {
		return fault.Wrap(fault.KindRepackaging, "repack.head", err)
	}

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     f.Name,
		Method:   method,
		Modified: time.Now().UTC(),
	})
	if err != nil {
		return fault.Wrap(fault.KindRepackaging, "repack.entry", err)
	}

	for offset := int64(0); offset < info.Size; offset += r.opts.WindowSize {
		length := r.opts.WindowSize
		if remaining := info.Size - offset; remaining < length {
			length = remaining
		}
		if err := r.copyWindow(ctx, w, f.Key, offset, length); err != nil {
			return err
		}
	}
	*totalBytes += info.Size

	if err := r.store.Delete(ctx, f.Key); err != nil {
		// The artifact is unaffected; the orphaned staging blob is
		// the only cost.
		logging.Component("repack").Warn("failed to delete source blob", "key", f.Key, "error", err)
	}
	return nil
}

func (r *Repackager) copyWindow(ctx context.Context, w io.Writer, key string, offset, length int64) error {
	rc, err := r.store.NewRangeReader(ctx, key, offset, length)
	if err != nil {
		return fault.Wrap(fault.KindRepackaging, "repack.read", err)
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		return fault.Wrap(fault.KindRepackaging, "repack.copy", err)
	}
	if n != length {
		return fault.Newf(fault.KindRepackaging, "repack.copy",
			"short window read at %s[%d:+%d]: got %d bytes", key, offset, length, n)
	}
	return nil
}
