// Package repack turns finalized source blobs into one downloadable zip
// artifact: a streaming repackager range-reads sources into an archive
// encoder, and a part pipeline re-slices the encoder's irregular output
// into exact standard-size multipart parts uploaded asynchronously.
package repack

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stowage-io/stowage/internal/blobstore"
	"github.com/stowage-io/stowage/internal/fault"
	"github.com/stowage-io/stowage/internal/metrics"
	"github.com/stowage-io/stowage/internal/retry"
)

// PipelineOptions tune one pipeline run.
type PipelineOptions struct {
	// PartSize is the exact size of every non-terminal part.
	PartSize int64

	// MaxConcurrent bounds in-flight part uploads. The producer blocks
	// on a free slot, never on upload completion.
	MaxConcurrent int

	// DrainTimeout caps the wait for pending uploads at Close.
	DrainTimeout time.Duration

	// Retry wraps each part upload.
	Retry retry.Policy
}

// Pipeline is the io.Writer the archive encoder feeds. Output segments
// accumulate in a single reusable buffer; whenever a full standard-size
// part is buffered it is cut from the front, numbered synchronously, and
// dispatched for upload. Write is called by exactly one producer.
type Pipeline struct {
	store    blobstore.Store
	key      string
	uploadID string
	opts     PipelineOptions

	buf      []byte
	nextPart int32

	g    *errgroup.Group
	gctx context.Context

	mu    sync.Mutex
	parts []blobstore.Part

	failMu    sync.Mutex
	failErr   error
	abortOnce sync.Once

	bytesIn int64
}

// NewPipeline opens a multipart upload for key and returns a pipeline
// writing to it.
func NewPipeline(ctx context.Context, store blobstore.Store, key string, opts PipelineOptions) (*Pipeline, error) {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 60 * time.Second
	}

	uploadID, err := store.CreateMultipartUpload(ctx, key)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.MaxConcurrent)

	return &Pipeline{
		store:    store,
		key:      key,
		uploadID: uploadID,
		opts:     opts,
		nextPart: 1,
		g:        g,
		gctx:     gctx,
	}, nil
}

// failure returns the first recorded permanent failure, if any.
func (p *Pipeline) failure() error {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	return p.failErr
}

func (p *Pipeline) recordFailure(err error) {
	p.failMu.Lock()
	if p.failErr == nil {
		p.failErr = err
	}
	p.failMu.Unlock()
}

// Write implements io.Writer for the encoder. It never blocks on upload
// completion; it blocks only when every upload slot is busy, which
// throttles the producer and bounds how far uploads can lag.
func (p *Pipeline) Write(data []byte) (int, error) {
	if err := p.failure(); err != nil {
		return 0, err
	}
	if p.gctx.Err() != nil {
		// A dispatched upload failed; surface its error once the
		// group settles rather than a bare context error.
		return 0, fault.Wrap(fault.KindRepackaging, "pipeline.write", p.gctx.Err())
	}

	p.buf = append(p.buf, data...)
	p.bytesIn += int64(len(data))

	for int64(len(p.buf)) >= p.opts.PartSize {
		part := make([]byte, p.opts.PartSize)
		copy(part, p.buf)
		n := copy(p.buf, p.buf[p.opts.PartSize:])
		p.buf = p.buf[:n]

		// Part numbers are assigned here, synchronously at slice
		// time, so byte order is fixed regardless of upload
		// completion order.
		partNumber := p.nextPart
		p.nextPart++
		p.dispatch(partNumber, part)
	}
	return len(data), nil
}

// dispatch hands one part to the upload group. Blocks while all slots
// are in use.
func (p *Pipeline) dispatch(partNumber int32, data []byte) {
	p.g.Go(func() error {
		if m := metrics.Get(); m != nil {
			m.InFlightParts.Inc()
			defer m.InFlightParts.Dec()
		}
		start := time.Now()

		var etag string
		err := retry.Do(p.gctx, p.opts.Retry, func(ctx context.Context) error {
			var uploadErr error
			etag, uploadErr = p.store.UploadPart(ctx, p.key, p.uploadID, partNumber, data)
			return uploadErr
		})
		if err != nil {
			err = fault.Wrap(fault.KindRepackaging, "pipeline.upload_part", err)
			p.recordFailure(err)
			return err
		}

		if m := metrics.Get(); m != nil {
			m.IncPartsUploaded()
			m.ObservePartUploadTime(time.Since(start).Seconds())
		}

		p.mu.Lock()
		p.parts = append(p.parts, blobstore.Part{PartNumber: partNumber, ETag: etag})
		p.mu.Unlock()
		return nil
	})
}

// Close flushes the final (possibly undersized) part, waits for the
// pending set to drain under the wall-clock ceiling, and completes the
// multipart upload with parts in number order. On any failure the
// multipart upload is aborted exactly once.
func (p *Pipeline) Close(ctx context.Context) error {
	if err := p.failure(); err != nil {
		p.abort()
		p.drainAfterFailure()
		return err
	}

	if len(p.buf) > 0 {
		last := make([]byte, len(p.buf))
		copy(last, p.buf)
		p.buf = nil
		partNumber := p.nextPart
		p.nextPart++
		p.dispatch(partNumber, last)
	}

	done := make(chan error, 1)
	go func() { done <- p.g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			p.abort()
			if first := p.failure(); first != nil {
				return first
			}
			return err
		}
	case <-time.After(p.opts.DrainTimeout):
		if m := metrics.Get(); m != nil {
			m.DrainTimeouts.Inc()
		}
		p.abort()
		return fault.Newf(fault.KindTimeout, "pipeline.drain",
			"part uploads did not drain within %s", p.opts.DrainTimeout)
	case <-ctx.Done():
		p.abort()
		return ctx.Err()
	}

	p.mu.Lock()
	parts := p.parts
	p.mu.Unlock()
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	if err := p.store.CompleteMultipartUpload(ctx, p.key, p.uploadID, parts); err != nil {
		p.abort()
		return fault.Wrap(fault.KindRepackaging, "pipeline.complete", err)
	}
	return nil
}

// Abort cancels the run and discards the multipart upload. Used by the
// repackager when the source side fails mid-stream. Safe to call more
// than once and after Close.
func (p *Pipeline) Abort() {
	p.recordFailure(fault.New(fault.KindRepackaging, "pipeline.abort", "aborted"))
	p.abort()
	p.drainAfterFailure()
}

// abort issues the destination-side abort exactly once per pipeline.
func (p *Pipeline) abort() {
	p.abortOnce.Do(func() {
		if m := metrics.Get(); m != nil {
			m.MultipartAborts.Inc()
		}
		// Fresh context: the run's context is typically already
		// canceled on failure paths, and the abort must still go out.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = p.store.AbortMultipartUpload(ctx, p.key, p.uploadID)
	})
}

// drainAfterFailure waits briefly for in-flight uploads so they do not
// outlive the pipeline, ignoring their errors.
func (p *Pipeline) drainAfterFailure() {
	done := make(chan error, 1)
	go func() { done <- p.g.Wait() }()
	select {
	case <-done:
	case <-time.After(p.opts.DrainTimeout):
	}
}

// PartCount reports how many parts were cut. Meaningful after Close.
func (p *Pipeline) PartCount() int {
	return int(p.nextPart - 1)
}

// BytesIn reports how many encoder bytes entered the pipeline.
func (p *Pipeline) BytesIn() int64 {
	return p.bytesIn
}

// IsTimeout reports whether err is a drain-ceiling failure.
func IsTimeout(err error) bool {
	return fault.Is(err, fault.KindTimeout) || errors.Is(err, context.DeadlineExceeded)
}
