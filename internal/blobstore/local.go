package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stowage-io/stowage/internal/fault"
)

// Local stores objects as files under a root directory and emulates the
// multipart protocol with staged part files. Useful for development and
// as the test backend.
type Local struct {
	root   string
	prefix string
}

const multipartDir = ".multipart"

// NewLocal creates the root directory if needed and returns a store over it.
func NewLocal(root, prefix string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blobstore root %s: %w", root, err)
	}
	return &Local{root: root, prefix: prefix}, nil
}

// keyPath maps a key to a filesystem path, rejecting traversal.
func (l *Local) keyPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(l.prefix + key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fault.Newf(fault.KindValidation, "blobstore.key", "invalid key %q", key)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *Local) stagingDir(uploadID string) string {
	return filepath.Join(l.root, multipartDir, uploadID)
}

func (l *Local) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	if _, err := l.keyPath(key); err != nil {
		return "", err
	}
	uploadID := strings.ReplaceAll(uuid.NewString(), "-", "")
	dir := l.stagingDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fault.Wrap(fault.KindTransient, "blobstore.create_multipart", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "key"), []byte(key), 0o644); err != nil {
		return "", fault.Wrap(fault.KindTransient, "blobstore.create_multipart", err)
	}
	return uploadID, nil
}

func (l *Local) partPath(uploadID string, partNumber int32) string {
	return filepath.Join(l.stagingDir(uploadID), fmt.Sprintf("part-%05d", partNumber))
}

func (l *Local) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error) {
	if partNumber < 1 {
		return "", fault.Newf(fault.KindValidation, "blobstore.upload_part", "part number %d below 1", partNumber)
	}
	dir := l.stagingDir(uploadID)
	if _, err := os.Stat(dir); err != nil {
		return "", fault.Newf(fault.KindNotFound, "blobstore.upload_part", "unknown multipart upload %s", uploadID)
	}
	if err := os.WriteFile(l.partPath(uploadID, partNumber), data, 0o644); err != nil {
		return "", fault.Wrap(fault.KindTransient, "blobstore.upload_part", err)
	}
	// Content tag mirrors what S3 would return, derived from the part
	// identity so re-uploads of identical parts are stable.
	return fmt.Sprintf("%s-%05d-%d", uploadID[:8], partNumber, len(data)), nil
}

func (l *Local) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	const op = "blobstore.complete_multipart"

	dir := l.stagingDir(uploadID)
	if _, err := os.Stat(dir); err != nil {
		return fault.Newf(fault.KindNotFound, op, "unknown multipart upload %s", uploadID)
	}
	if len(parts) == 0 {
		return fault.New(fault.KindValidation, op, "no parts")
	}
	if !sort.SliceIsSorted(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber }) {
		return fault.New(fault.KindValidation, op, "parts out of order")
	}
	for i, p := range parts {
		if p.PartNumber != int32(i+1) {
			return fault.Newf(fault.KindValidation, op, "parts not contiguous: expected %d, got %d", i+1, p.PartNumber)
		}
	}

	// Every non-terminal part must share one size.
	sizes := make([]int64, len(parts))
	for i, p := range parts {
		fi, err := os.Stat(l.partPath(uploadID, p.PartNumber))
		if err != nil {
			return fault.Newf(fault.KindValidation, op, "part %d was never uploaded", p.PartNumber)
		}
		sizes[i] = fi.Size()
	}
	for i := 1; i < len(sizes)-1; i++ {
		if sizes[i] != sizes[0] {
			return fault.Newf(fault.KindValidation, op, "non-terminal part %d size %d differs from %d", parts[i].PartNumber, sizes[i], sizes[0])
		}
	}

	path, err := l.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fault.Wrap(fault.KindTransient, op, err)
	}

	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fault.Wrap(fault.KindTransient, op, err)
	}
	for _, p := range parts {
		in, err := os.Open(l.partPath(uploadID, p.PartNumber))
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return fault.Wrap(fault.KindTransient, op, err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return fault.Wrap(fault.KindTransient, op, err)
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fault.Wrap(fault.KindTransient, op, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fault.Wrap(fault.KindTransient, op, err)
	}
	os.RemoveAll(dir)
	return nil
}

func (l *Local) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	// RemoveAll on a missing directory succeeds, giving idempotence.
	return fault.Wrap(fault.KindTransient, "blobstore.abort_multipart", os.RemoveAll(l.stagingDir(uploadID)))
}

func (l *Local) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, ttl time.Duration) (string, error) {
	// No signer locally; the opaque URL carries enough to route a PUT
	// back through UploadPart in development setups.
	return fmt.Sprintf("local:///%s?uploadId=%s&partNumber=%d", url.PathEscape(key), uploadID, partNumber), nil
}

func (l *Local) NewRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	path, err := l.keyPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Newf(fault.KindNotFound, "blobstore.range_read", "object %s not found", key)
		}
		return nil, fault.Wrap(fault.KindTransient, "blobstore.range_read", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fault.Wrap(fault.KindTransient, "blobstore.range_read", err)
	}
	return &limitedFile{Reader: io.LimitReader(f, length), f: f}, nil
}

type limitedFile struct {
	io.Reader
	f *os.File
}

func (r *limitedFile) Close() error { return r.f.Close() }

func (l *Local) Head(ctx context.Context, key string) (ObjectInfo, error) {
	path, err := l.keyPath(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectInfo{}, fault.Newf(fault.KindNotFound, "blobstore.head", "object %s not found", key)
		}
		return ObjectInfo{}, fault.Wrap(fault.KindTransient, "blobstore.head", err)
	}
	return ObjectInfo{Key: key, Size: fi.Size()}, nil
}

func (l *Local) Put(ctx context.Context, key string, r io.Reader) error {
	path, err := l.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fault.Wrap(fault.KindTransient, "blobstore.put", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fault.Wrap(fault.KindTransient, "blobstore.put", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fault.Wrap(fault.KindTransient, "blobstore.put", err)
	}
	return fault.Wrap(fault.KindTransient, "blobstore.put", f.Close())
}

func (l *Local) Copy(ctx context.Context, srcKey, dstKey string) error {
	src, err := l.keyPath(srcKey)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return fault.Newf(fault.KindNotFound, "blobstore.copy", "object %s not found", srcKey)
		}
		return fault.Wrap(fault.KindTransient, "blobstore.copy", err)
	}
	defer in.Close()
	return l.Put(ctx, dstKey, in)
}

func (l *Local) Delete(ctx context.Context, key string) error {
	path, err := l.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fault.Wrap(fault.KindTransient, "blobstore.delete", err)
	}
	return nil
}

func (l *Local) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("local:///%s", url.PathEscape(key)), nil
}

func (l *Local) Close() error { return nil }
