package session

import (
	"strings"

	"github.com/stowage-io/stowage/internal/fault"
)

const (
	maxFilesPerUpload = 256
	maxFileNameLength = 255
	maxTTLHours       = 90 * 24
)

// validateBegin rejects malformed upload plans before any state is
// created.
func validateBegin(req BeginRequest) error {
	const op = "session.begin"

	if len(req.Files) == 0 {
		return fault.New(fault.KindValidation, op, "no files declared")
	}
	if len(req.Files) > maxFilesPerUpload {
		return fault.Newf(fault.KindValidation, op, "too many files: %d (max %d)", len(req.Files), maxFilesPerUpload)
	}
	if req.TTLHours < 0 || req.TTLHours > maxTTLHours {
		return fault.Newf(fault.KindValidation, op, "ttl hours out of range: %d", req.TTLHours)
	}

	seen := make(map[string]struct{}, len(req.Files))
	for _, f := range req.Files {
		if err := validateFileName(f.Name); err != nil {
			return err
		}
		if f.Size <= 0 {
			return fault.Newf(fault.KindValidation, op, "file %s has non-positive size %d", f.Name, f.Size)
		}
		if _, dup := seen[f.Name]; dup {
			return fault.Newf(fault.KindValidation, op, "duplicate file name %s", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

func validateFileName(name string) error {
	const op = "session.begin"

	if name == "" {
		return fault.New(fault.KindValidation, op, "empty file name")
	}
	if len(name) > maxFileNameLength {
		return fault.Newf(fault.KindValidation, op, "file name too long: %d chars", len(name))
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fault.Newf(fault.KindValidation, op, "file name %q contains path separators", name)
	}
	return nil
}
