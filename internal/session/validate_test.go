package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stowage-io/stowage/internal/fault"
)

func TestValidateBegin(t *testing.T) {
	cases := []struct {
		name    string
		req     BeginRequest
		wantErr bool
	}{
		{
			name:    "valid single file",
			req:     BeginRequest{Files: []FileSpec{{Name: "a.bin", Size: 100}}},
			wantErr: false,
		},
		{
			name:    "no files",
			req:     BeginRequest{},
			wantErr: true,
		},
		{
			name:    "empty name",
			req:     BeginRequest{Files: []FileSpec{{Name: "", Size: 100}}},
			wantErr: true,
		},
		{
			name:    "zero size",
			req:     BeginRequest{Files: []FileSpec{{Name: "a.bin", Size: 0}}},
			wantErr: true,
		},
		{
			name:    "negative size",
			req:     BeginRequest{Files: []FileSpec{{Name: "a.bin", Size: -1}}},
			wantErr: true,
		},
		{
			name:    "path separator in name",
			req:     BeginRequest{Files: []FileSpec{{Name: "dir/a.bin", Size: 100}}},
			wantErr: true,
		},
		{
			name:    "traversal in name",
			req:     BeginRequest{Files: []FileSpec{{Name: "..a.bin", Size: 100}}},
			wantErr: true,
		},
		{
			name: "duplicate names",
			req: BeginRequest{Files: []FileSpec{
				{Name: "a.bin", Size: 100},
				{Name: "a.bin", Size: 200},
			}},
			wantErr: true,
		},
		{
			name:    "name too long",
			req:     BeginRequest{Files: []FileSpec{{Name: strings.Repeat("x", 300), Size: 100}}},
			wantErr: true,
		},
		{
			name:    "negative ttl",
			req:     BeginRequest{Files: []FileSpec{{Name: "a.bin", Size: 100}}, TTLHours: -1},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateBegin(tc.req)
			if tc.wantErr {
				assert.True(t, fault.Is(err, fault.KindValidation), "expected validation fault, got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
