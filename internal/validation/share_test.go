package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateShareToken(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "valid base64url", token: "AbCdEfGh12345678_-xy", wantErr: false},
		{name: "minimum length", token: strings.Repeat("a", 16), wantErr: false},
		{name: "maximum length", token: strings.Repeat("a", 64), wantErr: false},
		{name: "empty", token: "", wantErr: true},
		{name: "too short", token: "abc", wantErr: true},
		{name: "too long", token: strings.Repeat("a", 65), wantErr: true},
		{name: "invalid characters", token: "abcdefgh/12345678", wantErr: true},
		{name: "padding", token: "abcdefgh12345678==", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateShareToken(tt.token)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePlatform(t *testing.T) {
	allowed := []string{"web", "desktop"}

	assert.NoError(t, ValidatePlatform("web", allowed))
	assert.NoError(t, ValidatePlatform("Desktop", allowed))
	assert.Error(t, ValidatePlatform("", allowed))
	assert.Error(t, ValidatePlatform("mobile", allowed))
}

func TestValidateFilePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "valid", path: "/docs/notes.txt", wantErr: false},
		{name: "root file", path: "/a", wantErr: false},
		{name: "empty", path: "", wantErr: true},
		{name: "relative", path: "docs/notes.txt", wantErr: true},
		{name: "root", path: "/", wantErr: true},
		{name: "directory", path: "/docs/", wantErr: true},
		{name: "dot dot", path: "/docs/../etc/passwd", wantErr: true},
		{name: "double slash", path: "/docs//a.txt", wantErr: true},
		{name: "too long", path: "/" + strings.Repeat("a", MaxPathLen), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
