package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iudanet/gophvault/internal/client/iocli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTokenFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func stdin(input string) iocli.IO {
	return iocli.New(strings.NewReader(input), &bytes.Buffer{}, -1)
}

// TestReadAccessToken_FromEnvVar проверяет чтение токена из переменной окружения
func TestReadAccessToken_FromEnvVar(t *testing.T) {
	t.Setenv(AccessTokenEnv, "env-token")

	token, err := ReadAccessToken(stdin(""), Tokens{})

	require.NoError(t, err)
	assert.Equal(t, "env-token", token)
}

// TestReadAccessToken_Priority проверяет приоритет источников:
// env > файл > параметр > ввод
func TestReadAccessToken_Priority(t *testing.T) {
	file := writeTokenFile(t, "file-token")

	tests := []struct {
		name     string
		env      string
		tokens   Tokens
		input    string
		expected string
	}{
		{name: "env over file and args", env: "env-token", tokens: Tokens{FromFile: file, FromArgs: "arg-token"}, expected: "env-token"},
		{name: "file over args", tokens: Tokens{FromFile: file, FromArgs: "arg-token"}, expected: "file-token"},
		{name: "args over prompt", tokens: Tokens{FromArgs: "arg-token"}, input: "typed-token\n", expected: "arg-token"},
		{name: "prompt fallback", input: "typed-token\n", expected: "typed-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(AccessTokenEnv, tt.env)

			token, err := ReadAccessToken(stdin(tt.input), tt.tokens)

			require.NoError(t, err)
			assert.Equal(t, tt.expected, token)
		})
	}
}

// TestReadAccessToken_FileWithWhitespace проверяет что whitespace обрезается
func TestReadAccessToken_FileWithWhitespace(t *testing.T) {
	t.Setenv(AccessTokenEnv, "")
	file := writeTokenFile(t, "  spaced-token  \n\n")

	token, err := ReadAccessToken(stdin(""), Tokens{FromFile: file})

	require.NoError(t, err)
	assert.Equal(t, "spaced-token", token)
}

func TestReadAccessToken_Errors(t *testing.T) {
	tests := []struct {
		name    string
		tokens  Tokens
		input   string
		wantErr string
	}{
		{name: "empty file", tokens: Tokens{FromFile: writeTokenFile(t, " \n")}, wantErr: "token file is empty"},
		{name: "missing file", tokens: Tokens{FromFile: "/nonexistent/file/path.txt"}, wantErr: "failed to read token file"},
		{name: "empty prompt", input: "\n", wantErr: "token cannot be empty"},
		{name: "closed stdin", input: "", wantErr: "failed to read token from stdin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(AccessTokenEnv, "")

			token, err := ReadAccessToken(stdin(tt.input), tt.tokens)

			require.Error(t, err)
			assert.Empty(t, token)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
