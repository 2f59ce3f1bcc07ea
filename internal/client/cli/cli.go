package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/iudanet/gophvault/internal/client/iocli"
)

// AccessTokenEnv переменная окружения с токеном доступа
const AccessTokenEnv = "GOPHVAULT_ACCESS_TOKEN"

// Tokens источники токена доступа, заданные флагами
type Tokens struct {
	FromFile string
	FromArgs string
}

// ReadAccessToken reads the access token from various sources with priority:
// 1. Environment variable GOPHVAULT_ACCESS_TOKEN
// 2. File specified in tokens.FromFile
// 3. Command-line parameter tokens.FromArgs
// 4. Interactive prompt (fallback)
func ReadAccessToken(io iocli.IO, tokens Tokens) (string, error) {
	// Priority 1: Environment variable
	if envToken := os.Getenv(AccessTokenEnv); envToken != "" {
		return envToken, nil
	}

	// Priority 2: File
	if tokens.FromFile != "" {
		content, err := os.ReadFile(tokens.FromFile)
		if err != nil {
			return "", fmt.Errorf("failed to read token file: %w", err)
		}
		// Убираем trailing newline/whitespace
		token := strings.TrimSpace(string(content))
		if token == "" {
			return "", fmt.Errorf("token file is empty")
		}
		return token, nil
	}

	// Priority 3: CLI parameter
	if tokens.FromArgs != "" {
		return tokens.FromArgs, nil
	}

	// Priority 4: Interactive prompt (fallback)
	token, err := io.ReadSecret("Access token: ")
	if err != nil {
		return "", fmt.Errorf("failed to read token from stdin: %w", err)
	}
	if token == "" {
		return "", fmt.Errorf("token cannot be empty")
	}

	return token, nil
}
