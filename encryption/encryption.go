// Package encryption seals service credentials and secrets at rest.
package encryption

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/depker/depker/domain"
	"github.com/fernet/fernet-go"
)

// tokens never expire; a rotated key is the only way to invalidate them
const tokenTTL = time.Hour * 24 * 365 * 100

// EncryptionService handles encryption/decryption of sensitive data
type EncryptionService struct {
	key *fernet.Key
}

// NewEncryptionService creates a new encryption service with the provided key
func NewEncryptionService(keyString string) (*EncryptionService, error) {
	if keyString == "" {
		return nil, fmt.Errorf("encryption key cannot be empty")
	}

	key, err := fernet.DecodeKey(keyString)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	return &EncryptionService{key: key}, nil
}

// GenerateKey returns a fresh base64 encoded Fernet key
func GenerateKey() (string, error) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return key.Encode(), nil
}

// Encrypt encrypts plaintext and returns a base64-encoded token
func (e *EncryptionService) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	token, err := fernet.EncryptAndSign([]byte(plaintext), e.key)
	if err != nil {
		return "", fmt.Errorf("encryption failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(token), nil
}

// Decrypt decrypts a base64-encoded token and returns plaintext
func (e *EncryptionService) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}

	tokenBytes, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("invalid token format: %w", err)
	}

	plaintext := fernet.VerifyAndDecrypt(tokenBytes, tokenTTL, []*fernet.Key{e.key})
	if plaintext == nil {
		return "", fmt.Errorf("failed to decrypt token: invalid or expired")
	}

	return string(plaintext), nil
}

type gitCredentials struct {
	HTTP *domain.GitHTTPAuthConfig `json:"http,omitempty"`
	SSH  *domain.GitSSHAuthConfig  `json:"ssh,omitempty"`
}

// EncryptGitAuthConfig encrypts a GitAuthConfig for database storage.
// SSH wins when both methods are set.
func (e *EncryptionService) EncryptGitAuthConfig(
	auth *domain.GitAuthConfig,
) (authType string, encryptedCredentials string, err error) {
	if auth == nil || (auth.HTTPAuth == nil && auth.SSHAuth == nil) {
		return "", "", nil
	}

	credentials := gitCredentials{}
	var kind domain.GitAuthType
	if auth.HTTPAuth != nil {
		credentials.HTTP = auth.HTTPAuth
		kind = domain.GitAuthTypeHTTP
	}
	if auth.SSHAuth != nil {
		credentials.SSH = auth.SSHAuth
		kind = domain.GitAuthTypeSSH
	}

	data, err := json.Marshal(credentials)
	if err != nil {
		return "", "", fmt.Errorf("failed to serialize credentials: %w", err)
	}

	encrypted, err := e.Encrypt(string(data))
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	return kind.String(), encrypted, nil
}

// DecryptGitAuthConfig decrypts credentials back to GitAuthConfig
func (e *EncryptionService) DecryptGitAuthConfig(
	authType string,
	encryptedCredentials string,
) (*domain.GitAuthConfig, error) {
	if authType == "" || encryptedCredentials == "" {
		return nil, nil
	}

	kind, err := domain.ParseGitAuthType(authType)
	if err != nil {
		return nil, fmt.Errorf("invalid auth type: %w", err)
	}

	data, err := e.Decrypt(encryptedCredentials)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var credentials gitCredentials
	if err := json.Unmarshal([]byte(data), &credentials); err != nil {
		return nil, fmt.Errorf("failed to deserialize credentials: %w", err)
	}

	auth := &domain.GitAuthConfig{}
	switch kind {
	case domain.GitAuthTypeHTTP:
		auth.HTTPAuth = credentials.HTTP
	case domain.GitAuthTypeSSH:
		auth.SSHAuth = credentials.SSH
	}
	return auth, nil
}

// EncryptValues seals a secrets map as a single token. An empty map yields "".
func (e *EncryptionService) EncryptValues(values domain.ValueMap) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to serialize values: %w", err)
	}
	return e.Encrypt(string(data))
}

// DecryptValues reverses EncryptValues
func (e *EncryptionService) DecryptValues(token string) (domain.ValueMap, error) {
	if token == "" {
		return domain.ValueMap{}, nil
	}
	data, err := e.Decrypt(token)
	if err != nil {
		return nil, err
	}
	var values domain.ValueMap
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, fmt.Errorf("failed to deserialize values: %w", err)
	}
	return values, nil
}
