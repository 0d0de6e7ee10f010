package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/jasonkneen/claude-coder/pkg/logx"
)

// Secrets file configuration.
const (
	SecretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	scryptN         = 32768 // 2^15
	scryptR         = 8
	scryptP         = 1
	keySize         = 32 // AES-256
)

// Secret names, also used as environment variable fallbacks.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GEMINI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// SecretStore holds decrypted secrets in memory, backed by an encrypted file under a project directory.
type SecretStore struct {
	secrets    map[string]string
	logger     *logx.Logger
	projectDir string
	mu         sync.RWMutex
}

// NewSecretStore creates an empty store for projectDir.
func NewSecretStore(projectDir string) *SecretStore {
	if projectDir == "" {
		projectDir = "."
	}
	return &SecretStore{
		projectDir: projectDir,
		secrets:    make(map[string]string),
		logger:     logx.NewLogger("secrets"),
	}
}

// Path returns the encrypted file location.
func (s *SecretStore) Path() string {
	return secretsPath(s.projectDir)
}

// Exists checks if the encrypted file exists.
func (s *SecretStore) Exists() bool {
	_, err := os.Stat(s.Path())
	return err == nil
}

// Unlock decrypts the file into memory.
func (s *SecretStore) Unlock(password string) error {
	secrets, err := DecryptSecretsFile(s.projectDir, password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = secrets
	s.logger.Info("🔐 Loaded %d secrets from %s", len(secrets), s.Path())
	return nil
}

// Save encrypts the in-memory secrets to the file.
func (s *SecretStore) Save(password string) error {
	s.mu.RLock()
	secretsCopy := make(map[string]string, len(s.secrets))
	for k, v := range s.secrets {
		secretsCopy[k] = v
	}
	s.mu.RUnlock()

	return EncryptSecretsFile(s.projectDir, password, secretsCopy)
}

// Set sets a secret value in memory.
func (s *SecretStore) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

// Names returns the sorted secret names (not values).
func (s *SecretStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.secrets))
	for name := range s.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a secret value by name using standard precedence:
// 1. Decrypted secrets file (in memory)
// 2. Environment variables.
func (s *SecretStore) Get(name string) (string, error) {
	s.mu.RLock()
	value, exists := s.secrets[name]
	s.mu.RUnlock()
	if exists && value != "" {
		return value, nil
	}

	if value := os.Getenv(name); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("secret %s not found in secrets file or environment", name)
}

// APIKey returns the API key for a given provider. For Ollama it returns the host URL.
func (s *SecretStore) APIKey(provider, ollamaHost string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderOllama:
		if host := os.Getenv(EnvOllamaHost); host != "" {
			return host, nil
		}
		if ollamaHost == "" {
			ollamaHost = DefaultOllamaHost
		}
		return ollamaHost, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	key, err := s.Get(envVar)
	if err != nil {
		return "", fmt.Errorf("API key not found: %w", err)
	}
	return key, nil
}

func secretsPath(projectDir string) string {
	return filepath.Join(projectDir, ProjectConfigDir, SecretsFileName)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// EncryptSecretsFile encrypts and saves secrets to .coder/secrets.json.enc.
// The file layout is [salt][nonce][ciphertext+tag] with permissions 0600.
func EncryptSecretsFile(projectDir, password string, secrets map[string]string) error {
	passwordBytes := []byte(password)
	defer zero(passwordBytes)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := scrypt.Key(passwordBytes, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return fmt.Errorf("failed to derive encryption key: %w", err)
	}
	defer zero(key)

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	defer zero(plaintext)

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	fileData := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	fileData = append(fileData, salt...)
	fileData = append(fileData, nonce...)
	fileData = append(fileData, ciphertext...)

	path := secretsPath(projectDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", ProjectConfigDir, err)
	}
	if err := os.WriteFile(path, fileData, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile decrypts and returns secrets from .coder/secrets.json.enc.
func DecryptSecretsFile(projectDir, password string) (map[string]string, error) {
	path := secretsPath(projectDir)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		logx.Warnf("⚠️  Secrets file has incorrect permissions (found: %04o, expected: 0600), fixing", info.Mode().Perm())
		if chmodErr := os.Chmod(path, 0o600); chmodErr != nil {
			return nil, fmt.Errorf("failed to fix file permissions: %w", chmodErr)
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	minSize := saltSize + nonceSize + 16 // 16 is GCM tag size
	if len(fileData) < minSize {
		return nil, fmt.Errorf("secrets file is corrupted or invalid format (too small)")
	}

	salt := fileData[:saltSize]
	nonce := fileData[saltSize : saltSize+nonceSize]
	ciphertext := fileData[saltSize+nonceSize:]

	passwordBytes := []byte(password)
	defer zero(passwordBytes)

	key, err := scrypt.Key(passwordBytes, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive decryption key: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password or corrupted file)")
	}
	defer zero(plaintext)

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return secrets, nil
}
