package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/0x0shephard/t4-bot/internal/logging"
)

const (
	// EnvPrefix prefixes every environment override
	EnvPrefix = "T4_"
	// EncryptedPrefix marks values encrypted with Encrypt
	EncryptedPrefix = "ENC:"
)

// EnvManager reads prefixed environment variables and decrypts ENC: values
type EnvManager struct {
	encryptionKey []byte
	prefix        string
}

// NewEnvManager creates an environment reader. Empty arguments fall back to T4_ENCRYPTION_KEY and T4_.
func NewEnvManager(encryptionKey string, prefix string) *EnvManager {
	if encryptionKey == "" {
		encryptionKey = os.Getenv(EnvPrefix + "ENCRYPTION_KEY")
	}
	if prefix == "" {
		prefix = EnvPrefix
	}

	key, _ := scrypt.Key([]byte(encryptionKey), []byte("t4-ledger-salt"), 32768, 8, 1, 32)

	return &EnvManager{
		encryptionKey: key,
		prefix:        prefix,
	}
}

// GetString gets a string environment variable
func (em *EnvManager) GetString(key string, defaultValue string) string {
	value := os.Getenv(em.prefix + strings.ToUpper(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// GetInt gets an integer environment variable
func (em *EnvManager) GetInt(key string, defaultValue int) int {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

// GetBool gets a boolean environment variable
func (em *EnvManager) GetBool(key string, defaultValue bool) bool {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if boolValue, err := strconv.ParseBool(value); err == nil {
		return boolValue
	}
	return defaultValue
}

// LookupFloat reports a float variable and whether it was set to a parsable value
func (em *EnvManager) LookupFloat(key string) (float64, bool) {
	value := em.GetString(key, "")
	if value == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// GetEncryptedString gets a string variable, decrypting it when it carries the ENC: prefix
func (em *EnvManager) GetEncryptedString(key string, defaultValue string) string {
	value := em.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if !strings.HasPrefix(value, EncryptedPrefix) {
		return value
	}

	decryptedValue, err := em.decrypt(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		logging.WithField("key", em.prefix+strings.ToUpper(key)).WithError(err).Warn("Failed to decrypt environment value")
		return defaultValue
	}
	return decryptedValue
}

// Encrypt returns plaintext as an ENC: value readable by GetEncryptedString
func (em *EnvManager) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(em.encryptionKey)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(plaintext))
	iv := ciphertext[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], []byte(plaintext))

	return EncryptedPrefix + base64.URLEncoding.EncodeToString(ciphertext), nil
}

func (em *EnvManager) decrypt(encryptedText string) (string, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(encryptedText)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(em.encryptionKey)
	if err != nil {
		return "", err
	}

	if len(ciphertext) < aes.BlockSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	iv := ciphertext[:aes.BlockSize]
	ciphertext = ciphertext[aes.BlockSize:]

	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(ciphertext, ciphertext)

	return string(ciphertext), nil
}
