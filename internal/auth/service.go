package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// RoleAdmin is the only role the server issues or accepts.
const RoleAdmin = "admin"

var (
	adminSecretOnce    sync.Once
	adminSecretRuntime []byte
	adminSecretErr     error
)

// SecretFromEnv returns ADMIN_SECRET, or a random per-process secret when
// it is unset. Tokens signed with the fallback die with the process.
func SecretFromEnv() ([]byte, error) {
	adminSecretOnce.Do(func() {
		secret := strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
		if secret != "" {
			adminSecretRuntime = []byte(secret)
			return
		}

		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			adminSecretErr = fmt.Errorf("failed to generate ADMIN_SECRET fallback: %w", err)
			return
		}

		adminSecretRuntime = []byte(base64.RawURLEncoding.EncodeToString(buf))
		log.Print("ADMIN_SECRET is not set; using ephemeral in-memory fallback secret")
	})

	if adminSecretErr != nil {
		return nil, adminSecretErr
	}
	if len(adminSecretRuntime) == 0 {
		return nil, errors.New("admin secret unavailable")
	}
	return adminSecretRuntime, nil
}

// IssueAdminToken signs an HS256 token carrying role=admin for subject.
func IssueAdminToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("empty signing secret")
	}
	if subject == "" {
		subject = "operator"
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": RoleAdmin,
		"jti":  uuid.NewString(),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
