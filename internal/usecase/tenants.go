package usecase

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"golang.org/x/crypto/argon2"

	"github.com/srirohitha/job-queue/internal/domain"
)

// Argon2id parameters, encoded into each hash so they can be raised
// later without invalidating stored credentials.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// TenantsService handles account registration and credential checks.
type TenantsService struct {
	Repo domain.TenantRepository
	Now  Clock
}

// NewTenantsService constructs a TenantsService.
func NewTenantsService(repo domain.TenantRepository) TenantsService {
	return TenantsService{Repo: repo}
}

// Register creates a tenant account. A taken username surfaces as an
// invalid-argument error rather than leaking store semantics.
func (s TenantsService) Register(ctx domain.Context, username, email, password string) (domain.Tenant, error) {
	tracer := otel.Tracer("usecase.tenants")
	ctx, span := tracer.Start(ctx, "tenants.Register")
	defer span.End()

	if username == "" || password == "" {
		return domain.Tenant{}, fmt.Errorf("%w: username and password required", domain.ErrInvalidArgument)
	}
	if len(password) < 8 {
		return domain.Tenant{}, fmt.Errorf("%w: password must be at least 8 characters", domain.ErrInvalidArgument)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("op=tenants.register: %w", err)
	}
	t := domain.Tenant{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    nowOr(s.Now),
	}
	id, err := s.Repo.Create(ctx, t)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.Tenant{}, fmt.Errorf("%w: username already taken", domain.ErrInvalidArgument)
		}
		return domain.Tenant{}, err
	}
	t.ID = id
	return t, nil
}

// Login verifies the credentials and returns the tenant. Unknown
// usernames and wrong passwords are indistinguishable to the caller.
func (s TenantsService) Login(ctx domain.Context, username, password string) (domain.Tenant, error) {
	tracer := otel.Tracer("usecase.tenants")
	ctx, span := tracer.Start(ctx, "tenants.Login")
	defer span.End()

	t, err := s.Repo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Tenant{}, fmt.Errorf("op=tenants.login: %w", domain.ErrAuthenticationFailed)
		}
		return domain.Tenant{}, err
	}
	ok, err := VerifyPassword(password, t.PasswordHash)
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("op=tenants.login: %w", err)
	}
	if !ok {
		return domain.Tenant{}, fmt.Errorf("op=tenants.login: %w", domain.ErrAuthenticationFailed)
	}
	return t, nil
}

// Get loads the tenant backing an authenticated request.
func (s TenantsService) Get(ctx domain.Context, id string) (domain.Tenant, error) {
	return s.Repo.Get(ctx, id)
}

// HashPassword derives an Argon2id hash in the self-describing format
// argon2id$<time>$<memoryKiB>$<threads>$<salt>$<hash> with base64
// raw-url encoding for the binary parts.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("op=auth.hash: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	enc := base64.RawURLEncoding
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		argonTime, argonMemory, argonThreads,
		enc.EncodeToString(salt), enc.EncodeToString(key)), nil
}

// VerifyPassword checks a password against a stored hash in constant
// time with respect to the derived key.
func VerifyPassword(password, stored string) (bool, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false, fmt.Errorf("op=auth.verify: %w: malformed password hash", domain.ErrInternal)
	}
	t, err1 := strconv.ParseUint(parts[1], 10, 32)
	m, err2 := strconv.ParseUint(parts[2], 10, 32)
	p, err3 := strconv.ParseUint(parts[3], 10, 8)
	if err1 != nil || err2 != nil || err3 != nil {
		return false, fmt.Errorf("op=auth.verify: %w: malformed password hash", domain.ErrInternal)
	}
	enc := base64.RawURLEncoding
	salt, err := enc.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("op=auth.verify: %w: malformed password hash", domain.ErrInternal)
	}
	want, err := enc.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("op=auth.verify: %w: malformed password hash", domain.ErrInternal)
	}
	got := argon2.IDKey([]byte(password), salt, uint32(t), uint32(m), uint8(p), uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
