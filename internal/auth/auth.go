// Package auth registers accounts and resolves credentials to the user_id
// that scopes every gallery, cache and ledger operation.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kozaktomas/facegallery/internal/database"
	"github.com/kozaktomas/facegallery/internal/facerr"
	"github.com/kozaktomas/facegallery/internal/logging"
)

// DefaultCost is the bcrypt cost for stored password hashes.
const DefaultCost = 12

var (
	// ErrInvalidRegistration wraps validation failures of Register.
	ErrInvalidRegistration = errors.New("invalid registration")
	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("username already taken")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Credentials is the registration payload.
type Credentials struct {
	Username string `json:"username" validate:"required,min=3,max=50,username"`
	Password string `json:"password" validate:"required,min=6,max=128"`
}

// Service authenticates against an AccountStore.
type Service struct {
	accounts database.AccountStore
	validate *validator.Validate
	cost     int

	// dummyHash is compared against for unknown usernames so both failure
	// paths take the same time.
	dummyHash []byte
}

// Option configures a Service.
type Option func(*Service)

// WithCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func WithCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// NewService creates an auth service.
func NewService(accounts database.AccountStore, opts ...Option) (*Service, error) {
	s := &Service{
		accounts: accounts,
		validate: validator.New(),
		cost:     DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.validate.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("register username validation: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	s.dummyHash = hash
	return s, nil
}

// Register validates and stores a new account.
func (s *Service) Register(ctx context.Context, username, password string) (*database.Account, error) {
	creds := Credentials{Username: strings.TrimSpace(username), Password: password}
	if err := s.validate.Struct(creds); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRegistration, describe(err))
	}

	hash, err := bcrypt.GenerateFromPassword(passwordKey(creds.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	account := &database.Account{
		ID:           uuid.NewString(),
		Username:     creds.Username,
		PasswordHash: string(hash),
	}
	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrUsernameTaken, creds.Username)
		}
		return nil, fmt.Errorf("register %s: %w", creds.Username, err)
	}

	logging.Ctx(ctx).Info().Str("user_id", account.ID).Str("username", account.Username).Msg("account registered")
	return account, nil
}

// Authenticate returns the user_id for valid credentials. Unknown usernames
// and wrong passwords both yield facerr.ErrAuthFailure; storage failures are
// returned as-is.
func (s *Service) Authenticate(ctx context.Context, username, password string) (string, error) {
	username = strings.TrimSpace(username)
	account, err := s.accounts.AccountByUsername(ctx, username)
	switch {
	case errors.Is(err, database.ErrNotFound):
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, passwordKey(password))
		logging.Ctx(ctx).Warn().Str("username", username).Msg("login rejected: unknown user")
		return "", facerr.AuthFailure("auth.authenticate", username)
	case err != nil:
		return "", fmt.Errorf("look up account: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), passwordKey(password)) != nil {
		logging.Ctx(ctx).Warn().Str("username", username).Msg("login rejected: wrong password")
		return "", facerr.AuthFailure("auth.authenticate", username)
	}
	return account.ID, nil
}

// Account returns the account behind a user_id.
func (s *Service) Account(ctx context.Context, userID string) (*database.Account, error) {
	a, err := s.accounts.AccountByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", userID, err)
	}
	return a, nil
}

// passwordKey returns the bcrypt input. bcrypt only reads 72 bytes, so
// longer passwords are hashed down first.
func passwordKey(password string) []byte {
	if len(password) <= 72 {
		return []byte(password)
	}
	sum := sha256.Sum256([]byte(password))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}

// describe turns validator errors into one readable line.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s characters", field, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		case "username":
			msgs = append(msgs, "username may contain only letters, digits and underscores")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
