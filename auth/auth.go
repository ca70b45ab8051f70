// Package auth verifies identifier and secret pairs and manages the account
// records other participants can discover.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"pairchat/conversation"
	"pairchat/metrics"
	"pairchat/models"
	"pairchat/replica"
	"pairchat/storage"
)

// Outcome is the answer to every auth request.
type Outcome string

const (
	OutcomeAuthenticated      Outcome = "authenticated"
	OutcomeInvalidCredentials Outcome = "invalid-credentials"
	OutcomeAlreadyExists      Outcome = "already-exists"
)

// MaxSecretBytes is the longest secret bcrypt accepts.
const MaxSecretBytes = 72

var (
	// ErrEmptySecret is returned when a secret is blank.
	ErrEmptySecret = errors.New("auth: secret is empty")
	// ErrSecretTooLong is returned when a new secret exceeds MaxSecretBytes.
	ErrSecretTooLong = errors.New("auth: secret is longer than 72 bytes")
)

func checkNewSecret(secret string) error {
	if secret == "" {
		return ErrEmptySecret
	}
	if len(secret) > MaxSecretBytes {
		return ErrSecretTooLong
	}
	return nil
}

// Authenticator answers auth requests with exactly one Outcome. A non-nil
// error means the request could not be answered at all.
type Authenticator interface {
	Register(ctx context.Context, identifier, secret string) (Outcome, error)
	Authenticate(ctx context.Context, identifier, secret string) (Outcome, error)
	ChangeSecret(ctx context.Context, identifier, oldSecret, newSecret string) (Outcome, error)
	DeleteAccount(ctx context.Context, identifier, secret string) (Outcome, error)
}

// Credentials persists secret hashes.
type Credentials interface {
	SaveCredential(cred storage.Credential) error
	GetCredential(identifier string) (*storage.Credential, error)
	UpdateCredentialSecret(identifier, secretHash string) error
	DeleteCredential(identifier string) error
}

// Options configures a Service.
type Options struct {
	Credentials Credentials
	Store       replica.Store
	Cost        int
	Now         func() time.Time
	Logger      zerolog.Logger
}

// Service is the local Authenticator. Secrets are kept as bcrypt hashes in
// the credentials table and never written to the replicated tree.
type Service struct {
	options Options
	log     zerolog.Logger
}

var _ Authenticator = (*Service)(nil)

// NewService validates options.
func NewService(options Options) (*Service, error) {
	if options.Credentials == nil {
		return nil, errors.New("credentials are required")
	}
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.Cost == 0 {
		options.Cost = bcrypt.DefaultCost
	}
	if options.Cost < bcrypt.MinCost || options.Cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d out of range", options.Cost)
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Service{
		options: options,
		log:     options.Logger.With().Str("component", "auth").Logger(),
	}, nil
}

// Register creates the credential and the public account record.
func (s *Service) Register(ctx context.Context, identifier, secret string) (Outcome, error) {
	outcome, err := s.register(ctx, identifier, secret)
	s.record("register", outcome, err)
	return outcome, err
}

func (s *Service) register(ctx context.Context, identifier, secret string) (Outcome, error) {
	if err := conversation.ValidateIdentifier(identifier); err != nil {
		return "", err
	}
	if err := checkNewSecret(secret); err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.options.Cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}

	now := s.options.Now().UnixMilli()
	err = s.options.Credentials.SaveCredential(storage.Credential{
		Identifier: identifier,
		SecretHash: string(hash),
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return OutcomeAlreadyExists, nil
	}
	if err != nil {
		return "", err
	}

	account := models.Account{
		Identifier: identifier,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := s.options.Store.Set(ctx, accountPath(identifier), account); err != nil {
		// Keep credentials and the directory consistent.
		if delErr := s.options.Credentials.DeleteCredential(identifier); delErr != nil {
			s.log.Error().Err(delErr).Str("identifier", identifier).Msg("roll back credential")
		}
		return "", fmt.Errorf("create account record: %w", err)
	}

	s.log.Info().Str("identifier", identifier).Msg("account registered")
	return OutcomeAuthenticated, nil
}

// Authenticate verifies identifier and secret.
func (s *Service) Authenticate(ctx context.Context, identifier, secret string) (Outcome, error) {
	outcome, err := s.verify(ctx, identifier, secret)
	s.record("authenticate", outcome, err)
	return outcome, err
}

// ChangeSecret replaces the secret after verifying the old one.
func (s *Service) ChangeSecret(ctx context.Context, identifier, oldSecret, newSecret string) (Outcome, error) {
	outcome, err := s.changeSecret(ctx, identifier, oldSecret, newSecret)
	s.record("change_secret", outcome, err)
	return outcome, err
}

func (s *Service) changeSecret(ctx context.Context, identifier, oldSecret, newSecret string) (Outcome, error) {
	if err := checkNewSecret(newSecret); err != nil {
		return "", err
	}
	outcome, err := s.verify(ctx, identifier, oldSecret)
	if err != nil || outcome != OutcomeAuthenticated {
		return outcome, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newSecret), s.options.Cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	if err := s.options.Credentials.UpdateCredentialSecret(identifier, string(hash)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return OutcomeInvalidCredentials, nil
		}
		return "", err
	}

	s.log.Info().Str("identifier", identifier).Msg("secret changed")
	return OutcomeAuthenticated, nil
}

// DeleteAccount removes the credential and the account record after
// verifying the secret. Messages stay in place for the other participants.
func (s *Service) DeleteAccount(ctx context.Context, identifier, secret string) (Outcome, error) {
	outcome, err := s.deleteAccount(ctx, identifier, secret)
	s.record("delete_account", outcome, err)
	return outcome, err
}

func (s *Service) deleteAccount(ctx context.Context, identifier, secret string) (Outcome, error) {
	outcome, err := s.verify(ctx, identifier, secret)
	if err != nil || outcome != OutcomeAuthenticated {
		return outcome, err
	}

	if err := s.options.Store.Set(ctx, accountPath(identifier), nil); err != nil {
		return "", fmt.Errorf("remove account record: %w", err)
	}
	if err := s.options.Credentials.DeleteCredential(identifier); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	s.log.Info().Str("identifier", identifier).Msg("account deleted")
	return OutcomeAuthenticated, nil
}

func (s *Service) verify(ctx context.Context, identifier, secret string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if identifier == "" || secret == "" {
		return OutcomeInvalidCredentials, nil
	}

	cred, err := s.options.Credentials.GetCredential(identifier)
	if errors.Is(err, storage.ErrNotFound) {
		return OutcomeInvalidCredentials, nil
	}
	if err != nil {
		return "", err
	}

	err = bcrypt.CompareHashAndPassword([]byte(cred.SecretHash), []byte(secret))
	switch {
	case err == nil:
		return OutcomeAuthenticated, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return OutcomeInvalidCredentials, nil
	default:
		return "", fmt.Errorf("compare secret: %w", err)
	}
}

func (s *Service) record(op string, outcome Outcome, err error) {
	label := string(outcome)
	if err != nil {
		label = "error"
	}
	metrics.RecordAuth(op, label)
}

func accountPath(identifier string) string {
	return replica.Join("accounts", identifier)
}
