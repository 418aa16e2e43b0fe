package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"trustbond-server/models"
	"trustbond-server/storage"
	"trustbond-server/utils"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type VerifierStore interface {
	Create(ctx context.Context, verifier *models.Verifier) error
	Get(ctx context.Context, id string) (*models.Verifier, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// VerifierService registers banks and checks their API keys.
type VerifierService struct {
	store VerifierStore
	cost  int
}

func NewVerifierService(store VerifierStore) *VerifierService {
	return &VerifierService{store: store, cost: bcrypt.DefaultCost}
}

// WithHashCost lowers the bcrypt cost, for tests.
func (s *VerifierService) WithHashCost(cost int) *VerifierService {
	s.cost = cost
	return s
}

// Register creates an active verifier. The plain API key is returned once
// and only its bcrypt hash is stored.
func (s *VerifierService) Register(ctx context.Context, name string) (*models.Verifier, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", errors.New("verifier name is required")
	}

	apiKey := utils.GenerateShortToken(32)
	if apiKey == "" {
		return nil, "", errors.New("could not generate api key")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), s.cost)
	if err != nil {
		return nil, "", err
	}

	verifier := &models.Verifier{
		ID:         uuid.NewString(),
		Name:       name,
		APIKeyHash: string(hash),
		Active:     true,
	}
	if err := s.store.Create(ctx, verifier); err != nil {
		return nil, "", fmt.Errorf("create verifier: %w", err)
	}
	return verifier, apiKey, nil
}

func (s *VerifierService) Authenticate(ctx context.Context, id, apiKey string) (*models.Verifier, error) {
	verifier, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load verifier: %w", ErrStoreUnavailable, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(verifier.APIKeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !verifier.Active {
		return nil, ErrVerifierInactive
	}
	return verifier, nil
}

// CheckActive confirms a token holder is still a registered, active verifier.
func (s *VerifierService) CheckActive(ctx context.Context, id string) (*models.Verifier, error) {
	verifier, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load verifier: %w", ErrStoreUnavailable, err)
	}
	if !verifier.Active {
		return nil, ErrVerifierInactive
	}
	return verifier, nil
}

// SetActive enables or disables a verifier. Disabled verifiers are refused
// on their next request, whatever token they hold.
func (s *VerifierService) SetActive(ctx context.Context, id string, active bool) error {
	err := s.store.SetActive(ctx, id, active)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("verifier %s not found", id)
	}
	return err
}
