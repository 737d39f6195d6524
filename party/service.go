package party

import "context"

// ProfileStore abstracts repository operations for the service.
type ProfileStore interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	List(ctx context.Context, limit int) ([]Profile, error)
	LinkWallet(ctx context.Context, partyID, address string) error
}

// Service exposes business-level party operations.
type Service struct {
	repo ProfileStore
}

// NewService builds a Service using the provided repository.
func NewService(repo ProfileStore) *Service {
	return &Service{repo: repo}
}

// GetByID returns the party profile for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit party profiles.
func (s *Service) List(ctx context.Context, limit int) ([]Profile, error) {
	return s.repo.List(ctx, limit)
}

// LinkWallet attaches a settlement address to the party. Custody escrows
// cannot be opened for a contract until both participants have one.
func (s *Service) LinkWallet(ctx context.Context, partyID, address string) error {
	return s.repo.LinkWallet(ctx, partyID, address)
}
