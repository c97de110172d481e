package auth

import (
	"context"
	"errors"

	"jihu_proxy/internal/models"
	"jihu_proxy/internal/utils"
)

// RegistrationService lets admins resolve pending registrations.
type RegistrationService struct {
	registrations RegistrationStore
	logger        *utils.Logger
}

func NewRegistrationService(registrations RegistrationStore) *RegistrationService {
	return &RegistrationService{registrations: registrations, logger: utils.NewLogger("registrations")}
}

func (s *RegistrationService) ListPending(ctx context.Context) ([]*models.RegistrationRequest, error) {
	return s.registrations.ListPending(ctx)
}

// Approve turns a pending request into a regular user.
func (s *RegistrationService) Approve(ctx context.Context, id int64) (*models.User, error) {
	user, err := s.registrations.Approve(ctx, id)
	if err != nil {
		return nil, mapRegistrationErr(err)
	}
	s.logger.Info("registration approved", "request_id", id, "username", user.Username)
	return user, nil
}

func (s *RegistrationService) Reject(ctx context.Context, id int64) error {
	if err := s.registrations.Reject(ctx, id); err != nil {
		return mapRegistrationErr(err)
	}
	s.logger.Info("registration rejected", "request_id", id)
	return nil
}

func mapRegistrationErr(err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return ErrRegistrationMissing
	case errors.Is(err, models.ErrConflict):
		return ErrRegistrationClosed
	default:
		return err
	}
}
