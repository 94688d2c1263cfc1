package service

import (
	"context"

	"thermostat_gateway/internal/models"
	"thermostat_gateway/internal/repository"
)

// StatusService serves read-only device state to the API.
type StatusService struct {
	repos *repository.Repository
}

func NewStatusService(repos *repository.Repository) *StatusService {
	return &StatusService{repos: repos}
}

func (s *StatusService) ListThermostats(ctx context.Context) ([]models.Thermostat, error) {
	return s.repos.Devices.ListActive(ctx)
}

func (s *StatusService) GetReading(ctx context.Context, id string) (*models.StatusReading, error) {
	return s.repos.Readings.GetCurrent(ctx, id)
}

func (s *StatusService) ListReadings(ctx context.Context) ([]models.StatusReading, error) {
	return s.repos.Readings.ListCurrent(ctx)
}

var _ Status = (*StatusService)(nil)
