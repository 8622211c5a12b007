package command

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/navirec/fleet-streamer/internal/api"
)

// Service resolves display names from the catalog and hands created commands
// to the tracker.
type Service struct {
	// trackCtx outlives any request: a command created over HTTP keeps
	// being polled after the request that created it returns.
	trackCtx context.Context

	tracker *Tracker
	client  api.Client
	logger  *zap.Logger
}

func NewService(trackCtx context.Context, tracker *Tracker, client api.Client, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		trackCtx: trackCtx,
		tracker:  tracker,
		client:   client,
		logger:   logger,
	}
}

// ExecuteAction validates that the action belongs to the vehicle, creates the
// device command, and starts tracking it.
func (s *Service) ExecuteAction(ctx context.Context, vehicleID, actionID uuid.UUID) (Handle, error) {
	vehicleName := vehicleID.String()
	actionName := actionID.String()

	actions, err := s.client.GetVehicleActions(ctx, vehicleID)
	if err != nil {
		return Handle{}, fmt.Errorf("fetching vehicle actions: %w", err)
	}

	found := false
	for _, a := range actions {
		if a.ID != actionID {
			continue
		}
		found = true
		if a.NameDisplay != "" {
			actionName = a.NameDisplay
		} else if a.Slug != "" {
			actionName = a.Slug
		}
		break
	}
	if !found {
		return Handle{}, fmt.Errorf("action %s not available on vehicle %s", actionID, vehicleID)
	}

	if vehicles, err := s.client.GetVehicles(ctx, uuid.Nil, false); err == nil {
		for _, v := range vehicles {
			if v.ID != vehicleID {
				continue
			}
			if v.NameDisplay != "" {
				vehicleName = v.NameDisplay
			} else if v.Registration != "" {
				vehicleName = v.Registration
			}
			break
		}
	} else {
		s.logger.Debug("vehicle name lookup failed", zap.Error(err))
	}

	return s.tracker.Execute(s.trackCtx, s.client, vehicleID, actionID, vehicleName, actionName)
}
