package command

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/navirec/fleet-streamer/internal/api"
)

// Creator is the REST capability that issues a new device command.
type Creator interface {
	CreateDeviceCommand(ctx context.Context, vehicleID, actionID uuid.UUID) (api.DeviceCommand, error)
}

// Execute creates a device command for the given vehicle action and hands it
// to the tracker, which polls until a terminal state or expiry.
func (t *Tracker) Execute(ctx context.Context, creator Creator, vehicleID, actionID uuid.UUID, vehicleName, actionName string) (Handle, error) {
	cmd, err := creator.CreateDeviceCommand(ctx, vehicleID, actionID)
	if err != nil {
		return Handle{}, fmt.Errorf("creating device command: %w", err)
	}

	h := Handle{
		CommandID:   cmd.ID,
		VehicleID:   vehicleID,
		ActionID:    actionID,
		VehicleName: vehicleName,
		ActionName:  actionName,
		CreatedAt:   cmd.CreatedAt,
	}
	if cmd.ExpiresAt != nil {
		h.ExpiresAt = *cmd.ExpiresAt
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = t.clock.Now()
	}

	t.logger.Info("created device command",
		zap.String("command", h.CommandID.String()),
		zap.String("vehicle", vehicleName),
		zap.String("action", actionName),
	)

	t.Track(ctx, h)
	return h, nil
}
