package notify

import (
	"fmt"

	"github.com/navirec/fleet-streamer/internal/api"
	"github.com/navirec/fleet-streamer/internal/command"
)

// FormatResultTitle builds the push title for a terminal command result.
func FormatResultTitle(res command.Result) string {
	switch res.State {
	case api.CommandStateAcknowledged:
		return fmt.Sprintf("%s for %s succeeded", res.Handle.ActionName, res.Handle.VehicleName)
	case api.CommandStateExpired:
		return fmt.Sprintf("%s for %s timed out", res.Handle.ActionName, res.Handle.VehicleName)
	default:
		return fmt.Sprintf("%s for %s failed", res.Handle.ActionName, res.Handle.VehicleName)
	}
}

// FormatResultMessage builds the push body for a terminal command result.
func FormatResultMessage(res command.Result) string {
	switch res.State {
	case api.CommandStateAcknowledged:
		return fmt.Sprintf("Response: %s", orDash(res.Response))
	case api.CommandStateExpired:
		return fmt.Sprintf("Command %s never reached a terminal state", res.Handle.CommandID)
	default:
		return fmt.Sprintf("Errors: %s", orDash(res.Errors))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
