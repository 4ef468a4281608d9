package agent

import (
	"time"

	"github.com/Iron-Ham/claudio-ide/internal/logging"
	"github.com/Iron-Ham/claudio-ide/internal/tmux"
)

// ReapOrphans stops tmux agent servers left behind by hosts that exited
// without destroying their sessions. owned reports whether a session id
// still belongs to a live host; those servers are left alone. It returns
// the ids of the sessions whose agents were stopped.
func ReapOrphans(owned func(sessionID string) bool, grace time.Duration, logger *logging.Logger) []string {
	logger = logging.OrNop(logger).WithComponent("agent")

	sockets, err := tmux.ListSockets()
	if err != nil {
		logger.Warn("failed to list tmux sockets", "error", err.Error())
		return nil
	}

	var reaped []string
	for _, socket := range sockets {
		id, ok := tmux.SessionIDFromSocket(socket)
		if !ok || owned(id) {
			continue
		}
		if err := tmux.Stop(socket, tmux.SessionName(id), grace); err != nil {
			logger.Warn("failed to stop orphaned agent", "session_id", id, "error", err.Error())
			continue
		}
		logger.Info("stopped orphaned agent", "session_id", id)
		reaped = append(reaped, id)
	}
	return reaped
}
