package app

import (
	"log/slog"

	"github.com/MrWong99/peercall/internal/negotiate"
)

// logUI reports coordinator events to the log when no console is attached.
type logUI struct {
	logger *slog.Logger
}

func (u logUI) PeerListUpdated(peers []string) {
	u.logger.Info("peers updated", "peers", peers)
}

func (u logUI) CallStateChanged(peer string, state negotiate.State, err error) {
	if err != nil {
		u.logger.Warn("call state", "peer", peer, "state", state.String(), "err", err)
		return
	}
	u.logger.Info("call state", "peer", peer, "state", state.String())
}

func (u logUI) Warning(peer string, err error) {
	u.logger.Warn("call warning", "peer", peer, "err", err)
}
