package room

import (
	"github.com/BioHazard786/warpmeet/internal/peer"
)

// Tile is what the UI shows for one remote participant.
type Tile struct {
	ParticipantID string
	State         peer.State
	// Audio and Video are the remote side's reported track state.
	Audio  bool
	Video  bool
	Tracks int
	Device string
	// Err is set when the connection to this participant failed.
	Err error
}

// Ringing reports whether negotiation is still in progress.
func (t Tile) Ringing() bool {
	return t.State != peer.Connected && t.State != peer.Closed
}

// Renderer is told about every tile change. Calls come from the controller's
// event loop one at a time.
type Renderer interface {
	TileAdded(tile Tile)
	TileUpdated(tile Tile)
	TileRemoved(participantID string)
	RoomEnded(err error)
}

type nopRenderer struct{}

func (nopRenderer) TileAdded(Tile) {}
func (nopRenderer) TileUpdated(Tile) {}
func (nopRenderer) TileRemoved(string) {}
func (nopRenderer) RoomEnded(error) {}
