package ui

import (
	"errors"
	"io"
	"os"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpmeet/internal/peer"
	"github.com/BioHazard786/warpmeet/internal/room"
)

type fakeControls struct {
	mu     sync.Mutex
	audio  bool
	leaves int
}

func (c *fakeControls) SelfID() string {
	return "0123456789abcdef"
}

func (c *fakeControls) MediaState() peer.MediaState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return peer.MediaState{Audio: c.audio}
}

func (c *fakeControls) ToggleAudio() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = !c.audio
	return c.audio, nil
}

func (c *fakeControls) ToggleVideo() (bool, error) {
	return false, errors.New("no camera")
}

func (c *fakeControls) LeaveRoom() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves++
	return nil
}

func newTestModel() (*roomModel, *fakeControls) {
	v := NewRoomView("r1", false)
	ctrl := &fakeControls{audio: true}
	v.model.bind(ctrl)
	return v.model, ctrl
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// run executes cmd and feeds its message back into the model.
func run(t *testing.T, m *roomModel, cmd tea.Cmd) {
	t.Helper()
	require.NotNil(t, cmd)
	m.Update(cmd())
}

func TestRoomModelTiles(t *testing.T) {
	m, _ := newTestModel()
	assert.True(t, m.audio)
	assert.Contains(t, m.View(), "01234567")
	assert.Contains(t, m.View(), "Waiting for others")

	m.Update(tileAddedMsg{room.Tile{ParticipantID: "bob-participant", State: peer.Initiating, Audio: true, Video: true}})
	m.Update(tileAddedMsg{room.Tile{ParticipantID: "carol", State: peer.Negotiating, Audio: true, Video: true}})
	require.Len(t, m.tiles, 2)

	m.Update(tileUpdatedMsg{room.Tile{ParticipantID: "bob-participant", State: peer.Connected, Device: "Phone"}})
	assert.Equal(t, peer.Connected, m.tiles[0].State)
	assert.Equal(t, "carol", m.tiles[1].ParticipantID)

	view := m.View()
	assert.Contains(t, view, "bob-part")
	assert.Contains(t, view, "Phone")
	assert.Contains(t, view, "connected")

	m.Update(tileRemovedMsg{"bob-participant"})
	require.Len(t, m.tiles, 1)
	assert.Equal(t, "carol", m.tiles[0].ParticipantID)

	m.Update(tileUpdatedMsg{room.Tile{ParticipantID: "carol", State: peer.Closed, Err: errors.New("ice failed")}})
	assert.Contains(t, m.View(), "failed")
}

func TestRoomModelKeys(t *testing.T) {
	m, ctrl := newTestModel()

	_, cmd := m.Update(key("a"))
	run(t, m, cmd)
	assert.False(t, m.audio)
	assert.Contains(t, m.View(), "muted")

	_, cmd = m.Update(key("v"))
	assert.Nil(t, cmd)
	assert.Contains(t, m.notice, "No camera")

	_, cmd = m.Update(key("q"))
	run(t, m, cmd)
	_, cmd = m.Update(key("q"))
	assert.Nil(t, cmd, "second leave is ignored")
	assert.Equal(t, 1, ctrl.leaves)
	assert.Contains(t, m.View(), "Leaving")

	_, cmd = m.Update(roomEndedMsg{})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, m.View())
}

func TestRoomViewSendAfterExit(t *testing.T) {
	v := NewRoomView("r1", false)
	v.once.Do(func() { close(v.done) })

	for i := 0; i < cap(v.updates)+1; i++ {
		v.TileUpdated(room.Tile{ParticipantID: "bob"})
	}
	v.RoomEnded(nil)
}

func TestMembersView(t *testing.T) {
	assert.Contains(t, MembersView("r1", nil), "empty")

	view := MembersView("r1", []string{"alice", "bob"})
	assert.Contains(t, view, "alice")
	assert.Contains(t, view, "bob")
	assert.Contains(t, view, "2 connected")
}

func TestCallSummaryView(t *testing.T) {
	assert.Contains(t, CallSummaryView(nil), "Nobody")

	view := CallSummaryView([]room.Tile{
		{ParticipantID: "alice", State: peer.Connected, Device: "CLI"},
		{ParticipantID: "bob", State: peer.Closed, Err: errors.New("boom")},
	})
	assert.Contains(t, view, "connected")
	assert.Contains(t, view, "failed")
	assert.Contains(t, view, "CLI")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", ShortID("abc"))
	assert.Equal(t, "01234567", ShortID("0123456789"))
}

// captureStdout returns what fn prints.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	stdout := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = stdout }()

	fn()
	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestPrintHelpers(t *testing.T) {
	out := captureStdout(t, func() {
		PrintWarning("No --video file given, joining without a camera")
		PrintInfof("Signaling through %s", "ws://localhost:8080/ws")
		PrintErrorf("Call with %s failed: %v", "bob", errors.New("ice failed"))
	})
	assert.Contains(t, out, "joining without a camera")
	assert.Contains(t, out, "Signaling through ws://localhost:8080/ws")
	assert.Contains(t, out, "Call with bob failed: ice failed")
}
