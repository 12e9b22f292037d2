package ui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/BioHazard786/warpmeet/internal/peer"
	"github.com/BioHazard786/warpmeet/internal/room"
)

// Controls are the call the room view shows and the actions it triggers from
// key presses.
type Controls interface {
	SelfID() string
	MediaState() peer.MediaState
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	LeaveRoom() error
}

type tileAddedMsg struct{ tile room.Tile }

type tileUpdatedMsg struct{ tile room.Tile }

type tileRemovedMsg struct{ id string }

type roomEndedMsg struct{ err error }

type mediaToggledMsg struct {
	kind    string
	enabled bool
	err     error
}

type leftMsg struct{}

// RoomView is the live call screen. It implements room.Renderer; renderer
// calls are forwarded to the bubbletea program through a channel.
type RoomView struct {
	model   *roomModel
	updates chan tea.Msg
	done    chan struct{}
	once    sync.Once
}

// NewRoomView creates the view for roomID. hasVideo is false when the call
// has no camera track.
func NewRoomView(roomID string, hasVideo bool) *RoomView {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	updates := make(chan tea.Msg, 64)
	return &RoomView{
		model: &roomModel{
			roomID:   roomID,
			hasVideo: hasVideo,
			spinner:  s,
			updates:  updates,
		},
		updates: updates,
		done:    make(chan struct{}),
	}
}

// Run shows the view until the room ends or the program is interrupted.
func (v *RoomView) Run(ctrl Controls) error {
	defer v.once.Do(func() { close(v.done) })

	v.model.bind(ctrl)
	_, err := tea.NewProgram(v.model).Run()
	return err
}

func (v *RoomView) send(msg tea.Msg) {
	select {
	case v.updates <- msg:
	case <-v.done:
	}
}

func (v *RoomView) TileAdded(tile room.Tile) {
	v.send(tileAddedMsg{tile})
}

func (v *RoomView) TileUpdated(tile room.Tile) {
	v.send(tileUpdatedMsg{tile})
}

func (v *RoomView) TileRemoved(id string) {
	v.send(tileRemovedMsg{id})
}

func (v *RoomView) RoomEnded(err error) {
	v.send(roomEndedMsg{err})
}

type roomModel struct {
	roomID   string
	selfID   string
	ctrl     Controls
	updates  <-chan tea.Msg
	spinner  spinner.Model
	width    int
	tiles    []room.Tile
	audio    bool
	video    bool
	hasVideo bool
	notice   string
	leaving  bool
	ended    bool
	err      error
}

func (m *roomModel) bind(ctrl Controls) {
	state := ctrl.MediaState()
	m.ctrl = ctrl
	m.selfID = ctrl.SelfID()
	m.audio = state.Audio
	m.video = state.Video
}

func (m *roomModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForUpdates())
}

func (m *roomModel) listenForUpdates() tea.Cmd {
	return func() tea.Msg {
		return <-m.updates
	}
}

func (m *roomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, m.leave()
		case "a":
			return m, m.toggle("audio", m.ctrl.ToggleAudio)
		case "v":
			if !m.hasVideo {
				m.notice = "No camera track in this call"
				return m, nil
			}
			return m, m.toggle("video", m.ctrl.ToggleVideo)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case mediaToggledMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("Could not toggle %s: %v", msg.kind, msg.err)
			return m, nil
		}
		m.notice = ""
		if msg.kind == "audio" {
			m.audio = msg.enabled
		} else {
			m.video = msg.enabled
		}

	case leftMsg:

	case tileAddedMsg:
		m.tiles = append(m.tiles, msg.tile)
		return m, m.listenForUpdates()

	case tileUpdatedMsg:
		m.setTile(msg.tile)
		return m, m.listenForUpdates()

	case tileRemovedMsg:
		m.removeTile(msg.id)
		return m, m.listenForUpdates()

	case roomEndedMsg:
		m.ended = true
		m.err = msg.err
		return m, tea.Quit
	}

	return m, nil
}

// leave ends the call off the UI goroutine; the controller reports back with
// RoomEnded.
func (m *roomModel) leave() tea.Cmd {
	if m.leaving {
		return nil
	}
	m.leaving = true
	ctrl := m.ctrl
	return func() tea.Msg {
		ctrl.LeaveRoom()
		return leftMsg{}
	}
}

func (m *roomModel) toggle(kind string, fn func() (bool, error)) tea.Cmd {
	return func() tea.Msg {
		enabled, err := fn()
		return mediaToggledMsg{kind: kind, enabled: enabled, err: err}
	}
}

func (m *roomModel) setTile(tile room.Tile) {
	for i := range m.tiles {
		if m.tiles[i].ParticipantID == tile.ParticipantID {
			m.tiles[i] = tile
			return
		}
	}
	m.tiles = append(m.tiles, tile)
}

func (m *roomModel) removeTile(id string) {
	for i := range m.tiles {
		if m.tiles[i].ParticipantID == id {
			m.tiles = append(m.tiles[:i], m.tiles[i+1:]...)
			return
		}
	}
}

func (m *roomModel) View() string {
	if m.ended {
		return ""
	}

	var b strings.Builder

	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s Room %s", IconRoom, m.roomID)))
	b.WriteString("\n")
	b.WriteString(MutedStyle.Render(fmt.Sprintf("You are %s  ", ShortID(m.selfID))))
	b.WriteString(m.localMedia())
	b.WriteString("\n\n")

	if len(m.tiles) == 0 {
		b.WriteString(fmt.Sprintf("%s Waiting for others to join...\n", m.spinner.View()))
	} else {
		b.WriteString(m.tileGrid())
		b.WriteString("\n")
	}

	if m.notice != "" {
		b.WriteString("\n" + WarningStyle.Render(m.notice) + "\n")
	}

	footer := "a: mute/unmute • v: camera on/off • q: leave"
	if m.leaving {
		footer = "Leaving..."
	}
	b.WriteString(FooterStyle.Render(footer))
	return b.String()
}

func (m *roomModel) localMedia() string {
	mic := IconMic + " on"
	if !m.audio {
		mic = IconMicOff + " muted"
	}
	cam := IconCameraNo + " none"
	if m.hasVideo {
		cam = IconCamera + " on"
		if !m.video {
			cam = IconCameraNo + " off"
		}
	}
	return StatusStyle.Render(mic) + " " + StatusStyle.Render(cam)
}

func (m *roomModel) tileGrid() string {
	perRow := 3
	if m.width > 0 {
		perRow = max(1, m.width/30)
	}

	var rows []string
	for start := 0; start < len(m.tiles); start += perRow {
		end := min(start+perRow, len(m.tiles))
		var cells []string
		for _, t := range m.tiles[start:end] {
			cells = append(cells, m.tileView(t))
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (m *roomModel) tileView(t room.Tile) string {
	var status string
	style := ClosedTileStyle
	switch {
	case t.Err != nil:
		status = IconError + " failed"
		style = FailedTileStyle
	case t.Ringing():
		status = m.spinner.View() + " " + t.State.String()
		style = RingingTileStyle
	case t.State == peer.Connected:
		status = IconSuccess + " connected"
		style = ConnectedTileStyle
	default:
		status = MutedStyle.Render(t.State.String())
	}

	mic, cam := IconMic, IconCamera
	if !t.Audio {
		mic = IconMicOff
	}
	if !t.Video {
		cam = IconCameraNo
	}

	name := IconPeer + " " + BoldStyle.Render(ShortID(t.ParticipantID))
	if t.Device != "" {
		name += MutedStyle.Render(" (" + t.Device + ")")
	}
	return style.Render(fmt.Sprintf("%s\n%s\n%s %s", name, status, mic, cam))
}
