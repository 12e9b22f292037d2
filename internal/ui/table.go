package ui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/BioHazard786/warpmeet/internal/room"
)

// MembersView renders the participants of a room as a table.
func MembersView(roomID string, participants []string) string {
	if len(participants) == 0 {
		return MutedStyle.Render(fmt.Sprintf("Room %s is empty", roomID))
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Room " + roomID)
	t.Style().Title.Align = text.AlignCenter
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"#", "Participant"})
	for i, p := range participants {
		t.AppendRow(table.Row{i + 1, p})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d connected", len(participants))})
	return t.Render()
}

// RenderMembers writes the members table to w.
func RenderMembers(w io.Writer, roomID string, participants []string) {
	fmt.Fprintln(w, MembersView(roomID, participants))
}

// CallSummaryView renders the final state of every tile when a call ends.
func CallSummaryView(tiles []room.Tile) string {
	if len(tiles) == 0 {
		return MutedStyle.Render("Nobody else joined")
	}

	var rows [][]string
	for _, t := range tiles {
		status := t.State.String()
		if t.Err != nil {
			status = "failed"
		}
		rows = append(rows, []string{ShortID(t.ParticipantID), deviceName(t), status})
	}

	tbl := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("Participant", "Device", "Status").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

// RoomInfoView renders the room id and its shareable link.
func RoomInfoView(roomID, roomLink string) string {
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(Success).
		Padding(1, 2)

	content := fmt.Sprintf("%s Joined room\n\n%s Room ID:    %s\n%s Room Link:  %s",
		IconRoom,
		IconCopy, BoldStyle.Foreground(Primary).Render(roomID),
		IconWeb, MutedStyle.Render(roomLink),
	)

	return boxStyle.Render(content)
}

func RenderRoomInfo(roomID, roomLink string) {
	fmt.Println(RoomInfoView(roomID, roomLink))
}

// ShortID abbreviates a participant id for display.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func deviceName(t room.Tile) string {
	if t.Device == "" {
		return "-"
	}
	return t.Device
}
