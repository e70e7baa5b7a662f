package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/mossy-p/mesh-signaling/internal/peerlink"
	"github.com/mossy-p/mesh-signaling/internal/presence"
	"github.com/mossy-p/mesh-signaling/internal/session"
)

// PresenceView renders the room's participants with the state of the link to
// each of them.
func PresenceView(snap presence.Snapshot, links []session.LinkInfo) string {
	if snap.RoomID == "" {
		return MutedStyle.Render("Not in a room")
	}

	byPeer := make(map[string]session.LinkInfo, len(links))
	for _, l := range links {
		byPeer[l.PeerID] = l
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("Room %s", snap.RoomID)
	tw.AppendHeader(table.Row{"#", "Participant", "Role", "Audio", "Link", "Media", "Joined"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
	})

	for i, p := range snap.Participants {
		name := p.ID
		if p.IsLocal {
			name += " (you)"
		}
		role := string(p.Role)
		if p.Role == models.RoleHost {
			role = "★ host"
		}
		audio := "on"
		if p.IsMuted {
			audio = IconMuted + " muted"
		}

		link := "-"
		if l, ok := byPeer[p.ID]; ok {
			link = l.State.String()
			if l.Offerer {
				link += " (offerer)"
			}
		}

		tw.AppendRow(table.Row{
			i + 1,
			name,
			role,
			audio,
			link,
			mediaSummary(snap.RemoteMedia[p.ID]),
			p.JoinedAt.Format("15:04:05"),
		})
	}

	return tw.Render()
}

func mediaSummary(tracks []presence.MediaTrack) string {
	if len(tracks) == 0 {
		return "-"
	}
	kinds := make([]string, 0, len(tracks))
	for _, t := range tracks {
		kinds = append(kinds, t.Kind)
	}
	return strings.Join(kinds, "+")
}

// RoomBanner is shown once the local participant has joined.
func RoomBanner(roomID, selfID string, role models.Role) string {
	content := fmt.Sprintf("%s Joined room\n\n%s Room:  %s\n%s You:   %s\n%s Role:  %s\n\n%s",
		IconSuccess,
		IconRoom, BoldStyle.Foreground(Primary).Render(roomID),
		IconPeer, selfID,
		IconConnect, role,
		MutedStyle.Render("m mute · v video · p presence · q leave"),
	)
	return RoomBoxStyle.Render(content)
}

// LinkStateStyle picks the color for a link state label.
func LinkStateStyle(state peerlink.State) lipgloss.Style {
	switch state {
	case peerlink.StateConnected:
		return SuccessStyle
	case peerlink.StateFailed:
		return ErrorStyle
	case peerlink.StateClosed:
		return MutedStyle
	default:
		return WarningStyle
	}
}
