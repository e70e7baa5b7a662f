package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mossy-p/mesh-signaling/internal/presence"
	"github.com/mossy-p/mesh-signaling/internal/session"
	"github.com/mossy-p/mesh-signaling/internal/ui"
)

// participant is the part of session.Controller the console drives.
type participant interface {
	ToggleMute() (bool, error)
	ToggleVideo() (bool, error)
	Leave()
	Presence() *presence.Store
	Links() []session.LinkInfo
}

// runConsole reads single-letter commands from in until q, end of input or
// ctx is done. It leaves the room before returning.
func runConsole(ctx context.Context, in io.Reader, out io.Writer, p participant) error {
	defer p.Leave()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := execute(strings.TrimSpace(line), out, p); quit {
				return nil
			}
		}
	}
}

func execute(cmd string, out io.Writer, p participant) (quit bool) {
	switch strings.ToLower(cmd) {
	case "":
	case "m", "mute":
		muted, err := p.ToggleMute()
		if err != nil {
			fmt.Fprintln(out, ui.ErrorStyle.Render(err.Error()))
			return false
		}
		if muted {
			fmt.Fprintf(out, "%s microphone muted\n", ui.IconMuted)
		} else {
			fmt.Fprintf(out, "%s microphone live\n", ui.IconMic)
		}
	case "v", "video":
		enabled, err := p.ToggleVideo()
		if err != nil {
			fmt.Fprintln(out, ui.ErrorStyle.Render(err.Error()))
			return false
		}
		state := "off"
		if enabled {
			state = "on"
		}
		fmt.Fprintf(out, "%s camera %s\n", ui.IconVideo, state)
	case "p", "presence":
		fmt.Fprintln(out, ui.PresenceView(p.Presence().Snapshot(), p.Links()))
	case "q", "quit", "leave":
		return true
	default:
		fmt.Fprintln(out, ui.MutedStyle.Render("commands: m mute · v video · p presence · q leave"))
	}
	return false
}
