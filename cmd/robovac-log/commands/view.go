// Package commands implements the robovac-log CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/robovac-protocol/robovac-go/pkg/protolog"
)

// Filter specifies criteria for selecting capture events.
type Filter struct {
	DUID      string
	Channel   *protolog.ChannelKind
	Direction *protolog.Direction
}

// Match reports whether an event passes the filter.
func (f Filter) Match(event protolog.Event) bool {
	if f.DUID != "" && event.DUID != f.DUID {
		return false
	}
	if f.Channel != nil && event.Channel != *f.Channel {
		return false
	}
	if f.Direction != nil && event.Direction != *f.Direction {
		return false
	}
	return true
}

// BuildFilter parses the flag values into a Filter.
func BuildFilter(duid, channel, direction string) (Filter, error) {
	filter := Filter{DUID: duid}
	if channel != "" {
		k, err := parseChannel(channel)
		if err != nil {
			return Filter{}, err
		}
		filter.Channel = &k
	}
	if direction != "" {
		d, err := parseDirection(direction)
		if err != nil {
			return Filter{}, err
		}
		filter.Direction = &d
	}
	return filter, nil
}

func parseChannel(s string) (protolog.ChannelKind, error) {
	switch strings.ToLower(s) {
	case "local":
		return protolog.ChannelLocal, nil
	case "cloud":
		return protolog.ChannelCloud, nil
	default:
		return 0, fmt.Errorf("unknown channel %q (local, cloud)", s)
	}
}

func parseDirection(s string) (protolog.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return protolog.DirectionIn, nil
	case "out":
		return protolog.DirectionOut, nil
	default:
		return 0, fmt.Errorf("unknown direction %q (in, out)", s)
	}
}

// RunView prints the capture in human-readable form.
func RunView(path string, filter Filter, w io.Writer) error {
	reader, err := protolog.NewReader(path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		if !filter.Match(event) {
			continue
		}
		formatEvent(w, event)
	}
	return nil
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event protolog.Event) {
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	fmt.Fprintf(w, "%s [%s] %s %-3s %s\n",
		ts, shortenDUID(event.DUID), event.Channel, event.Direction, eventType(event))

	switch {
	case event.Frame != nil:
		fmt.Fprintf(w, "  Size: %d bytes\n", event.Frame.Size)
		if len(event.Frame.Data) > 0 {
			fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(event.Frame.Data))
			if event.Frame.Truncated {
				fmt.Fprintf(w, " (truncated)")
			}
			fmt.Fprintln(w)
		}
	case event.State != nil:
		fmt.Fprintf(w, "  %s -> %s\n", event.State.From, event.State.To)
	case event.Error != nil:
		fmt.Fprintf(w, "  %s\n", event.Error.Message)
	}

	fmt.Fprintln(w)
}

// shortenDUID returns the first 8 characters of the device id.
func shortenDUID(duid string) string {
	if len(duid) >= 8 {
		return duid[:8]
	}
	return duid
}

// eventType returns the label for the event's populated variant.
func eventType(event protolog.Event) string {
	switch {
	case event.Frame != nil:
		return "Frame"
	case event.State != nil:
		return "State"
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}
