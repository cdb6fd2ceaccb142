package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/robovac-protocol/robovac-go/pkg/protolog"
)

// Stats holds aggregate statistics about a capture file.
type Stats struct {
	TotalEvents       int
	EventsByChannel   map[protolog.ChannelKind]int
	EventsByDirection map[protolog.Direction]int
	Devices           map[string]*DeviceStats
	Frames            int
	FrameBytes        int
	StateChanges      int
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// DeviceStats holds statistics for a single device.
type DeviceStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int
	Frames    int
	Errors    int
	LastState string
}

// RunStats analyzes the capture file and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := protolog.NewReader(path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByChannel:   make(map[protolog.ChannelKind]int),
		EventsByDirection: make(map[protolog.Direction]int),
		Devices:           make(map[string]*DeviceStats),
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		stats.add(event)
	}

	stats.print(w)
	return nil
}

func (s *Stats) add(event protolog.Event) {
	s.TotalEvents++
	s.EventsByChannel[event.Channel]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	dev, ok := s.Devices[event.DUID]
	if !ok {
		dev = &DeviceStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		s.Devices[event.DUID] = dev
	}
	dev.Events++
	if event.Timestamp.Before(dev.FirstSeen) {
		dev.FirstSeen = event.Timestamp
	}
	if event.Timestamp.After(dev.LastSeen) {
		dev.LastSeen = event.Timestamp
	}

	switch {
	case event.Frame != nil:
		s.EventsByDirection[event.Direction]++
		s.Frames++
		s.FrameBytes += event.Frame.Size
		dev.Frames++
	case event.State != nil:
		s.StateChanges++
		dev.LastState = event.State.To
	case event.Error != nil:
		s.Errors++
		dev.Errors++
	}
}

func (s *Stats) print(w io.Writer) {
	fmt.Fprintf(w, "Total events:  %d\n", s.TotalEvents)
	if s.TotalEvents == 0 {
		return
	}

	fmt.Fprintf(w, "Time range:    %s to %s (%s)\n",
		s.TimeRange.Start.UTC().Format(time.RFC3339),
		s.TimeRange.End.UTC().Format(time.RFC3339),
		s.TimeRange.End.Sub(s.TimeRange.Start).Round(time.Millisecond))
	fmt.Fprintf(w, "Frames:        %d (%d bytes)\n", s.Frames, s.FrameBytes)
	fmt.Fprintf(w, "State changes: %d\n", s.StateChanges)
	fmt.Fprintf(w, "Errors:        %d\n", s.Errors)

	fmt.Fprintln(w, "\nBy channel:")
	for _, k := range []protolog.ChannelKind{protolog.ChannelLocal, protolog.ChannelCloud} {
		if n := s.EventsByChannel[k]; n > 0 {
			fmt.Fprintf(w, "  %-6s %d\n", k.String(), n)
		}
	}

	fmt.Fprintln(w, "\nBy direction (frames):")
	for _, d := range []protolog.Direction{protolog.DirectionIn, protolog.DirectionOut} {
		if n := s.EventsByDirection[d]; n > 0 {
			fmt.Fprintf(w, "  %-4s %d\n", d.String(), n)
		}
	}

	duids := make([]string, 0, len(s.Devices))
	for duid := range s.Devices {
		duids = append(duids, duid)
	}
	sort.Strings(duids)

	fmt.Fprintln(w, "\nDevices:")
	for _, duid := range duids {
		dev := s.Devices[duid]
		fmt.Fprintf(w, "  %s: %d events, %d frames, %d errors", duid, dev.Events, dev.Frames, dev.Errors)
		if dev.LastState != "" {
			fmt.Fprintf(w, ", last state %s", dev.LastState)
		}
		fmt.Fprintln(w)
	}
}
