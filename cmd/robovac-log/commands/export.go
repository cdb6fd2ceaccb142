package commands

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/robovac-protocol/robovac-go/pkg/protolog"
)

// RunExport exports the capture file to the specified format.
func RunExport(path, format, output string) error {
	reader, err := protolog.NewReader(path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer reader.Close()

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch format {
	case "jsonl":
		return exportJSONL(reader, w)
	case "csv":
		return exportCSV(reader, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

// jsonEvent is the flattened export shape. CBOR integer keys do not
// survive a JSON round trip, so the export names every field.
type jsonEvent struct {
	Timestamp time.Time `json:"timestamp"`
	DUID      string    `json:"duid"`
	Channel   string    `json:"channel"`
	Direction string    `json:"direction,omitempty"`
	Type      string    `json:"type"`
	Size      int       `json:"size,omitempty"`
	Data      string    `json:"data,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func flatten(event protolog.Event) jsonEvent {
	out := jsonEvent{
		Timestamp: event.Timestamp,
		DUID:      event.DUID,
		Channel:   event.Channel.String(),
		Type:      eventType(event),
	}
	switch {
	case event.Frame != nil:
		out.Direction = event.Direction.String()
		out.Size = event.Frame.Size
		out.Data = hex.EncodeToString(event.Frame.Data)
		out.Truncated = event.Frame.Truncated
	case event.State != nil:
		out.From = event.State.From
		out.To = event.State.To
	case event.Error != nil:
		out.Error = event.Error.Message
	}
	return out
}

func exportJSONL(reader *protolog.Reader, w io.Writer) error {
	encoder := json.NewEncoder(w)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		if err := encoder.Encode(flatten(event)); err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
	}
	return nil
}

func exportCSV(reader *protolog.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"timestamp", "duid", "channel", "direction", "type", "size", "detail"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}

		size := ""
		detail := ""
		direction := ""
		switch {
		case event.Frame != nil:
			direction = event.Direction.String()
			size = strconv.Itoa(event.Frame.Size)
			detail = hex.EncodeToString(event.Frame.Data)
		case event.State != nil:
			detail = event.State.From + " -> " + event.State.To
		case event.Error != nil:
			detail = event.Error.Message
		}

		record := []string{
			event.Timestamp.UTC().Format(time.RFC3339Nano),
			event.DUID,
			event.Channel.String(),
			direction,
			eventType(event),
			size,
			detail,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	return nil
}
