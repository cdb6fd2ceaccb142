package commands

import (
	"fmt"
	"io"

	"github.com/robovac-protocol/robovac-go/pkg/protolog"
)

// RunFilter writes the matching events of a capture to a new file.
func RunFilter(path, output string, filter Filter) error {
	reader, err := protolog.NewReader(path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer reader.Close()

	writer, err := protolog.NewFileLogger(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer writer.Close()

	kept, total := 0, 0
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		total++
		if !filter.Match(event) {
			continue
		}
		writer.Log(event)
		kept++
	}

	fmt.Printf("Kept %d of %d events\n", kept, total)
	return nil
}
