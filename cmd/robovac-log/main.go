// Command robovac-log is a tool for viewing and analyzing protocol
// capture files.
//
// Capture files are created by the command engine when a protocol log
// path is configured; they are CBOR sequences of frame, state and
// error events.
//
// Usage:
//
//	robovac-log <command> [flags] <file.cbor>
//
// Commands:
//
//	view     View capture in human-readable format
//	export   Export capture to JSON or CSV format
//	filter   Filter capture and write to new file
//	stats    Show statistics about the capture
//
// Examples:
//
//	# View all events
//	robovac-log view capture.cbor
//
//	# View only cloud-channel traffic
//	robovac-log view --channel cloud capture.cbor
//
//	# Export to JSONL
//	robovac-log export --format jsonl capture.cbor
//
//	# Keep one device's events
//	robovac-log filter --duid 7a3bXXXX -o filtered.cbor capture.cbor
//
//	# Show statistics
//	robovac-log stats capture.cbor
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/robovac-protocol/robovac-go/cmd/robovac-log/commands"
)

const usage = `robovac-log - Protocol Capture Analyzer

Usage:
  robovac-log <command> [flags] <file.cbor>

Commands:
  view     View capture in human-readable format
  export   Export capture to JSON or CSV format
  filter   Filter capture and write to new file
  stats    Show statistics about the capture

Use "robovac-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "filter":
		runFilter(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func runView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `robovac-log view - View capture in human-readable format

Usage:
  robovac-log view [flags] <file.cbor>

Flags:
`)
		fs.PrintDefaults()
	}

	channel := fs.String("channel", "", "Filter by channel (local, cloud)")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	duid := fs.String("duid", "", "Filter by device id")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	filter, err := commands.BuildFilter(*duid, *channel, *direction)
	if err != nil {
		fatal(err)
	}
	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fatal(err)
	}
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `robovac-log export - Export capture to JSON or CSV format

Usage:
  robovac-log export [flags] <file.cbor>

Flags:
`)
		fs.PrintDefaults()
	}

	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default stdout)")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	if err := commands.RunExport(path, *format, *output); err != nil {
		fatal(err)
	}
}

func runFilter(args []string) {
	fs := flag.NewFlagSet("filter", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `robovac-log filter - Filter capture and write to new file

Usage:
  robovac-log filter [flags] -o <out.cbor> <file.cbor>

Flags:
`)
		fs.PrintDefaults()
	}

	channel := fs.String("channel", "", "Filter by channel (local, cloud)")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	duid := fs.String("duid", "", "Filter by device id")
	output := fs.String("o", "", "Output file (required)")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: -o output file required")
		fs.Usage()
		os.Exit(1)
	}
	path := requirePath(fs)

	filter, err := commands.BuildFilter(*duid, *channel, *direction)
	if err != nil {
		fatal(err)
	}
	if err := commands.RunFilter(path, *output, filter); err != nil {
		fatal(err)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `robovac-log stats - Show statistics about the capture

Usage:
  robovac-log stats <file.cbor>
`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fatal(err)
	}
}

func requirePath(fs *flag.FlagSet) string {
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: capture file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
