// Parley is a tool-using conversational agent runtime.
//
// It turns a single language model into an assistant that can call
// tools, keeps per-user conversation history, and exposes the loop over
// an HTTP and WebSocket API, an Ollama-compatible chat surface, MQTT,
// and an interactive terminal. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley serve               Start the API server
//	parley init [dir]          Initialize a working directory with defaults
//	parley ask <question>      Ask a single question
//	parley chat                Chat interactively on the terminal
//	parley tools               List the tools available to the model
//	parley history <user>      Print a user's stored history
//	parley forget <user>       Delete a user's stored history
//	parley version             Print version and build information
//	parley -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/config"

	_ "github.com/mattn/go-sqlite3" // database/sql driver "sqlite3"
	_ "modernc.org/sqlite"          // database/sql driver "sqlite"
)

// main builds the OS-level environment and delegates to [run], which
// keeps os.Exit, the standard streams and os.Args out of the
// application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every command.
type options struct {
	configPath string
	outputFmt  string // text or json
	userID     string
}

// run is the real entry point for the parley command. Arguments are
// parsed by hand so run holds no package-level flag state and can be
// driven concurrently from tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case (args[i] == "-user" || args[i] == "--user") && i+1 < len(args):
			opts.userID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-user="):
			opts.userID = strings.TrimPrefix(args[i], "-user=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}
	if opts.userID == "" {
		opts.userID = agent.DefaultUserID
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: parley ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, opts)
	case "tools":
		return runTools(stdout, stderr, opts)
	case "history":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: parley history <user>")
		}
		return runHistory(ctx, stdout, stderr, opts, cmdArgs[0])
	case "forget":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: parley forget <user>")
		}
		return runForget(ctx, stdout, stderr, opts, cmdArgs[0])
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, kv := range [][2]string{
		{"version", info.Version},
		{"commit", info.Commit},
		{"build_time", info.BuildTime},
		{"go_version", info.GoVersion},
		{"platform", info.Platform},
	} {
		fmt.Fprintf(w, "  %-12s %s\n", kv[0]+":", kv[1])
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - tool-using conversational agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the API server")
	fmt.Fprintln(w, "  init [dir]       Initialize a working directory (default: .)")
	fmt.Fprintln(w, "  ask <question>   Ask a single question")
	fmt.Fprintln(w, "  chat             Chat interactively (/quit to leave)")
	fmt.Fprintln(w, "  tools            List the tools available to the model")
	fmt.Fprintln(w, "  history <user>   Print a user's stored history")
	fmt.Fprintln(w, "  forget <user>    Delete a user's stored history")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -user <id>        User for ask and chat (default: default)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
