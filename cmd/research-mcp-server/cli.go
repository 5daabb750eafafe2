package main

import (
	"flag"
	"fmt"
)

// cliFlags holds the command-line surface. -config names an optional config
// file whose values environment variables override (the teacher's own
// config-file-then-env layering in internal/config); -transport, when set,
// takes precedence over the MCP_TEST_MODE/stdout-is-a-pipe auto-detection;
// -log-format and -log-level have no environment-variable equivalent.
type cliFlags struct {
	configPath string
	transport  string // "", "stdio", or "http" — "" means auto-detect
	logFormat  string
	logLevel   string
}

func parseFlags(args []string) cliFlags {
	fs := flag.NewFlagSet("research-mcp-server", flag.ExitOnError)
	var f cliFlags
	fs.StringVar(&f.configPath, "config", "", "path to an optional YAML/JSON config file (env vars always take precedence)")
	fs.StringVar(&f.transport, "transport", "", "transport: stdio or http (default: auto-detect from MCP_TEST_MODE / whether stdout is a pipe)")
	fs.StringVar(&f.logFormat, "log-format", "text", "log output format: text or json")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintf(out, "research-mcp-server serves the web/academic/patent research MCP tool set\nover stdio or HTTP+SSE.\n\n")
		fmt.Fprintf(out, "Usage:\n  research-mcp-server [flags]\n\n")
		fmt.Fprintf(out, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(out, "\nExit codes: 0 clean shutdown, 1 configuration error, 2 fatal startup failure.\n")
	}

	fs.Parse(args)
	return f
}
