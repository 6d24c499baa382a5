package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	mcp "github.com/kenu/okmcp"
	"golang.org/x/sync/errgroup"
)

type call struct {
	tool   string
	method string
	params any
}

var demoCalls = []call{
	{tool: "calculator", method: "add", params: []any{5, 3}},
	{tool: "weather", method: "getTemperature", params: []any{"서울"}},
}

const usage = `usage: toolcall [flags] <command> [args]

commands:
  tools                          list the tools the server offers
  call <tool> <method> [params]  call a tool method; params is a JSON array
  demo                           call calculator.add and weather.getTemperature concurrently

flags:
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("toolcall", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	envFile := fs.String("env", ".env", "file to load environment variables from")
	server := fs.String("server", "", "server base URL, overrides MCP_SERVER_URL")
	transport := fs.String("transport", "", "http or websocket, overrides MCP_TRANSPORT")
	verbose := fs.Bool("v", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFile, err)
	}

	cfg, err := mcp.ConfigFromEnv()
	if err != nil {
		return err
	}
	if *server != "" {
		cfg.ServerURL = *server
	}
	if *transport != "" {
		cfg.Transport = *transport
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cli, err := mcp.NewClientFromConfig(cfg, mcp.WithLogger(logger))
	if err != nil {
		return err
	}
	if !cli.Connect(ctx) {
		return fmt.Errorf("failed to connect to %s", cfg.ServerURL)
	}
	defer cli.Disconnect()

	if id := cli.SessionID(); id != "" {
		logger.Info("session established", slog.String("session_id", id))
	}

	switch cmd := fs.Arg(0); cmd {
	case "tools":
		return listTools(ctx, cli, stdout)
	case "call":
		c, err := parseCall(fs.Args()[1:])
		if err != nil {
			fs.Usage()
			return err
		}
		return callTool(ctx, cli, stdout, c)
	case "demo", "":
		return demo(ctx, cli, stdout)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func listTools(ctx context.Context, cli *mcp.Client, w io.Writer) error {
	tools, err := cli.TryListTools(ctx)
	if err != nil {
		return err
	}
	if len(tools) == 0 {
		fmt.Fprintln(w, "no tools available")
		return nil
	}
	for _, tool := range tools {
		if tool.Description != "" {
			fmt.Fprintf(w, "%s: %s\n", tool.Name, tool.Description)
			continue
		}
		fmt.Fprintln(w, tool.Name)
	}
	return nil
}

func parseCall(args []string) (call, error) {
	if len(args) < 2 || len(args) > 3 {
		return call{}, errors.New("call needs a tool, a method and optional params")
	}
	c := call{tool: args[0], method: args[1], params: []any{}}
	if len(args) == 3 {
		var params []any
		if err := json.Unmarshal([]byte(args[2]), &params); err != nil {
			return call{}, fmt.Errorf("params must be a JSON array: %w", err)
		}
		c.params = params
	}
	return c, nil
}

func callTool(ctx context.Context, cli *mcp.Client, w io.Writer, c call) error {
	result, err := cli.CallTool(ctx, c.tool, c.method, c.params)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s.%s: %s\n", c.tool, c.method, result)
	return nil
}

func demo(ctx context.Context, cli *mcp.Client, w io.Writer) error {
	results := make([]json.RawMessage, len(demoCalls))

	g, ctx := errgroup.WithContext(ctx)
	for i, c := range demoCalls {
		g.Go(func() error {
			result, err := cli.CallTool(ctx, c.tool, c.method, c.params)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, c := range demoCalls {
		fmt.Fprintf(w, "%s.%s: %s\n", c.tool, c.method, results[i])
	}
	return nil
}
