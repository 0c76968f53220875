package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vdobridge/vdobridge/internal/config"
	"github.com/vdobridge/vdobridge/internal/logging"
	"github.com/vdobridge/vdobridge/internal/mcp"
	"github.com/vdobridge/vdobridge/internal/tools"
	"github.com/vdobridge/vdobridge/internal/transport"
)

const version = "v" + tools.Version

func main() {
	var (
		mode     = flag.String("mode", "stdio", "MCP transport mode: stdio or http")
		logLevel = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		profile  = flag.String("profile", "", "tool profile (full, messaging, files, state)")
		showVer  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println(version)
		return
	}

	logger := logging.New("vdobridge", *logLevel)
	defaults := config.FromEnv()
	if *profile != "" {
		defaults.ToolProfile = *profile
	}

	factory := func() (transport.Transport, error) {
		return transport.NewWebRTCTransport(transport.WebRTCConfig{
			Endpoint: config.DefaultEndpoint,
			Logger:   logger,
		}), nil
	}

	toolServer := tools.NewServer(factory, defaults, logger)
	defer toolServer.Close()

	server, err := mcp.NewServer(toolServer, defaults.ToolProfile, logger)
	if err != nil {
		logger.Error("startup failed", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "stdio":
		t := mcp.NewStdioTransport(server, os.Stdin, os.Stdout, defaults.MaxMessageBytes, logger)
		if err := t.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("stdio transport failed", "error", err.Error())
			os.Exit(1)
		}
	case "http":
		t := mcp.NewHTTPTransport(server, mcp.HTTPConfig{
			Path:         defaults.HTTPPath,
			BearerToken:  defaults.HTTPToken,
			AllowOrigin:  defaults.HTTPOrigin,
			MaxBodyBytes: defaults.HTTPBodyMax,
		}, logger)
		logger.Info("serving http", "addr", defaults.HTTPAddr(), "path", defaults.HTTPPath)
		if err := t.ListenAndServe(ctx, defaults.HTTPAddr()); err != nil {
			logger.Error("http transport failed", "error", err.Error())
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q (want stdio or http)\n", *mode)
		os.Exit(2)
	}
}
