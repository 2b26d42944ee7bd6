package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"catalog-sync/pkg/config"
	"catalog-sync/pkg/orchestrate"
)

const (
	serverName    = "catalog-sync"
	serverVersion = "1.0.0"
)

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig  *config.AppConfig
	ConfigPath string
	Transport  string // "stdio" or "sse"
	Port       int
	Logger     *logrus.Logger
}

// Server exposes sync control and catalog lookups as MCP tools
type Server struct {
	mcpServer  *server.MCPServer
	cfg        *ServerConfig
	log        *logrus.Entry
	jobManager *JobManager
	registry   *orchestrate.Registry
}

// NewServer creates a new MCP server instance. Sources are opened on first use.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	log := cfg.Logger.WithField("component", "mcp")

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
	)

	s := &Server{
		mcpServer:  mcpServer,
		cfg:        cfg,
		log:        log,
		jobManager: NewJobManager(),
		registry:   orchestrate.NewRegistry(cfg.AppConfig, logrus.NewEntry(cfg.Logger)),
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	listSourcesTool := mcp.NewTool("list_sources",
		mcp.WithDescription("List all configured sources with their last run and current status"),
	)
	s.mcpServer.AddTool(listSourcesTool, s.handleListSources)

	startSyncTool := mcp.NewTool("start_sync",
		mcp.WithDescription("Start a background sync of a configured source. Returns immediately with a job ID."),
		mcp.WithString("source_key",
			mcp.Required(),
			mcp.Description("Source key from the config file"),
		),
		mcp.WithBoolean("full_sync",
			mcp.Description("Sync both content types one after the other"),
		),
		mcp.WithBoolean("force_update",
			mcp.Description("Re-resolve every stored title, ignoring update timestamps"),
		),
	)
	s.mcpServer.AddTool(startSyncTool, s.handleStartSync)

	stopSyncTool := mcp.NewTool("stop_sync",
		mcp.WithDescription("Ask a running sync job to stop after the current title"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by start_sync"),
		),
		mcp.WithBoolean("cancel",
			mcp.Description("Abort immediately instead of stopping at the next title"),
		),
	)
	s.mcpServer.AddTool(stopSyncTool, s.handleStopSync)

	getJobStatusTool := mcp.NewTool("get_job_status",
		mcp.WithDescription("Get the progress of a sync job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by start_sync"),
		),
	)
	s.mcpServer.AddTool(getJobStatusTool, s.handleGetJobStatus)

	listJobsTool := mcp.NewTool("list_jobs",
		mcp.WithDescription("List sync jobs started by this server, newest first"),
		mcp.WithBoolean("active_only",
			mcp.Description("Only list jobs that have not ended"),
		),
	)
	s.mcpServer.AddTool(listJobsTool, s.handleListJobs)

	lookupTitleTool := mcp.NewTool("lookup_title",
		mcp.WithDescription("Look up a stored title by its path or poster image"),
		mcp.WithString("source_key",
			mcp.Required(),
			mcp.Description("Source key from the config file"),
		),
		mcp.WithString("path",
			mcp.Description("Canonical path of the title, e.g. /films/123-name.html"),
		),
		mcp.WithString("image",
			mcp.Description("Poster image URL"),
		),
	)
	s.mcpServer.AddTool(lookupTitleTool, s.handleLookupTitle)

	s.log.Infof("Registered %d MCP tools", 6)
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)
		return sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown cancels running jobs and closes every opened catalog
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	s.jobManager.CancelAll()
	done := make(chan error, 1)
	go func() { done <- s.registry.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
