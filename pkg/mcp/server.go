package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rmax-ai/genbroker/pkg/client"
)

const maxWaitSeconds = 300

// Server adapts genbroker-d to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance.
func NewServer(apiURL string, opts ...client.Option) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"genbroker",
			"1.0.0",
		),
		apiClient: client.NewClient(apiURL, opts...),
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	// genbroker://pool/stats
	s.mcpServer.AddResource(mcp.NewResource(
		"genbroker://pool/stats",
		"Credential Pool Stats",
		mcp.WithResourceDescription("Health, tier and utilization counts for the credential pool"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadStats)

	// genbroker://credentials
	s.mcpServer.AddResource(mcp.NewResource(
		"genbroker://credentials",
		"Pooled Credentials",
		mcp.WithResourceDescription("Redacted list of pooled credentials (fingerprints only, requires admin token)"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadCredentials)
}

// --- Tools ---

func (s *Server) registerTools() {
	// pool_stats
	s.mcpServer.AddTool(mcp.NewTool(
		"pool_stats",
		mcp.WithDescription("Summarize the credential pool: how many credentials are usable and how much daily quota is spent."),
	), s.handlePoolStats)

	// job_status
	s.mcpServer.AddTool(mcp.NewTool(
		"job_status",
		mcp.WithDescription("Get the latest known status of a generation job."),
		mcp.WithString("generation_id", mcp.Required(), mcp.Description("The generation job id")),
	), s.handleJobStatus)

	// wait_for_job
	s.mcpServer.AddTool(mcp.NewTool(
		"wait_for_job",
		mcp.WithDescription("Follow a generation job until it completes or fails. Returns the final status."),
		mcp.WithString("generation_id", mcp.Required(), mcp.Description("The generation job id")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Give up after this many seconds (default 120, max 300)")),
	), s.handleWaitForJob)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"genbroker-aware",
		mcp.WithPromptDescription("Provides context about genbroker concepts (credential pool, leases, job progress)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func (s *Server) handleReadStats(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	stats, err := s.apiClient.PoolStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pool stats: %w", err)
	}
	return jsonResource(request.Params.URI, stats)
}

func (s *Server) handleReadCredentials(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	creds, err := s.apiClient.ListCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return jsonResource(request.Params.URI, creds)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handlePoolStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.apiClient.PoolStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Credentials: %d total, %d active, %d healthy, %d expired, %d invalid\n",
		st.Total, st.Active, st.Healthy, st.Expired, st.Invalid)
	fmt.Fprintf(&b, "Daily quota used: %.1f%%", st.UtilizationPercent)
	if st.Active == 0 {
		b.WriteString("\nNo credential is currently selectable; generation requests will be refused.")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "generation_id", "")
	if id == "" {
		return mcp.NewToolResultError("generation_id is required"), nil
	}

	st, err := s.apiClient.JobStatus(ctx, id)
	if errors.Is(err, client.ErrJobNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("No progress recorded for job %s", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	msg := fmt.Sprintf("Status: %s\nProgress: %d%%", st.StatusNormalized, st.Progress)
	if st.AudioURL != "" {
		msg += "\nAudio: " + st.AudioURL
	}
	if st.Error != "" {
		msg += "\nError: " + st.Error
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) handleWaitForJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "generation_id", "")
	if id == "" {
		return mcp.NewToolResultError("generation_id is required"), nil
	}
	secs := mcp.ParseFloat64(request, "timeout_seconds", 120)
	if secs <= 0 || secs > maxWaitSeconds {
		secs = maxWaitSeconds
	}
	timeout := time.Duration(secs * float64(time.Second))

	sync := s.apiClient.Watch(ctx, id, client.SyncConfig{Timeout: timeout})
	final, err := sync.Wait(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Job %s did not finish: %v", id, err)), nil
	}

	msg := fmt.Sprintf("Job %s finished: %s", id, final.Status)
	if final.AudioURL != "" {
		msg += "\nAudio: " + final.AudioURL
	}
	if final.Error != "" {
		msg += "\nError: " + final.Error
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "genbroker-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are interacting with genbroker, a credential broker for a music generation service.

Concepts:
- Credential: a bearer token for the generation service. Tokens are never shown; only fingerprints.
- Pool: the set of credentials. A credential is usable while healthy, unexpired and under its daily quota.
- Job: a generation request, identified by its generation id. Jobs move through queued, processing, ready, then complete or failed.

Use 'pool_stats' before starting many jobs; if no credential is active, tell the user instead of retrying.
Use 'job_status' for a quick look at a job and 'wait_for_job' to follow it to the end.
`

	return mcp.NewGetPromptResult(
		"genbroker-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}
