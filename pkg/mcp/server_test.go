package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rmax-ai/genbroker/pkg/client"
)

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("Expected content in result")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("Expected TextContent, got %T", result.Content[0])
	}
	return text.Text
}

func toolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPServer_ReadStats(t *testing.T) {
	apiHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/pool/stats" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"total": 3, "active": 2, "healthy": 2, "expired": 1, "invalid": 0, "utilizationPercent": 12.5}`))
			return
		}
		http.NotFound(w, r)
	})
	ts := httptest.NewServer(apiHandler)
	defer ts.Close()

	s := NewServer(ts.URL)

	req := mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: "genbroker://pool/stats",
		},
	}

	result, err := s.handleReadStats(context.Background(), req)
	if err != nil {
		t.Fatalf("handleReadStats failed: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("Expected 1 resource content, got %d", len(result))
	}

	content, ok := result[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("Expected TextResourceContents")
	}
	if content.MIMEType != "application/json" {
		t.Errorf("Expected application/json, got %s", content.MIMEType)
	}

	var stats map[string]interface{}
	if err := json.Unmarshal([]byte(content.Text), &stats); err != nil {
		t.Errorf("Failed to parse result JSON: %v", err)
	}
	if stats["total"] != float64(3) {
		t.Errorf("Expected total 3, got %v", stats["total"])
	}
}

func TestMCPServer_ReadCredentialsSendsToken(t *testing.T) {
	apiHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer adm" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"c1","fingerprint":"deadbeef"}]`))
	})
	ts := httptest.NewServer(apiHandler)
	defer ts.Close()

	req := mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: "genbroker://credentials"}}

	if _, err := NewServer(ts.URL).handleReadCredentials(context.Background(), req); err == nil {
		t.Error("Expected error without admin token")
	}

	s := NewServer(ts.URL, client.WithAdminToken("adm"))
	result, err := s.handleReadCredentials(context.Background(), req)
	if err != nil {
		t.Fatalf("handleReadCredentials failed: %v", err)
	}
	content := result[0].(mcp.TextResourceContents)
	if !strings.Contains(content.Text, "deadbeef") {
		t.Errorf("Expected fingerprint in %s", content.Text)
	}
}

func TestMCPServer_PoolStatsTool(t *testing.T) {
	apiHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"total": 2, "active": 0, "healthy": 0, "expired": 2, "invalid": 0, "utilizationPercent": 0}`))
	})
	ts := httptest.NewServer(apiHandler)
	defer ts.Close()

	result, err := NewServer(ts.URL).handlePoolStats(context.Background(), toolRequest("pool_stats", nil))
	if err != nil {
		t.Fatalf("handlePoolStats failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("Expected success, got error")
	}
	text := resultText(t, result)
	if !strings.Contains(text, "2 total") || !strings.Contains(text, "No credential is currently selectable") {
		t.Errorf("Unexpected summary: %s", text)
	}
}

func TestMCPServer_JobStatus(t *testing.T) {
	apiHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/jobs/job-1/status":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"complete","statusNormalized":"complete","running":false,"progress":100,"audioUrl":"https://cdn.example/a.mp3"}`))
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"not_found"}`))
		}
	})
	ts := httptest.NewServer(apiHandler)
	defer ts.Close()

	s := NewServer(ts.URL)

	result, err := s.handleJobStatus(context.Background(), toolRequest("job_status", map[string]interface{}{"generation_id": "job-1"}))
	if err != nil {
		t.Fatalf("handleJobStatus failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("Expected success, got error: %s", resultText(t, result))
	}
	if text := resultText(t, result); !strings.Contains(text, "complete") || !strings.Contains(text, "a.mp3") {
		t.Errorf("Unexpected status text: %s", text)
	}

	result, _ = s.handleJobStatus(context.Background(), toolRequest("job_status", map[string]interface{}{"generation_id": "job-2"}))
	if !result.IsError {
		t.Error("Expected error result for unknown job")
	}

	result, _ = s.handleJobStatus(context.Background(), toolRequest("job_status", nil))
	if !result.IsError {
		t.Error("Expected error result for missing id")
	}
}

func TestMCPServer_WaitForJobPolls(t *testing.T) {
	// No websocket endpoint: the sync falls back to the status endpoint.
	apiHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/jobs/job-1/status" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"failed","statusNormalized":"failed","running":false,"error":"quota"}`))
			return
		}
		http.NotFound(w, r)
	})
	ts := httptest.NewServer(apiHandler)
	defer ts.Close()

	result, err := NewServer(ts.URL).handleWaitForJob(context.Background(), toolRequest("wait_for_job", map[string]interface{}{
		"generation_id":   "job-1",
		"timeout_seconds": 10.0,
	}))
	if err != nil {
		t.Fatalf("handleWaitForJob failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("Expected success, got error: %s", resultText(t, result))
	}
	if text := resultText(t, result); !strings.Contains(text, "failed") || !strings.Contains(text, "quota") {
		t.Errorf("Unexpected result: %s", text)
	}
}

func TestMCPServer_Prompt(t *testing.T) {
	s := NewServer("http://127.0.0.1:1")

	res, err := s.handleGetPrompt(context.Background(), mcp.GetPromptRequest{Params: mcp.GetPromptParams{Name: "genbroker-aware"}})
	if err != nil {
		t.Fatalf("handleGetPrompt failed: %v", err)
	}
	if len(res.Messages) != 1 {
		t.Errorf("Expected 1 message, got %d", len(res.Messages))
	}

	if _, err := s.handleGetPrompt(context.Background(), mcp.GetPromptRequest{Params: mcp.GetPromptParams{Name: "other"}}); err == nil {
		t.Error("Expected error for unknown prompt")
	}
}
