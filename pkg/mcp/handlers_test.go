package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-sync/pkg/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	payload := "#2" + base64.StdEncoding.EncodeToString([]byte("http://cdn.example.org/3.mp4"))
	mux := http.NewServeMux()
	mux.HandleFunc("/films/page/1/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<div class="item"><a class="title" href="/films/3-third.html">x</a></div>`)
	})
	mux.HandleFunc("/films/3-third.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<h1>Third</h1><img class="poster" src="/img/3.jpg"><script>new Playerjs({file: "%s"});</script>`, payload)
	})
	site := httptest.NewServer(mux)
	t.Cleanup(site.Close)

	appCfg := &config.AppConfig{
		StateDir:          t.TempDir(),
		InitialRetryDelay: time.Millisecond,
		MaxRetryDelay:     time.Millisecond,
		Sync: config.SyncConfig{
			PolitenessMinDelay: time.Millisecond,
			PolitenessMaxDelay: time.Millisecond,
		},
		Sources: map[string]config.SourceConfig{
			"films": {
				BaseURL: site.URL,
				Listing: config.ListingConfig{SingleVideo: "/films/page/%d/"},
				Locators: config.Locators{
					ListingLinkSelector:    "div.item a.title",
					TitleSelector:          "h1",
					ImageSelector:          "img.poster",
					IDPattern:              `/(\d+)-`,
					SingleVideoPathPattern: `^/films/\d+`,
					EpisodicPathPattern:    `^/serials/\d+`,
					Decoder: config.DecoderConfig{
						Prefix:         "#2",
						PayloadPattern: `file:\s*"([^"]+)"`,
					},
				},
			},
		},
	}
	_, err := appCfg.Validate()
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s, err := NewServer(&ServerConfig{AppConfig: appCfg, ConfigPath: "test.yaml", Transport: "stdio", Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (map[string]any, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	if res.IsError {
		return map[string]any{"error": text.Text}, true
	}
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out, false
}

func waitForJob(t *testing.T, s *Server, jobID string) map[string]any {
	t.Helper()
	var status map[string]any
	require.Eventually(t, func() bool {
		status, _ = callTool(t, s.handleGetJobStatus, map[string]any{"job_id": jobID})
		return status["status"] != string(JobStatusRunning) && status["status"] != string(JobStatusPending)
	}, 10*time.Second, 10*time.Millisecond)
	return status
}

func TestStartSyncAndLookup(t *testing.T) {
	s := newTestServer(t)

	started, isErr := callTool(t, s.handleStartSync, map[string]any{"source_key": "films"})
	require.False(t, isErr, started["error"])
	assert.Equal(t, "started", started["status"])
	jobID, _ := started["job_id"].(string)
	require.NotEmpty(t, jobID)

	status := waitForJob(t, s, jobID)
	assert.Equal(t, string(JobStatusCompleted), status["status"])
	assert.EqualValues(t, 1, status["written"])
	report, ok := status["report"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, report["inserted"])

	found, isErr := callTool(t, s.handleLookupTitle, map[string]any{"source_key": "films", "path": "/films/3-third.html"})
	require.False(t, isErr, found["error"])
	assert.Equal(t, true, found["found"])
	assert.Equal(t, true, found["media_complete"])
	title, ok := found["title"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Third", title["title"])

	missing, _ := callTool(t, s.handleLookupTitle, map[string]any{"source_key": "films", "path": "/films/99-none.html"})
	assert.Equal(t, false, missing["found"])

	sources, _ := callTool(t, s.handleListSources, nil)
	list, ok := sources["sources"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	films := list[0].(map[string]any)
	assert.Equal(t, "idle", films["status"])
	lastRun, ok := films["last_run"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, lastRun["inserted"])

	jobs, _ := callTool(t, s.handleListJobs, nil)
	assert.EqualValues(t, 1, jobs["total"])
	active, _ := callTool(t, s.handleListJobs, map[string]any{"active_only": true})
	assert.EqualValues(t, 0, active["total"])

	// Stopping a finished job is a no-op
	stopped, _ := callTool(t, s.handleStopSync, map[string]any{"job_id": jobID})
	assert.Equal(t, "not_running", stopped["status"])
}

func TestHandlerArgumentErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name    string
		handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args    map[string]any
		want    string
	}{
		{"start without source", s.handleStartSync, map[string]any{}, "source_key"},
		{"start unknown source", s.handleStartSync, map[string]any{"source_key": "nope"}, "nope"},
		{"status without job", s.handleGetJobStatus, map[string]any{}, "job_id"},
		{"status unknown job", s.handleGetJobStatus, map[string]any{"job_id": "missing"}, "not found"},
		{"stop unknown job", s.handleStopSync, map[string]any{"job_id": "missing"}, "not found"},
		{"lookup without key", s.handleLookupTitle, map[string]any{"source_key": "films"}, "path or image"},
		{"lookup unknown source", s.handleLookupTitle, map[string]any{"source_key": "nope", "path": "/x"}, "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, isErr := callTool(t, tt.handler, tt.args)
			require.True(t, isErr)
			assert.Contains(t, out["error"], tt.want)
		})
	}
}

func TestFormatJSON(t *testing.T) {
	out := formatJSON(map[string]interface{}{"a": 1})
	assert.JSONEq(t, `{"a": 1}`, out)

	bad := formatJSON(map[string]interface{}{"ch": make(chan int)})
	assert.Contains(t, bad, "error")
}
