package watch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"catalog-sync/pkg/config"
	"catalog-sync/pkg/orchestrate"
)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"1h", time.Hour, false},
		{"24h", 24 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1d12h", 36 * time.Hour, false},
		{"2d6h", 54 * time.Hour, false},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseInterval(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseInterval(%q) expected error, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Errorf("ParseInterval(%q) unexpected error: %v", tt.input, err)
				return
			}
			if got != tt.expected {
				t.Errorf("ParseInterval(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatInterval(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{time.Hour, "1h"},
		{90 * time.Minute, "1h30m"},
		{24 * time.Hour, "1d"},
		{36 * time.Hour, "1d12h"},
		{7 * 24 * time.Hour, "7d"},
		{0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			got := FormatInterval(tt.input)
			if got != tt.expected {
				t.Errorf("FormatInterval(%v) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestStateManager(t *testing.T) {
	tmpDir := t.TempDir()
	sm := NewStateManager(tmpDir)

	if err := sm.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if !sm.ShouldRun("films", time.Hour) {
		t.Error("ShouldRun() should return true for new source")
	}

	sm.Record("films", RunOutcome{Success: true, FullSync: true, Inserted: 12, Updated: 3, StopReason: "exhausted"})

	if sm.ShouldRun("films", time.Hour) {
		t.Error("ShouldRun() should return false immediately after run")
	}

	state, ok := sm.GetSourceState("films")
	if !ok {
		t.Fatal("GetSourceState() should return true for existing source")
	}
	if !state.LastRunSuccess {
		t.Error("LastRunSuccess should be true")
	}
	if state.Inserted != 12 || state.Updated != 3 {
		t.Errorf("Inserted/Updated = %d/%d, want 12/3", state.Inserted, state.Updated)
	}
	if state.LastFullSync.IsZero() {
		t.Error("LastFullSync should be set after a successful full sync")
	}

	if err := sm.Save(); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	statePath := filepath.Join(tmpDir, stateFileName)
	if _, err := os.Stat(statePath); os.IsNotExist(err) {
		t.Error("State file should exist after Save()")
	}

	sm2 := NewStateManager(tmpDir)
	if err := sm2.Load(); err != nil {
		t.Fatalf("Load() from saved state failed: %v", err)
	}
	state2, ok := sm2.GetSourceState("films")
	if !ok {
		t.Fatal("GetSourceState() should return true after Load()")
	}
	if state2.StopReason != "exhausted" {
		t.Errorf("Loaded StopReason = %q, want exhausted", state2.StopReason)
	}
}

func TestStateManagerLoadCorrupt(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, stateFileName), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := NewStateManager(tmpDir).Load(); err == nil {
		t.Error("Load() should fail on a corrupt state file")
	}
}

func TestStateManagerShouldRunFull(t *testing.T) {
	sm := NewStateManager(t.TempDir())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sm.now = func() time.Time { return now }

	if !sm.ShouldRunFull("films", 24*time.Hour) {
		t.Error("first run should be full")
	}

	sm.Record("films", RunOutcome{Success: true, FullSync: true})
	now = now.Add(time.Hour)
	if sm.ShouldRunFull("films", 24*time.Hour) {
		t.Error("run one hour after a full sync should be incremental")
	}
	if !sm.ShouldRunFull("films", 0) {
		t.Error("zero full_every should make every run full")
	}

	// Incremental and failed full runs keep the last full sync time
	sm.Record("films", RunOutcome{Success: true})
	sm.Record("films", RunOutcome{Success: false, FullSync: true, Err: errors.New("listing down")})
	state, _ := sm.GetSourceState("films")
	if want := now.Add(-time.Hour); !state.LastFullSync.Equal(want) {
		t.Errorf("LastFullSync = %v, want %v", state.LastFullSync, want)
	}
	if state.ErrorMessage != "listing down" {
		t.Errorf("ErrorMessage = %q, want 'listing down'", state.ErrorMessage)
	}

	now = now.Add(24 * time.Hour)
	if !sm.ShouldRunFull("films", 24*time.Hour) {
		t.Error("run a day after the last full sync should be full")
	}
}

func TestStateManagerGetAllSourceStates(t *testing.T) {
	sm := NewStateManager(t.TempDir())
	_ = sm.Load()

	sm.Record("films", RunOutcome{Success: true, Inserted: 50})
	sm.Record("serials", RunOutcome{Success: false, Err: errors.New("some error")})

	states := sm.GetAllSourceStates()
	if len(states) != 2 {
		t.Errorf("GetAllSourceStates() returned %d states, want 2", len(states))
	}
	if states["films"].Inserted != 50 {
		t.Errorf("films Inserted = %d, want 50", states["films"].Inserted)
	}
	if states["serials"].LastRunSuccess {
		t.Error("serials LastRunSuccess should be false")
	}
}

func TestStateManagerGetNextRunTime(t *testing.T) {
	sm := NewStateManager(t.TempDir())
	_ = sm.Load()

	if time.Since(sm.GetNextRunTime("new_source", time.Hour)) > time.Second {
		t.Error("GetNextRunTime() for new source should be approximately now")
	}

	sm.Record("films", RunOutcome{Success: true})
	state, _ := sm.GetSourceState("films")
	if got, want := sm.GetNextRunTime("films", time.Hour), state.LastRunTime.Add(time.Hour); !got.Equal(want) {
		t.Errorf("GetNextRunTime() = %v, want %v", got, want)
	}
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestSchedulerRunOnce(t *testing.T) {
	payload := "#2" + base64.StdEncoding.EncodeToString([]byte("http://cdn.example.org/7.mp4"))
	mux := http.NewServeMux()
	mux.HandleFunc("/films/page/1/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<div class="item"><a class="title" href="/films/7-film.html">x</a></div>`)
	})
	mux.HandleFunc("/films/7-film.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<h1>Seven</h1><script>new Playerjs({file: "%s"});</script>`, payload)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

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
				BaseURL: server.URL,
				Listing: config.ListingConfig{SingleVideo: "/films/page/%d/"},
				Locators: config.Locators{
					ListingLinkSelector:    "div.item a.title",
					TitleSelector:          "h1",
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
	if _, err := appCfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	registry := orchestrate.NewRegistry(appCfg, testLogger())
	defer registry.Close()
	s := NewScheduler(appCfg, registry, []string{"films"}, Options{Interval: time.Hour, FullEvery: 24 * time.Hour}, testLogger())

	results := s.RunOnce(context.Background())
	if len(results) != 1 {
		t.Fatalf("RunOnce() returned %d results, want 1", len(results))
	}
	if !results[0].Success {
		t.Fatalf("sync failed: %v", results[0].Error)
	}
	if results[0].Report == nil || results[0].Report.Inserted != 1 {
		t.Errorf("report = %+v, want one insert", results[0].Report)
	}

	state, ok := s.stateManager.GetSourceState("films")
	if !ok || state.LastFullSync.IsZero() {
		t.Errorf("state after first run = %+v, want a recorded full sync", state)
	}

	if again := s.RunOnce(context.Background()); len(again) != 0 {
		t.Errorf("second RunOnce() ran %d sources, want none due", len(again))
	}

	status := s.GetStatus()["films"]
	if status.NeverRun || status.NextIsFull {
		t.Errorf("status = %+v, want an incremental run scheduled", status)
	}

	reloaded := NewStateManager(appCfg.StateDir)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if _, ok := reloaded.GetSourceState("films"); !ok {
		t.Error("state should be persisted after RunOnce()")
	}
}
