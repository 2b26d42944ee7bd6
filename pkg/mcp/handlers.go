package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"catalog-sync/pkg/crawler"
	"catalog-sync/pkg/models"
	"catalog-sync/pkg/orchestrate"
	"catalog-sync/pkg/parse"
)

// handleListSources handles the list_sources tool
func (s *Server) handleListSources(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	appCfg := s.cfg.AppConfig
	keys := orchestrate.GetAllSourceKeys(appCfg)
	sources := make([]map[string]interface{}, 0, len(keys))

	for _, key := range keys {
		srcCfg := appCfg.Sources[key]
		info := map[string]interface{}{
			"key":             key,
			"base_url":        srcCfg.BaseURL,
			"catalog_backend": appCfg.Catalog.Backend,
			"status":          "idle",
		}
		var listings []string
		if srcCfg.Listing.SingleVideo != "" {
			listings = append(listings, string(models.ContentTypeSingleVideo))
		}
		if srcCfg.Listing.Episodic != "" {
			listings = append(listings, string(models.ContentTypeEpisodic))
		}
		info["content_types"] = listings

		if report, err := crawler.LoadRunReport(appCfg.StateDir, key); err != nil {
			s.log.Warnf("Reading last run of '%s': %v", key, err)
		} else if report != nil {
			info["last_run"] = map[string]interface{}{
				"finished_at": report.EndTime.Format(time.RFC3339),
				"full_sync":   report.FullSync,
				"inserted":    report.Inserted,
				"updated":     report.Updated,
				"failed":      report.Failed,
				"stop_reason": report.StopReason,
				"entries":     report.CatalogEntries,
			}
		}

		if s.jobManager.IsRunning(key) {
			if job := s.jobManager.GetJobBySource(key); job != nil {
				info["status"] = string(job.Status)
				info["job_id"] = job.ID
			}
		}
		sources = append(sources, info)
	}

	result := map[string]interface{}{
		"sources":       sources,
		"config_path":   s.cfg.ConfigPath,
		"total_sources": len(sources),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleStartSync handles the start_sync tool
func (s *Server) handleStartSync(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sourceKey := request.GetString("source_key", "")
	if sourceKey == "" {
		return mcp.NewToolResultError("source_key parameter is required"), nil
	}
	if err := orchestrate.ValidateSourceKeys(s.cfg.AppConfig, []string{sourceKey}); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fullSync := request.GetBool("full_sync", false)
	forceUpdate := request.GetBool("force_update", false)

	job, created := s.jobManager.CreateJob(sourceKey, fullSync, forceUpdate)
	if !created {
		result := map[string]interface{}{
			"status":     "already_running",
			"message":    "A sync is already in progress for this source",
			"job_id":     job.ID,
			"source_key": sourceKey,
		}
		return mcp.NewToolResultText(formatJSON(result)), nil
	}

	src, err := s.registry.Source(ctx, sourceKey)
	if err != nil {
		s.jobManager.UpdateStatus(job.ID, JobStatusFailed, err.Error())
		return mcp.NewToolResultError(fmt.Sprintf("failed to prepare source: %v", err)), nil
	}

	opts := crawler.RunOptions{FullSync: fullSync, ForceUpdate: forceUpdate}
	events, err := src.Controller.StartWith(s.jobManager.GetContext(job.ID), opts)
	if err != nil {
		s.jobManager.UpdateStatus(job.ID, JobStatusFailed, err.Error())
		if errors.Is(err, orchestrate.ErrAlreadyRunning) {
			return mcp.NewToolResultError("a sync of this source is already running outside this server's jobs"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to start sync: %v", err)), nil
	}
	s.jobManager.UpdateStatus(job.ID, JobStatusRunning, "")
	go s.followJob(job.ID, src, events)

	result := map[string]interface{}{
		"status":       "started",
		"message":      "Sync started successfully",
		"job_id":       job.ID,
		"source_key":   sourceKey,
		"full_sync":    fullSync,
		"force_update": forceUpdate,
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// followJob folds the run's events into the job until the run ends
func (s *Server) followJob(jobID string, src *orchestrate.Source, events <-chan models.Event) {
	jobLog := s.log.WithFields(logrus.Fields{"job_id": jobID, "source": src.Runtime.SourceKey})
	for ev := range events {
		s.jobManager.ApplyEvent(jobID, ev)
		orchestrate.LogEvent(jobLog, ev)
	}

	err := src.Controller.Wait(context.Background())
	s.jobManager.SetReport(jobID, src.Runtime.Crawler.LastReport())
	switch {
	case err == nil:
		s.jobManager.UpdateStatus(jobID, JobStatusCompleted, "")
	case errors.Is(err, context.Canceled):
		s.jobManager.UpdateStatus(jobID, JobStatusCancelled, "")
	default:
		s.jobManager.UpdateStatus(jobID, JobStatusFailed, err.Error())
	}
	jobLog.Info("Sync job finished")
}

// handleStopSync handles the stop_sync tool
func (s *Server) handleStopSync(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}
	job := s.jobManager.GetJob(jobID)
	if job == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}
	if !job.Status.Active() {
		result := map[string]interface{}{
			"status": "not_running",
			"job_id": jobID,
			"state":  job.Status,
		}
		return mcp.NewToolResultText(formatJSON(result)), nil
	}

	if request.GetBool("cancel", false) {
		s.jobManager.CancelJob(jobID)
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{
			"status": "cancelled",
			"job_id": jobID,
		})), nil
	}

	src, err := s.registry.Source(ctx, job.SourceKey)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to reach source: %v", err)), nil
	}
	status := "not_running"
	if src.Controller.Stop() {
		s.jobManager.UpdateStatus(jobID, JobStatusStopping, "")
		status = "stop_requested"
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"status": status,
		"job_id": jobID,
	})), nil
}

// handleGetJobStatus handles the get_job_status tool
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job := s.jobManager.GetJob(jobID)
	if job == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	result := map[string]interface{}{
		"job_id":        job.ID,
		"source_key":    job.SourceKey,
		"status":        job.Status,
		"started_at":    job.StartedAt.Format(time.RFC3339),
		"full_sync":     job.FullSync,
		"force_update":  job.ForceUpdate,
		"content_type":  job.ContentType,
		"page":          job.Page,
		"page_progress": job.PageProgress,
		"processed":     job.Processed,
		"written":       job.Written,
		"failed":        job.Failed,
	}
	if job.CurrentTitle != "" {
		result["current_title"] = job.CurrentTitle
	}
	if job.Remaining > 0 && job.Status.Active() {
		result["remaining_seconds"] = job.Remaining.Seconds()
	}
	if job.LastNotice != "" {
		result["last_notice"] = job.LastNotice
	}
	if job.LastError != "" {
		result["last_error"] = job.LastError
	}
	if !job.CompletedAt.IsZero() {
		result["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		result["duration_seconds"] = job.CompletedAt.Sub(job.StartedAt).Seconds()
	}
	if job.ErrorMessage != "" {
		result["error_message"] = job.ErrorMessage
	}
	if job.Report != nil {
		result["report"] = job.Report
	}

	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleListJobs handles the list_jobs tool
func (s *Server) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	activeOnly := request.GetBool("active_only", false)
	jobs := s.jobManager.ListJobs()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.After(jobs[j].StartedAt) })

	list := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		if activeOnly && !job.Status.Active() {
			continue
		}
		list = append(list, map[string]interface{}{
			"job_id":     job.ID,
			"source_key": job.SourceKey,
			"status":     job.Status,
			"started_at": job.StartedAt.Format(time.RFC3339),
			"written":    job.Written,
			"failed":     job.Failed,
		})
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"jobs":  list,
		"total": len(list),
	})), nil
}

// handleLookupTitle handles the lookup_title tool
func (s *Server) handleLookupTitle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sourceKey := request.GetString("source_key", "")
	if sourceKey == "" {
		return mcp.NewToolResultError("source_key parameter is required"), nil
	}
	if err := orchestrate.ValidateSourceKeys(s.cfg.AppConfig, []string{sourceKey}); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path := request.GetString("path", "")
	image := request.GetString("image", "")
	if path == "" && image == "" {
		return mcp.NewToolResultError("one of path or image is required"), nil
	}

	src, err := s.registry.Source(ctx, sourceKey)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to open catalog: %v", err)), nil
	}

	var rec *models.TitleRecord
	if path != "" {
		path = parse.PathOf(path)
		rec, err = src.Runtime.Catalog.FindByPath(ctx, path)
	} else {
		rec, err = src.Runtime.Catalog.FindByImage(ctx, image)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("catalog lookup failed: %v", err)), nil
	}

	result := map[string]interface{}{
		"source_key": sourceKey,
		"found":      rec != nil,
	}
	if path != "" {
		result["path"] = path
	} else {
		result["image"] = image
	}
	if rec != nil {
		result["title"] = rec
		result["media_complete"] = rec.MediaComplete()
		if rec.Type == models.ContentTypeEpisodic {
			result["episode_count"] = rec.EpisodeCount()
		}
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// formatJSON formats data as an indented JSON string
func formatJSON(data map[string]interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
