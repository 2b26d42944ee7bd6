package crawler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"catalog-sync/pkg/models"
	"catalog-sync/pkg/utils"
)

const runReportSuffix = "_last_run.yaml"

// OutputManager owns the run report file of one source under the state directory
type OutputManager struct {
	log       *logrus.Entry
	stateDir  string
	sourceKey string
}

// NewOutputManager creates an OutputManager. Nothing is written until WriteRunReport.
func NewOutputManager(log *logrus.Entry, stateDir, sourceKey string) *OutputManager {
	return &OutputManager{log: log, stateDir: stateDir, sourceKey: sourceKey}
}

// RunReportPath returns <state_dir>/<source>_last_run.yaml
func RunReportPath(stateDir, sourceKey string) string {
	return filepath.Join(stateDir, utils.SanitizeFilename(sourceKey)+runReportSuffix)
}

// WriteRunReport replaces the source's last run report
func (om *OutputManager) WriteRunReport(report *models.RunReport) error {
	if err := os.MkdirAll(om.stateDir, 0755); err != nil {
		return fmt.Errorf("%w: creating state dir '%s': %w", utils.ErrFilesystem, om.stateDir, err)
	}
	yamlFilePath := RunReportPath(om.stateDir, om.sourceKey)

	yamlData, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal run report for source '%s': %w", om.sourceKey, err)
	}

	// Write to a temp file and rename so readers never see a partial report
	tmpPath := yamlFilePath + ".tmp"
	if err := os.WriteFile(tmpPath, yamlData, 0644); err != nil {
		return fmt.Errorf("%w: writing run report '%s': %w", utils.ErrFilesystem, tmpPath, err)
	}
	if err := os.Rename(tmpPath, yamlFilePath); err != nil {
		return fmt.Errorf("%w: renaming run report '%s': %w", utils.ErrFilesystem, yamlFilePath, err)
	}

	om.log.Infof("Wrote run report to %s", yamlFilePath)
	return nil
}

// LoadRunReport reads the last run report of a source. Returns nil, nil when no run has finished yet.
func LoadRunReport(stateDir, sourceKey string) (*models.RunReport, error) {
	path := RunReportPath(stateDir, sourceKey)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading run report '%s': %w", utils.ErrFilesystem, path, err)
	}
	var report models.RunReport
	if err := yaml.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("%w: run report '%s': %w", utils.ErrParsing, path, err)
	}
	return &report, nil
}
