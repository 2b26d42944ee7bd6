package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"catalog-sync/pkg/catalog"
	"catalog-sync/pkg/config"
	"catalog-sync/pkg/crawler"
	"catalog-sync/pkg/models"
	"catalog-sync/pkg/orchestrate"
	"catalog-sync/pkg/utils"
	"catalog-sync/pkg/watch"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "sync":
		runSync(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "list-sources":
		runListSources(os.Args[2:])
	case "report":
		runReport(os.Args[2:])
	case "export-paths":
		runExportPaths(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("catalog-sync %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `catalog-sync - Film and serial catalog synchronizer

Usage:
  catalog-sync <command> [options]

Commands:
  sync          Run one sync of one or more sources
  watch         Re-sync sources on a schedule
  validate      Validate configuration file
  list-sources  List available source keys
  report        Show the last run report of a source
  export-paths  Write every stored title path of a source to a file
  mcp-server    Start MCP server for AI tool integration
  version       Show version info

Run 'catalog-sync <command> -h' for command-specific help.`)
}

// loadConfig loads and parses the config file
func loadConfig(path string) (*config.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg config.AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// parseSourceKeys resolves -source, -sources and -all-sources into a key list.
// A nil list with a nil error means every configured source.
func parseSourceKeys(source, sources string, allSources bool) ([]string, error) {
	switch {
	case allSources:
		return nil, nil
	case sources != "":
		var keys []string
		for _, s := range strings.Split(sources, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				keys = append(keys, s)
			}
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("-sources lists no source keys")
		}
		return keys, nil
	case source != "":
		return []string{source}, nil
	}
	return nil, fmt.Errorf("one of -source, -sources, or --all-sources is required")
}

// runSync handles the sync subcommand
func runSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	sourceKey := fs.String("source", "", "Source key from config (single source)")
	sources := fs.String("sources", "", "Comma-separated source keys synced in parallel")
	allSources := fs.Bool("all-sources", false, "Sync all configured sources in parallel")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	pprofAddr := fs.String("pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")
	fullSync := fs.Bool("full", false, "Sync both content types, one after the other")
	force := fs.Bool("force", false, "Re-resolve every stored title, ignoring update timestamps")
	startType := fs.String("start-type", "", "Content type to start with (single_video, episodic)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: catalog-sync sync [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  catalog-sync sync -source films_site\n")
		fmt.Fprintf(os.Stderr, "  catalog-sync sync -source films_site -full -force\n")
		fmt.Fprintf(os.Stderr, "  catalog-sync sync --all-sources\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	keys, err := parseSourceKeys(*sourceKey, *sources, *allSources)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		os.Exit(1)
	}

	opts := crawler.RunOptions{FullSync: *fullSync, ForceUpdate: *force}
	if *startType != "" {
		opts.StartType = models.ParseContentType(*startType)
		if opts.StartType == models.ContentTypeUnknown {
			fmt.Fprintf(os.Stderr, "Error: unknown content type %q\n", *startType)
			os.Exit(1)
		}
	}

	os.Exit(executeSync(*configFile, keys, *logLevel, *pprofAddr, opts))
}

// executeSync runs one sync of the given sources and returns the exit code
func executeSync(configFile string, sourceKeys []string, logLevelStr, pprofAddr string, opts crawler.RunOptions) int {
	runtime.SetBlockProfileRate(1000)
	runtime.SetMutexProfileFraction(1000)

	log := setupLogger(logLevelStr)
	appCfg := loadAndValidateConfig(configFile, log)
	logAppConfig(appCfg, log)

	if sourceKeys == nil {
		sourceKeys = orchestrate.GetAllSourceKeys(appCfg)
		log.Infof("All sources mode: found %d sources", len(sourceKeys))
	}
	if err := orchestrate.ValidateSourceKeys(appCfg, sourceKeys); err != nil {
		log.Errorf("Invalid source keys: %v", err)
		return 1
	}
	if !validateSourceConfigs(appCfg, sourceKeys, log) {
		return 1
	}
	if appCfg.Sync.ForceUpdate && !opts.ForceUpdate {
		opts.ForceUpdate = true
		log.Info("Force update enabled by sync.force_update")
	}

	startPprof(pprofAddr, log)

	logEntry := log.WithField("component", "sync")
	registry := orchestrate.NewRegistry(appCfg, logEntry)
	defer func() {
		if err := registry.Close(); err != nil {
			log.Errorf("Closing catalogs: %v", err)
		}
	}()
	orch := orchestrate.NewOrchestrator(appCfg, registry, sourceKeys, opts, logEntry)

	// First signal stops after the current title, second aborts, third exits
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("PANIC in signal handler: %v", r)
			}
		}()
		sig := <-sigChan
		log.Warnf("Received signal: %v. Stopping after the current title...", sig)
		orch.Stop()

		sig = <-sigChan
		log.Warnf("Received second signal: %v. Aborting sync...", sig)
		orch.Cancel()

		select {
		case sig = <-sigChan:
			log.Warnf("Received third signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	results := orch.Run(context.Background())
	for _, r := range results {
		if !r.Success {
			return 1
		}
	}
	return 0
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	sourceKey := fs.String("source", "", "Source key to validate (optional, validates all if empty)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: catalog-sync validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doValidate(*configFile, *sourceKey, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath, sourceKey string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	keys := []string{sourceKey}
	if sourceKey == "" {
		keys = orchestrate.GetAllSourceKeys(appCfg)
		if len(keys) == 0 {
			fmt.Fprintln(stderr, "Error: no sources configured")
			return 1
		}
	} else if _, ok := appCfg.Sources[sourceKey]; !ok {
		fmt.Fprintf(stderr, "Error: source '%s' not found in config\n", sourceKey)
		return 1
	}

	hasError := false
	for _, key := range keys {
		srcCfg := appCfg.Sources[key]
		srcWarnings, err := srcCfg.Validate()
		if err != nil {
			fmt.Fprintf(stderr, "ERROR: [%s] %v\n", key, err)
			hasError = true
			continue
		}
		for _, w := range srcWarnings {
			fmt.Fprintf(stdout, "WARN: [%s] %s\n", key, w)
		}
		fmt.Fprintf(stdout, "OK: [%s]\n", key)
	}
	if hasError {
		return 1
	}

	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runWatch handles the watch subcommand
func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	sourceKey := fs.String("source", "", "Source key from config (single source)")
	sources := fs.String("sources", "", "Comma-separated source keys")
	allSources := fs.Bool("all-sources", false, "Watch all configured sources")
	interval := fs.String("interval", "6h", "Sync interval (e.g., 30m, 1h, 24h, 7d)")
	fullEvery := fs.String("full-every", "7d", "Interval between full syncs of a source (0s = every run)")
	force := fs.Bool("force", false, "Re-resolve every stored title on every run")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: catalog-sync watch [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  catalog-sync watch -source films_site --interval 6h\n")
		fmt.Fprintf(os.Stderr, "  catalog-sync watch --all-sources --interval 1h --full-every 1d\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	keys, err := parseSourceKeys(*sourceKey, *sources, *allSources)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		os.Exit(1)
	}

	os.Exit(executeWatch(*configFile, keys, *interval, *fullEvery, *force, *logLevel))
}

// executeWatch runs the watch scheduler until a signal arrives
func executeWatch(configFile string, sourceKeys []string, intervalStr, fullEveryStr string, force bool, logLevelStr string) int {
	log := setupLogger(logLevelStr)

	interval, err := watch.ParseInterval(intervalStr)
	if err != nil {
		log.Errorf("Invalid interval: %v", err)
		return 1
	}
	var fullEvery time.Duration
	if fullEveryStr != "0" && fullEveryStr != "0s" {
		if fullEvery, err = watch.ParseInterval(fullEveryStr); err != nil {
			log.Errorf("Invalid full-every interval: %v", err)
			return 1
		}
	}
	log.Infof("Watch interval: %s, full sync every: %s", watch.FormatInterval(interval), watch.FormatInterval(fullEvery))

	appCfg := loadAndValidateConfig(configFile, log)

	if sourceKeys == nil {
		sourceKeys = orchestrate.GetAllSourceKeys(appCfg)
		log.Infof("All sources mode: found %d sources", len(sourceKeys))
	}
	if err := orchestrate.ValidateSourceKeys(appCfg, sourceKeys); err != nil {
		log.Errorf("Invalid source keys: %v", err)
		return 1
	}
	if !validateSourceConfigs(appCfg, sourceKeys, log) {
		return 1
	}

	logEntry := log.WithField("component", "watch")
	registry := orchestrate.NewRegistry(appCfg, logEntry)
	defer func() {
		if err := registry.Close(); err != nil {
			log.Errorf("Closing catalogs: %v", err)
		}
	}()

	opts := watch.Options{Interval: interval, FullEvery: fullEvery, ForceUpdate: force || appCfg.Sync.ForceUpdate}
	scheduler := watch.NewScheduler(appCfg, registry, sourceKeys, opts, logEntry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Run(ctx); err != nil {
		log.Errorf("Watch scheduler error: %v", err)
		return 1
	}

	log.Info("Watch mode stopped")
	return 0
}

// runListSources handles the list-sources subcommand
func runListSources(args []string) {
	fs := flag.NewFlagSet("list-sources", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: catalog-sync list-sources [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doListSources(*configFile, os.Stdout, os.Stderr))
}

// doListSources lists sources and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doListSources(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	keys := make([]string, 0, len(appCfg.Sources))
	for k := range appCfg.Sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(stdout, "Sources in %s:\n\n", configPath)
	for _, key := range keys {
		src := appCfg.Sources[key]
		fmt.Fprintf(stdout, "  %s\n", key)
		fmt.Fprintf(stdout, "    Base URL: %s\n", src.BaseURL)
		if src.Listing.SingleVideo != "" {
			fmt.Fprintf(stdout, "    Films: %s\n", src.Listing.SingleVideo)
		}
		if src.Listing.Episodic != "" {
			fmt.Fprintf(stdout, "    Serials: %s\n", src.Listing.Episodic)
		}
		fmt.Fprintln(stdout)
	}
	return 0
}

// runReport handles the report subcommand
func runReport(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	sourceKey := fs.String("source", "", "Source key from config")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: catalog-sync report -source <key> [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *sourceKey == "" {
		fmt.Fprintln(os.Stderr, "Error: -source is required")
		fs.Usage()
		os.Exit(1)
	}

	os.Exit(doReport(*configFile, *sourceKey, os.Stdout, os.Stderr))
}

// doReport prints the last run report of a source as YAML.
// Returns exit code (0 = success, 1 = error).
func doReport(configPath, sourceKey string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := appCfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := orchestrate.ValidateSourceKeys(appCfg, []string{sourceKey}); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	report, err := crawler.LoadRunReport(appCfg.StateDir, sourceKey)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if report == nil {
		fmt.Fprintf(stdout, "No run recorded for '%s' yet.\n", sourceKey)
		return 0
	}

	data, err := yaml.Marshal(report)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Last run of '%s':\n\n%s", sourceKey, data)
	return 0
}

// runExportPaths handles the export-paths subcommand
func runExportPaths(args []string) {
	fs := flag.NewFlagSet("export-paths", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	sourceKey := fs.String("source", "", "Source key from config")
	output := fs.String("output", "", "Output file (default <state_dir>/<source>-paths.txt)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: catalog-sync export-paths -source <key> [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *sourceKey == "" {
		fmt.Fprintln(os.Stderr, "Error: -source is required")
		fs.Usage()
		os.Exit(1)
	}

	os.Exit(doExportPaths(*configFile, *sourceKey, *output, os.Stdout, os.Stderr))
}

// doExportPaths writes every stored title path of a source to a file.
// Returns exit code (0 = success, 1 = error).
func doExportPaths(configPath, sourceKey, output string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := appCfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := orchestrate.ValidateSourceKeys(appCfg, []string{sourceKey}); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if output == "" {
		output = filepath.Join(appCfg.StateDir, utils.SanitizeFilename(sourceKey)+"-paths.txt")
	}

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	ctx := context.Background()
	cat, err := catalog.Open(ctx, appCfg.Catalog, appCfg.StateDir, sourceKey, logrus.NewEntry(quiet))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cat.Close()

	exporter, ok := cat.(catalog.PathExporter)
	if !ok {
		fmt.Fprintf(stderr, "Error: catalog backend %q cannot export paths\n", appCfg.Catalog.Backend)
		return 1
	}
	n, err := exporter.WritePathLog(ctx, output)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Wrote %d paths to %s\n", n, output)
	return 0
}

// setupLogger creates a configured logrus.Logger with the given log level.
func setupLogger(logLevelStr string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
	} else {
		log.SetLevel(level)
		log.Infof("Setting log level to: %s", level.String())
	}

	return log
}

// loadAndValidateConfig loads the config file, validates it, and logs warnings.
func loadAndValidateConfig(configFile string, log *logrus.Logger) *config.AppConfig {
	log.Infof("Loading configuration from %s", configFile)
	appCfg, err := loadConfig(configFile)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	appWarnings, err := appCfg.Validate()
	for _, w := range appWarnings {
		log.Warn(w)
	}
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	return appCfg
}

// startPprof starts the pprof HTTP server if addr is non-empty.
func startPprof(addr string, log *logrus.Logger) {
	if addr != "" {
		go func() {
			log.Infof("Starting pprof server at http://%s/debug/pprof/", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Errorf("pprof server error: %v", err)
			}
		}()
	}
}

// validateSourceConfigs validates each source and logs warnings. It reports false on the first invalid source.
func validateSourceConfigs(appCfg *config.AppConfig, sourceKeys []string, log *logrus.Logger) bool {
	for _, key := range sourceKeys {
		srcCfg := appCfg.Sources[key]
		srcWarnings, err := srcCfg.Validate()
		if err != nil {
			log.Errorf("Source '%s' configuration error: %v", key, err)
			return false
		}
		for _, w := range srcWarnings {
			log.Warnf("[%s] %s", key, w)
		}
	}
	return true
}

// logAppConfig logs the effective global configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Global Config: UserAgent:'%s', StateDir:%s, GlobalSyncTimeout:%v",
		appCfg.DefaultUserAgent, appCfg.StateDir, appCfg.GlobalSyncTimeout)
	log.Infof("Global Config Retries: Max:%d, InitialDelay:%v, MaxDelay:%v",
		appCfg.MaxRetries, appCfg.InitialRetryDelay, appCfg.MaxRetryDelay)
	log.Infof("Global Config Catalog: Backend:%s, GCInterval:%v",
		appCfg.Catalog.Backend, appCfg.Catalog.GCInterval)
	s := appCfg.Sync
	log.Infof("Global Config Sync: Politeness:%v-%v, PageTimeout:%v, ProbeTimeout:%v",
		s.PolitenessMinDelay, s.PolitenessMaxDelay, s.PageTimeout, s.ProbeTimeout)
	log.Infof("Global Config Sync: MaxItemAttempts:%d, AutoStop:%d, UpdateWindow:%v, MaxPages:%d, Timezone:%s",
		s.MaxItemAttempts, s.AutoStopThreshold, s.UpdateWindow, s.MaxPages, s.Timezone)
	log.Infof("Global Config HTTP Client: Timeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, IdleTimeout:%v, TLSTimeout:%v, DialerTimeout:%v",
		appCfg.HTTPClientSettings.Timeout, appCfg.HTTPClientSettings.MaxIdleConns, appCfg.HTTPClientSettings.MaxIdleConnsPerHost,
		appCfg.HTTPClientSettings.IdleConnTimeout, appCfg.HTTPClientSettings.TLSHandshakeTimeout, appCfg.HTTPClientSettings.DialerTimeout)
}
