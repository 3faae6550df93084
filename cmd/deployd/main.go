package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/deployd/internal/api"
	"github.com/mattjoyce/deployd/internal/config"
	"github.com/mattjoyce/deployd/internal/deployment"
	"github.com/mattjoyce/deployd/internal/dispatch"
	"github.com/mattjoyce/deployd/internal/doctor"
	"github.com/mattjoyce/deployd/internal/events"
	"github.com/mattjoyce/deployd/internal/install"
	"github.com/mattjoyce/deployd/internal/lock"
	"github.com/mattjoyce/deployd/internal/log"
	"github.com/mattjoyce/deployd/internal/metrics"
	"github.com/mattjoyce/deployd/internal/storage"
	"github.com/mattjoyce/deployd/internal/worker"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	os.Exit(run(os.Args[1], os.Args[2:]))
}

func run(cmd string, args []string) int {
	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "deployment":
		return runDeploymentNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "version":
		fmt.Printf("deployd version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`deployd - deploy control plane for isolated function workers

Usage:
  deployd <noun> <action> [flags]

Core Resources (Nouns):
  system       Service lifecycle and health
  deployment   Provisioned deployments (the suffix registry)
  config       Configuration and integrity

System Commands:
  system start          Start the API server in the foreground
  system status         Query a running server's health

Deployment Commands:
  deployment add        Provision a deployment
  deployment list       List provisioned deployments
  deployment remove     Tear down a deployment record

Config Commands:
  config lock           Record the config file hash in .checksums
  config check          Validate configuration against this host

General:
  version               Show version information
  help                  Show this help message

Use 'deployd <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

type action struct {
	run  func([]string) int
	help func()
}

func dispatchNoun(noun string, args []string, actions map[string]action, nounHelp func(w io.Writer)) int {
	if len(args) < 1 {
		nounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		nounHelp(os.Stdout)
		return 0
	}

	a, ok := actions[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, args[0])
		return 1
	}
	if hasHelpFlag(args[1:]) {
		a.help()
		return 0
	}
	return a.run(args[1:])
}

func runSystemNoun(args []string) int {
	return dispatchNoun("system", args, map[string]action{
		"start":  {runStart, printSystemStartHelp},
		"status": {runStatus, printSystemStatusHelp},
	}, printSystemNounHelp)
}

func runDeploymentNoun(args []string) int {
	return dispatchNoun("deployment", args, map[string]action{
		"add":    {runDeploymentAdd, printDeploymentAddHelp},
		"list":   {runDeploymentList, printDeploymentListHelp},
		"remove": {runDeploymentRemove, printDeploymentRemoveHelp},
	}, printDeploymentNounHelp)
}

func runConfigNoun(args []string) int {
	return dispatchNoun("config", args, map[string]action{
		"lock":  {runConfigLock, printConfigLockHelp},
		"check": {runConfigCheck, printConfigCheckHelp},
	}, printConfigNounHelp)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: deployd system <action>")
	fmt.Fprintln(w, "Actions: start, status")
}

func printDeploymentNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: deployd deployment <action> [flags]")
	fmt.Fprintln(w, "Actions: add, list, remove")
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: deployd config <action> [flags]")
	fmt.Fprintln(w, "Actions: lock, check")
}

func printSystemStartHelp() {
	fmt.Println("Usage: deployd system start [--config PATH]")
	fmt.Println("Start the API server in the foreground.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: deployd system status [--config PATH] [--json]")
	fmt.Println("Query /healthz on the configured listen address.")
}

func printDeploymentAddHelp() {
	fmt.Println("Usage: deployd deployment add --suffix NAME --source DIR [--id ID] [--resource-type Package|Repository]")
	fmt.Println("                              [--release R] [--plan P] [--version V] [--env KEY=VALUE ...] [--config PATH]")
	fmt.Println("Provision a deployment. Records are immutable; remove and re-add to change one.")
}

func printDeploymentListHelp() {
	fmt.Println("Usage: deployd deployment list [--config PATH] [--json]")
	fmt.Println("List provisioned deployments.")
}

func printDeploymentRemoveHelp() {
	fmt.Println("Usage: deployd deployment remove <suffix> [--config PATH]")
	fmt.Println("Remove a deployment record. Running workers are not affected.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: deployd config lock [--config PATH]")
	fmt.Println("Authorize the current config file by writing its blake3 hash to .checksums.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: deployd config check [--config PATH] [--format human|json] [--json] [--strict]")
	fmt.Println("Validate configuration syntax, integrity and host prerequisites.")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, resolved, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("deployd starting", "version", version, "config", resolved)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	hub := events.NewHub(0)
	collector := metrics.NewCollector("deployd", true)

	supervisor := worker.New(worker.Config{
		Command:          cfg.Worker.Command,
		Args:             cfg.Worker.Args,
		TerminationGrace: cfg.Worker.TerminationGrace,
		MaxLineBytes:     cfg.Worker.MaxLineBytes,
		Observer:         dispatch.LifecycleObserver{Events: hub, Metrics: collector},
	})

	var installer install.Installer = install.Noop{}
	if cfg.Install.Enabled {
		installer = install.NewCommandInstaller(cfg.Install)
	}

	coord := dispatch.New(dispatch.Deps{
		Deployments: deployment.NewStore(db),
		Installer:   installer,
		Supervisor:  supervisor,
		Events:      hub,
		Metrics:     collector,
	}, dispatch.Options{
		HostID:       cfg.Service.HostID,
		ChannelEnv:   cfg.Worker.ChannelEnv,
		ReadyTimeout: cfg.Dispatch.ReadyTimeout,
		WaitReady:    cfg.Dispatch.WaitReady,
	})

	apiServer := api.New(api.Config{
		Listen:     cfg.API.Listen,
		Production: cfg.Production(),
	}, coord, hub, collector.Handler(), log.WithComponent("api"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	logger.Info("deployd running (press Ctrl+C to stop)", "host_id", coord.HostID(), "listen", cfg.API.Listen)

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), supervisor.TerminationGrace()+5*time.Second)
	defer stop()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker shutdown incomplete", "error", err)
		code = 1
	}

	logger.Info("deployd stopped")
	return code
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	jsonOut := fs.Bool("json", false, "Output raw JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + cfg.API.Listen + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "deployd not reachable at %s: %v\n", cfg.API.Listen, err)
		return 1
	}
	defer resp.Body.Close()

	var health api.HealthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		fmt.Fprintf(os.Stderr, "Unexpected /healthz response: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, _ := json.MarshalIndent(health, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Printf("status:       %s\n", health.Status)
		fmt.Printf("host:         %s\n", health.HostID)
		fmt.Printf("uptime:       %s\n", time.Duration(health.UptimeSeconds)*time.Second)
		fmt.Printf("workers:      %d\n", health.Workers)
		fmt.Printf("applications: %d\n", health.Applications)
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// envFlag collects repeated --env KEY=VALUE flags.
type envFlag []deployment.EnvVar

func (e *envFlag) String() string {
	parts := make([]string, 0, len(*e))
	for _, v := range *e {
		parts = append(parts, fmt.Sprintf("%s=%v", v.Name, v.Value))
	}
	return strings.Join(parts, ",")
}

func (e *envFlag) Set(s string) error {
	v, err := deployment.ParseEnvVar(s)
	if err != nil {
		return err
	}
	*e = append(*e, v)
	return nil
}

func runDeploymentAdd(args []string) int {
	var (
		configPath string
		d          deployment.Deployment
		rt         string
		env        envFlag
	)

	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&d.Suffix, "suffix", "", "Lookup key used by /deploy")
	fs.StringVar(&d.ID, "id", "", "Deployment id (defaults to suffix)")
	fs.StringVar(&rt, "resource-type", string(deployment.ResourcePackage), "Package or Repository")
	fs.StringVar(&d.Release, "release", "", "Release tag")
	fs.StringVar(&d.Plan, "plan", "", "Plan name")
	fs.StringVar(&d.Version, "version", "", "Deployment version")
	fs.StringVar(&d.SourcePath, "source", "", "Directory holding the deployment's code")
	fs.Var(&env, "env", "Environment override KEY=VALUE (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	d.ResourceType = deployment.ResourceType(rt)
	d.Env = env
	if d.SourcePath != "" {
		abs, err := filepath.Abs(d.SourcePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid source path: %v\n", err)
			return 1
		}
		d.SourcePath = abs
	}

	store, closeDB, err := openStore(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer closeDB()

	added, err := store.Add(context.Background(), d)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to add deployment: %v\n", err)
		return 1
	}
	fmt.Printf("Added deployment %s (id %s, source %s)\n", added.Suffix, added.ID, added.SourcePath)
	return 0
}

func runDeploymentList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	store, closeDB, err := openStore(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer closeDB()

	list, err := store.List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list deployments: %v\n", err)
		return 1
	}

	if *jsonOut {
		if list == nil {
			list = []deployment.Deployment{}
		}
		out, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
		return 0
	}

	if len(list) == 0 {
		fmt.Println("No deployments.")
		return 0
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SUFFIX\tID\tTYPE\tVERSION\tSOURCE")
	for _, d := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Suffix, d.ID, d.ResourceType, d.Version, d.SourcePath)
	}
	_ = tw.Flush()
	return 0
}

func runDeploymentRemove(args []string) int {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		printDeploymentRemoveHelp()
		return 1
	}
	suffix := fs.Arg(0)

	store, closeDB, err := openStore(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer closeDB()

	if err := store.Remove(context.Background(), suffix); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to remove deployment: %v\n", err)
		return 1
	}
	fmt.Printf("Removed deployment %s\n", suffix)
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path, err := resolveConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	// Refuse to authorize a file that does not parse.
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}
	if _, err := config.Parse(data); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock: %v\n", err)
		return 1
	}

	hash, err := config.LockConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	fmt.Printf("Locked %s\n  blake3 %s\n  wrote  %s\n", path, hash, config.ChecksumsPath(path))
	return 0
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if jsonOut {
		format = "json"
	}

	path, err := resolveConfigFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).WithSource(raw).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

// --- HELPERS ---

// resolveConfigFile returns the config file to use, discovering one when
// flagValue is empty. A directory resolves to its config.yaml.
func resolveConfigFile(flagValue string) (string, error) {
	path := flagValue
	if path == "" {
		discovered, err := config.DiscoverConfig()
		if err != nil {
			return "", fmt.Errorf("failed to discover config: %w", err)
		}
		path = discovered
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", path, err)
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		abs = filepath.Join(abs, "config.yaml")
	}
	return abs, nil
}

func loadConfig(flagValue string) (*config.Config, string, error) {
	path, err := resolveConfigFile(flagValue)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func openStore(configPath string) (*deployment.Store, func(), error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config load error: %w", err)
	}
	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database %s: %w", cfg.State.Path, err)
	}
	return deployment.NewStore(db), func() { _ = db.Close() }, nil
}
