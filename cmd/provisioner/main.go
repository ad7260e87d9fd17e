// Command provisioner is the CLI entrypoint: clone a base image from one
// of three backends, run the provisioning task graph, verify the result,
// and capture it as a reusable template, once per requested preset.
// Grounded in cmd/nova/main.go's cobra root command and flag-override
// idiom (cmd.Flags().Changed(...) layered over config.DefaultConfig() +
// config.LoadFromFile + config.LoadFromEnv).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/cmux/provisioner/internal/config"
	"github.com/cmux/provisioner/internal/lock"
	"github.com/cmux/provisioner/internal/logging"
	"github.com/cmux/provisioner/internal/manifest"
	"github.com/cmux/provisioner/internal/metrics"
	"github.com/cmux/provisioner/internal/observability"
	"github.com/cmux/provisioner/internal/orchestrator"
	"github.com/cmux/provisioner/internal/provider"
	"github.com/cmux/provisioner/internal/provider/cloudvm"
	"github.com/cmux/provisioner/internal/provider/microvm"
	"github.com/cmux/provisioner/internal/provider/pvelxc"
	"github.com/cmux/provisioner/internal/runlog"
	"github.com/cmux/provisioner/internal/secrets"
	"github.com/cmux/provisioner/internal/task"
	"github.com/cmux/provisioner/internal/tasks"
	"github.com/cmux/provisioner/internal/verifier"
)

// argError marks a failure that should exit 2 (argument/config error)
// rather than 1 (user-visible run error), per spec.md §6's exit code
// table.
type argError struct{ err error }

func (e argError) Error() string { return e.err.Error() }
func (e argError) Unwrap() error { return e.err }

func argErrorf(format string, a ...any) error {
	return argError{fmt.Errorf(format, a...)}
}

var (
	configFile string

	flagProvider     string
	flagBaseTemplate string
	flagNode         string
	flagRepoRoot     string
	flagManifestPath string

	flagStandardVCPUs    int
	flagStandardMemory   int
	flagStandardDiskSize int
	flagBoostedVCPUs     int
	flagBoostedMemory    int
	flagBoostedDiskSize  int

	flagCleanupOnFailure bool
	flagUseGitDiff       bool
	flagRequireVerify    bool

	flagUpdate      bool
	flagUpdateVMID  string
	flagPrintDeps   bool
	flagIDEProvider string
	flagPresetsFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "provisioner",
		Short:         "Clone, provision, verify, and capture sandbox templates",
		Long:          "Provisions a parallel toolchain/app stack onto a cloned base image across Proxmox LXC, a VM-snapshot cloud API, or a Firecracker-style micro-VM API, then captures the result as a reusable template.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runProvision,
	}

	rootCmd.Flags().StringVar(&configFile, "config", "", "Path to a JSON config file (optional, flags and env override it)")

	rootCmd.Flags().StringVar(&flagProvider, "provider", "", "Backend provider: pve, vm-snapshot, or microvm (required)")
	rootCmd.Flags().StringVar(&flagBaseTemplate, "base-template", "", "Base template/snapshot id to clone from (required for templatized providers)")
	rootCmd.Flags().StringVar(&flagNode, "node", "", "Locality hint / cluster node name")
	rootCmd.Flags().StringVar(&flagRepoRoot, "repo-root", ".", "Repository root to upload into the clone")
	rootCmd.Flags().StringVar(&flagManifestPath, "manifest-path", "", "Path to the manifest file (default: orchestrator.manifest_path from config/env, or ./manifest.json)")

	rootCmd.Flags().IntVar(&flagStandardVCPUs, "standard-vcpus", 4, "vCPU count for the standard preset")
	rootCmd.Flags().IntVar(&flagStandardMemory, "standard-memory", 8192, "Memory (MiB) for the standard preset")
	rootCmd.Flags().IntVar(&flagStandardDiskSize, "standard-disk-size", 32768, "Disk size (MiB) for the standard preset")
	rootCmd.Flags().IntVar(&flagBoostedVCPUs, "boosted-vcpus", 6, "vCPU count for the boosted preset")
	rootCmd.Flags().IntVar(&flagBoostedMemory, "boosted-memory", 8192, "Memory (MiB) for the boosted preset")
	rootCmd.Flags().IntVar(&flagBoostedDiskSize, "boosted-disk-size", 40960, "Disk size (MiB) for the boosted preset")

	rootCmd.Flags().BoolVar(&flagCleanupOnFailure, "cleanup-on-failure", true, "Destroy created hosts on failure")
	rootCmd.Flags().BoolVar(&flagUseGitDiff, "use-git-diff", true, "Prefer the git-delta upload strategy over a full archive")
	rootCmd.Flags().BoolVar(&flagRequireVerify, "require-verify", true, "Fail the run if the post-provisioning artifact verification fails")

	rootCmd.Flags().BoolVar(&flagUpdate, "update", false, "Update mode: clone from an existing template and run the update task registry, skipping toolchain installation")
	rootCmd.Flags().StringVar(&flagUpdateVMID, "update-vmid", "", "Template id to clone from in update mode (required with --update)")
	rootCmd.Flags().BoolVar(&flagPrintDeps, "print-deps", false, "Render the task dependency graph and exit")
	rootCmd.Flags().StringVar(&flagIDEProvider, "ide-provider", string(verifier.IDECmuxCode), "IDE provider to install: openvscode, coder, or cmux-code")
	rootCmd.Flags().StringVar(&flagPresetsFile, "presets-file", "", "YAML file of additional presets, layered after --standard/--boosted")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ae argError
		if isArgError(err, &ae) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func isArgError(err error, target *argError) bool {
	for err != nil {
		if ae, ok := err.(argError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func runProvision(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logging.SetLevelFromString(cfg.Observability.Logging.Level)
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	var metricsServer *metricsHandle
	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, nil)
		metricsServer = startMetricsServer(cfg.Observability.Metrics.Addr)
		defer metricsServer.Shutdown(context.Background())
	}

	ideProvider, err := parseIDEProvider(flagIDEProvider)
	if err != nil {
		return argError{err}
	}

	var registry *task.Registry
	opts := tasks.Options{IDEProvider: ideProvider}
	if flagUpdate {
		registry = tasks.Update(opts)
	} else {
		registry = tasks.Full(opts)
	}

	if flagPrintDeps {
		fmt.Println(task.FormatDependencyGraph(registry))
		return nil
	}

	if err := validateRunArgs(cfg); err != nil {
		return err
	}

	if err := resolveProviderSecret(ctx, cfg); err != nil {
		return fmt.Errorf("resolve provider secret: %w", err)
	}

	extraEnv, err := resolveExtraEnv(ctx, cfg)
	if err != nil {
		return fmt.Errorf("resolve orchestrator.extra_env: %w", err)
	}

	baseTemplate := flagBaseTemplate
	if flagUpdate {
		baseTemplate = flagUpdateVMID
	}

	p, err := buildProvider(cfg, baseTemplate)
	if err != nil {
		return argError{err}
	}

	manifestPath := resolveManifestPath(cfg)

	var lockHandle *lock.Handle
	if cfg.Redis.Enabled {
		lockMgr := lock.New(lock.Config{Addr: cfg.Redis.Addr})
		defer lockMgr.Close()

		h, err := lockMgr.AwaitLock(ctx, manifestLockName(cfg, manifestPath), cfg.Redis.LockTTL, time.Second)
		if err != nil {
			return fmt.Errorf("acquire manifest lock: %w", err)
		}
		lockHandle = h
		defer func() {
			if err := lockMgr.Unlock(context.Background(), lockHandle); err != nil {
				logging.Op().Warn("failed to release manifest lock", "error", err)
			}
		}()
	}

	var runLog *runlog.Store
	if cfg.Postgres.Enabled {
		store, err := runlog.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			logging.Op().Warn("run-history ledger unavailable, continuing without it", "error", err)
		} else {
			runLog = store
			defer runLog.Close()
		}
	}

	m, err := manifest.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	o := &orchestrator.Orchestrator{
		Provider:         p,
		Registry:         registry,
		Manifest:         m,
		ManifestPath:     manifestPath,
		RepoRoot:         flagRepoRoot,
		BaseTemplateID:   baseTemplate,
		IDEProvider:      ideProvider,
		Node:             cfg.Provider.Node,
		CleanupOnFailure: cfg.Orchestrator.CleanupOnFailure,
		RequireVerify:    cfg.Orchestrator.RequireVerify,
		UseGitDiff:       flagUseGitDiff,
		ExtraEnv:         extraEnv,
	}

	plans, err := buildPresetPlans(cfg)
	if err != nil {
		return argError{err}
	}

	if flagUpdate {
		logging.Op().Info("provisioner: running in update mode", "source", flagUpdateVMID)
	}

	start := time.Now()
	results, runErr := o.Run(ctx, plans)
	recordRunLog(context.Background(), runLog, cfg.Provider.Name, cfg.Provider.Node, plans, results, runErr, time.Since(start))

	if runErr != nil {
		logging.Op().Error("provisioner: run failed", "error", runErr)
		return fmt.Errorf("provisioning run failed: %w", runErr)
	}

	for _, r := range results {
		logging.Op().Info("provisioner: preset captured",
			"preset", r.Preset.PresetID,
			"snapshotId", r.SnapshotID,
			"templateId", r.TemplateID,
			"chained", r.Chained)
	}
	return nil
}

// recordRunLog writes one runlog.Entry per preset Run produced, plus a
// synthetic failed entry for the preset that aborted the run (if any),
// to the optional Postgres ledger. Recording is best-effort: a runlog
// outage must never fail a provisioning run that otherwise succeeded.
func recordRunLog(ctx context.Context, store *runlog.Store, providerName, node string, plans []orchestrator.PresetPlan, results []orchestrator.Result, runErr error, duration time.Duration) {
	if store == nil {
		return
	}

	for _, r := range results {
		e := runlog.Entry{
			ID:         r.SnapshotID,
			PresetID:   r.Preset.PresetID,
			Provider:   providerName,
			Node:       node,
			DurationMs: duration.Milliseconds(),
			Success:    true,
			Chained:    r.Chained,
			SnapshotID: r.SnapshotID,
			TemplateID: r.TemplateID,
			CreatedAt:  r.CapturedAt,
		}
		if err := store.Record(ctx, e); err != nil {
			logging.Op().Warn("failed to record run-history entry", "preset", r.Preset.PresetID, "error", err)
		}
	}

	if runErr != nil {
		e := runlog.Entry{
			ID:           fmt.Sprintf("failed-%d", time.Now().UnixNano()),
			PresetID:     "unknown",
			Provider:     providerName,
			Node:         node,
			DurationMs:   duration.Milliseconds(),
			Success:      false,
			ErrorMessage: runErr.Error(),
		}
		if len(results) < len(plans) {
			e.PresetID = plans[len(results)].PresetID
		}
		if err := store.Record(ctx, e); err != nil {
			logging.Op().Warn("failed to record failed run-history entry", "error", err)
		}
	}
}

// manifestLockName derives the distributed-lock key for a manifest path:
// scoped by node so two different nodes' runs never contend over each
// other's locks even if they happen to share a manifest filename.
func manifestLockName(cfg *config.Config, manifestPath string) string {
	node := cfg.Provider.Node
	if node == "" {
		node = "default"
	}
	return node + ":" + manifestPath
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, argErrorf("load config %q: %w", configFile, err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if flagProvider != "" {
		cfg.Provider.Name = mapProviderName(flagProvider)
	}

	config.LoadFromEnv(cfg)

	if cmd.Flags().Changed("node") {
		cfg.Provider.Node = flagNode
	}
	if cmd.Flags().Changed("cleanup-on-failure") {
		cfg.Orchestrator.CleanupOnFailure = flagCleanupOnFailure
	}
	if cmd.Flags().Changed("require-verify") {
		cfg.Orchestrator.RequireVerify = flagRequireVerify
	}

	return cfg, nil
}

func validateRunArgs(cfg *config.Config) error {
	if flagProvider == "" {
		return argErrorf("--provider is required")
	}
	if mapProviderName(flagProvider) == "" {
		return argErrorf("--provider %q is invalid (want pve, vm-snapshot, or microvm)", flagProvider)
	}
	if flagUpdate {
		if flagUpdateVMID == "" {
			return argErrorf("--update-vmid is required with --update")
		}
	} else if flagBaseTemplate == "" {
		return argErrorf("--base-template is required")
	}
	if err := cfg.Validate(); err != nil {
		return argError{err}
	}
	return nil
}

// mapProviderName translates the CLI's backend names (per spec.md §6) to
// this module's internal package names.
func mapProviderName(name string) string {
	switch name {
	case "pve":
		return "pvelxc"
	case "vm-snapshot":
		return "cloudvm"
	case "microvm":
		return "microvm"
	default:
		return ""
	}
}

// resolveProviderSecret replaces a "$SECRET:name" reference in
// cfg.Provider.APIToken with the decrypted value stored under name, when
// cfg.Secrets.Enabled. A plain token (the common case) is left untouched.
func resolveProviderSecret(ctx context.Context, cfg *config.Config) error {
	if !cfg.Secrets.Enabled || !secrets.IsSecretRef(cfg.Provider.APIToken) {
		return nil
	}

	resolver, closeFn, err := newSecretResolver(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	resolved, err := resolver.ResolveValue(ctx, cfg.Provider.APIToken)
	if err != nil {
		return err
	}
	cfg.Provider.APIToken = resolved
	return nil
}

// resolveExtraEnv resolves every "$SECRET:name" reference in
// cfg.Orchestrator.ExtraEnv, returning a map safe to export into a run's
// environment prelude. The secret names referenced (never their values)
// are logged up front, so an operator can see what a run depends on
// without the ledger ever holding a decrypted value.
func resolveExtraEnv(ctx context.Context, cfg *config.Config) (map[string]string, error) {
	if len(cfg.Orchestrator.ExtraEnv) == 0 {
		return nil, nil
	}
	refs := secrets.ListSecretRefs(cfg.Orchestrator.ExtraEnv)
	if len(refs) == 0 {
		return cfg.Orchestrator.ExtraEnv, nil
	}
	if !cfg.Secrets.Enabled {
		return nil, fmt.Errorf("orchestrator.extra_env references secrets (%v) but secrets are not enabled", refs)
	}
	logging.Op().Info("provisioner: resolving extra_env secret references", "secrets", refs)

	resolver, closeFn, err := newSecretResolver(cfg)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	return resolver.ResolveEnvVars(ctx, cfg.Orchestrator.ExtraEnv)
}

// newSecretResolver builds a secrets.Resolver backed by the configured
// Redis store, returning a close func the caller must invoke once done.
func newSecretResolver(cfg *config.Config) (*secrets.Resolver, func(), error) {
	if !cfg.Redis.Enabled {
		return nil, nil, fmt.Errorf("a $SECRET: reference requires redis to be enabled")
	}

	cipher, err := secrets.NewCipher(cfg.Secrets.CipherKey)
	if err != nil {
		return nil, nil, fmt.Errorf("build secrets cipher: %w", err)
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	store := secrets.NewStore(client, cipher)
	return secrets.NewResolver(store), func() { client.Close() }, nil
}

func buildProvider(cfg *config.Config, baseTemplate string) (provider.Provider, error) {
	switch cfg.Provider.Name {
	case "pvelxc":
		if n, err := strconv.Atoi(baseTemplate); err == nil {
			cfg.Orchestrator.CloneBaseVMID = n
		}
		return pvelxc.New(cfg)
	case "cloudvm":
		return provider.WithBreaker(cloudvm.New(cfg, baseTemplate), provider.DefaultBreakerConfig()), nil
	case "microvm":
		return provider.WithBreaker(microvm.New(cfg, baseTemplate), provider.DefaultBreakerConfig()), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}

func parseIDEProvider(s string) (verifier.IDEProvider, error) {
	switch s {
	case "openvscode", string(verifier.IDEOpenVSCode):
		return verifier.IDEOpenVSCode, nil
	case "coder", string(verifier.IDECoderServer):
		return verifier.IDECoderServer, nil
	case "cmux-code", string(verifier.IDECmuxCode):
		return verifier.IDECmuxCode, nil
	default:
		return "", fmt.Errorf("--ide-provider %q is invalid (want openvscode, coder, or cmux-code)", s)
	}
}

func resolveManifestPath(cfg *config.Config) string {
	if flagManifestPath != "" {
		return flagManifestPath
	}
	if cfg.Orchestrator.ManifestPath != "" {
		return cfg.Orchestrator.ManifestPath
	}
	return "manifest.json"
}

// buildPresetPlans renders the standard and boosted presets from flags
// into the orchestrator's PresetPlan shape, in the order they are
// provisioned — the boosted preset follows the standard one so the
// chaining optimisation applies whenever its disk size is non-decreasing —
// then appends any presets from --presets-file (or its config/env
// equivalent), additive per spec.md §6.
func buildPresetPlans(cfg *config.Config) ([]orchestrator.PresetPlan, error) {
	plans := []orchestrator.PresetPlan{
		orchestrator.NewPresetPlan("standard", flagStandardVCPUs, flagStandardMemory, flagStandardDiskSize),
		orchestrator.NewPresetPlan("boosted", flagBoostedVCPUs, flagBoostedMemory, flagBoostedDiskSize),
	}

	presetsFile := flagPresetsFile
	if presetsFile == "" {
		presetsFile = cfg.Orchestrator.PresetsFile
	}
	if presetsFile == "" {
		return plans, nil
	}

	extra, err := orchestrator.LoadPresetPlansFile(presetsFile)
	if err != nil {
		return nil, err
	}
	return append(plans, extra...), nil
}
