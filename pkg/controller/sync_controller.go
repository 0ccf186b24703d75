package controller

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"k8s.io/client-go/kubernetes"

	"github.com/kezhenxu94/calendar-downscaler/pkg/config"
	pkgk8s "github.com/kezhenxu94/calendar-downscaler/pkg/kubernetes"
	"github.com/kezhenxu94/calendar-downscaler/pkg/schedule"
)

// initOptions contains options for initializing providers
type initOptions struct {
	// If true, log errors instead of returning them
	logErrors bool
}

type providerFactory func(schedule.Kind, schedule.Options) (schedule.Provider, error)

// SyncController polls the calendar and publishes the downtime windows to the cluster.
type SyncController struct {
	client      kubernetes.Interface
	config      config.Config
	provider    schedule.Provider
	newProvider providerFactory
	dryRun      bool
	published   []string
	now         func() time.Time
	mu          sync.RWMutex
}

// NewSyncController creates a controller for the given configuration.
// In dry-run mode the windows are logged but nothing is written to the cluster.
func NewSyncController(client kubernetes.Interface, cfg config.Config, dryRun bool) (*SyncController, error) {
	return newSyncController(client, cfg, dryRun, schedule.New)
}

func newSyncController(client kubernetes.Interface, cfg config.Config, dryRun bool, newProvider providerFactory) (*SyncController, error) {
	if !dryRun && cfg.Publish.Namespace == "" {
		return nil, fmt.Errorf("publish namespace is required, set it in the config or the NAMESPACE environment variable")
	}

	sc := &SyncController{
		client:      client,
		config:      cfg,
		newProvider: newProvider,
		dryRun:      dryRun,
		now:         time.Now,
	}

	if err := sc.initProvider(cfg, initOptions{logErrors: false}); err != nil {
		return nil, err
	}
	return sc, nil
}

// initProvider creates and loads the calendar provider named in the configuration
func (sc *SyncController) initProvider(cfg config.Config, opts initOptions) error {
	kind, err := schedule.ParseKind(cfg.Calendar.Provider)
	if err != nil {
		if opts.logErrors {
			slog.Error("Invalid calendar provider, keeping the current one", "error", err)
		}
		return fmt.Errorf("invalid calendar provider: %w", err)
	}

	provider, err := sc.newProvider(kind, cfg.Calendar.Options())
	if err != nil {
		if opts.logErrors {
			slog.Error("Failed to create calendar provider, keeping the current one", "error", err)
		}
		return fmt.Errorf("failed to create calendar provider: %w", err)
	}
	provider.Load(cfg.Calendar.Credentials())

	slog.Info("Using calendar provider", "provider", kind)
	sc.provider = provider
	return nil
}

// Run syncs the calendar every sync interval until the context is cancelled.
func (sc *SyncController) Run(ctx context.Context) error {
	slog.Info("Starting calendar sync controller")
	for {
		sc.reconcile(ctx)

		interval := sc.interval()
		slog.Debug("Waiting for next sync", "interval", interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// RunOnce syncs the calendar a single time and returns any error.
func (sc *SyncController) RunOnce(ctx context.Context) error {
	return sc.sync(ctx)
}

// UpdateConfig replaces the configuration and provider, keeping the current
// ones when the new configuration cannot be applied.
func (sc *SyncController) UpdateConfig(cfg config.Config) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.dryRun && cfg.Publish.Namespace == "" {
		slog.Error("Publish namespace missing in new configuration, keeping the current one")
		return
	}
	if err := sc.initProvider(cfg, initOptions{logErrors: true}); err != nil {
		return
	}

	sc.config = cfg
	// Force a publish, the destination may have changed
	sc.published = nil
	slog.Info("Controller configuration updated")
}

// NextRange returns the windows of the current provider
func (sc *SyncController) NextRange() []string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.provider.NextRange()
}

func (sc *SyncController) interval() time.Duration {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Calendar.Interval()
}

func (sc *SyncController) reconcile(ctx context.Context) {
	if err := sc.sync(ctx); err != nil {
		slog.Error("Error syncing downtime windows", "error", err)
	}
}

func (sc *SyncController) sync(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	slog.Debug("Starting calendar sync", "time", sc.now())

	if err := sc.provider.Connect(ctx); err != nil {
		return fmt.Errorf("failed to sync calendar: %w", err)
	}

	ranges := sc.provider.NextRange()
	if len(ranges) == 0 {
		slog.Debug("No downtime windows to publish")
		return nil
	}
	sc.logDowntimeState(ranges)

	if sc.published != nil && slices.Equal(ranges, sc.published) {
		slog.Debug("Downtime windows unchanged since last publish")
		return nil
	}

	if sc.dryRun {
		slog.Info("Dry run, not publishing downtime windows", "windows", ranges)
		sc.published = ranges
		return nil
	}

	publish := sc.config.Publish
	if err := pkgk8s.PublishDowntime(ctx, sc.client, publish.Namespace, publish.ConfigMapName, ranges); err != nil {
		return err
	}
	if publish.OverrideDowntime {
		if err := pkgk8s.AnnotateNamespaces(ctx, sc.client, publish.Namespaces, publish.Annotation, ranges); err != nil {
			return err
		}
	}

	sc.published = ranges
	return nil
}

func (sc *SyncController) logDowntimeState(ranges []string) {
	now := sc.now()
	for _, r := range ranges {
		window, err := schedule.ParseRange(r)
		if err != nil {
			slog.Warn("Unparsable downtime window", "window", r, "error", err)
			continue
		}
		if window.Contains(now) {
			slog.Info("Currently inside a downtime window", "window", r, "ends_in", window.EndAt.Sub(now).Round(time.Minute))
			return
		}
		if window.StartAt.After(now) {
			slog.Info("Next downtime window", "window", r, "starts_in", window.StartAt.Sub(now).Round(time.Minute))
			return
		}
	}
	slog.Debug("All downtime windows are in the past")
}
