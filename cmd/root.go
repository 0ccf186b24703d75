package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kezhenxu94/calendar-downscaler/pkg/config"
	"github.com/kezhenxu94/calendar-downscaler/pkg/controller"
)

var (
	configFile string
	logLevel   string
	once       bool
	dryRun     bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "calendar-downscaler",
	Short: "Publishes downtime windows from a calendar for the Kubernetes downscaler",
	Long: `Calendar-Downscaler reads upcoming events titled with a downtime marker
from Google Calendar or an ICS feed and publishes their time ranges to a
ConfigMap, so the downscaler scales workloads down during those windows.

Credentials come from the config file or the API_KEY, CAL_ID, ICS_URL and
DEFAULT_DOWNTIME_STRING environment variables.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Setup logging
		level := slog.LevelInfo
		switch logLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	},
	RunE: run,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Absolute path to the configuration file (environment only when empty)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&once, "once", false, "Sync the calendar once and exit")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log the downtime windows instead of writing them to the cluster")
	rootCmd.AddCommand(windowsCmd)
}

func run(cmd *cobra.Command, args []string) error {
	slog.Debug("Starting application", "config_file", configFile)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Create Kubernetes client, a dry run does not need one
	var client kubernetes.Interface
	clientset, err := getKubernetesClient()
	switch {
	case err == nil:
		client = clientset
	case dryRun:
		slog.Warn("No Kubernetes cluster available, running without ConfigMap reloads", "error", err)
	default:
		return fmt.Errorf("failed to create Kubernetes client: %v", err)
	}

	controller, err := controller.NewSyncController(client, cfg, dryRun)
	if err != nil {
		return fmt.Errorf("failed to create controller: %v", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if once {
		return controller.RunOnce(ctx)
	}

	watcher := config.NewWatcher(configFile, cfg.Publish.Namespace, client)
	watcher.OnConfigChange(controller.UpdateConfig)

	errGroup, ctx := errgroup.WithContext(ctx)

	errGroup.Go(func() error {
		return watcher.Start(ctx)
	})

	errGroup.Go(func() error {
		return controller.Run(ctx)
	})

	if err := errGroup.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Shutting down")
	return nil
}

func loadConfig() (config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.ReadConfig(configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to read config: %v", err)
	}
	return cfg, nil
}

func getKubernetesClient() (*kubernetes.Clientset, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	configOverrides := &clientcmd.ConfigOverrides{}
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides)

	config, err := kubeConfig.ClientConfig()
	if err != nil {
		config, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get Kubernetes config (neither local nor in-cluster): %v", err)
		}
	}

	return kubernetes.NewForConfig(config)
}
