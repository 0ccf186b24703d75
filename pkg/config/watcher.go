package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
)

const (
	// ConfigMapName is the ConfigMap holding the configuration file
	ConfigMapName = "calendar-downscaler-config"
	// ConfigMapKey is the key of the configuration file inside the ConfigMap
	ConfigMapKey = "config.yaml"
)

// Watcher reloads the configuration when the file or its ConfigMap changes.
type Watcher struct {
	configPath string
	namespace  string
	client     kubernetes.Interface
	callbacks  []func(Config)
	mu         sync.RWMutex
}

// NewWatcher creates a watcher for the config file at configPath and the
// ConfigMap in namespace. An empty configPath disables the file watch, a nil
// client or an empty namespace disables the ConfigMap watch.
func NewWatcher(configPath, namespace string, client kubernetes.Interface) *Watcher {
	return &Watcher{
		configPath: configPath,
		namespace:  namespace,
		client:     client,
		callbacks:  make([]func(Config), 0),
	}
}

// OnConfigChange registers a callback called with every reloaded configuration.
func (w *Watcher) OnConfigChange(callback func(Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

func (w *Watcher) notifyCallbacks(cfg Config) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, callback := range w.callbacks {
		callback(cfg)
	}
}

// Start watches both sources until the context is cancelled or one of them fails.
func (w *Watcher) Start(ctx context.Context) error {
	errCh := make(chan error, 2)

	if w.configPath != "" {
		go func() {
			errCh <- w.watchFile(ctx)
		}()
	}

	if w.client != nil && w.namespace != "" {
		go func() {
			errCh <- w.watchConfigMap(ctx)
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (w *Watcher) watchFile(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %v", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			slog.Error("Failed to close file watcher", "error", err)
		}
	}()

	// ConfigMap mounts swap a symlink, so the directory is watched rather than the file
	configDir := filepath.Dir(w.configPath)
	if err := watcher.Add(configDir); err != nil {
		return fmt.Errorf("failed to watch config directory: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-watcher.Events:
			if event.Name == w.configPath && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				slog.Info("Config file changed, reloading", "path", w.configPath)
				w.reload(func() (Config, error) { return ReadConfig(w.configPath) })
			}
		case err := <-watcher.Errors:
			slog.Error("File watcher error", "error", err)
		}
	}
}

func (w *Watcher) watchConfigMap(ctx context.Context) error {
	factory := informers.NewSharedInformerFactoryWithOptions(
		w.client,
		0,
		informers.WithNamespace(w.namespace),
	)

	informer := factory.Core().V1().ConfigMaps().Informer()
	_, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		UpdateFunc: func(old, new interface{}) {
			w.handleConfigMapUpdate(new)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to add event handler: %v", err)
	}

	informer.Run(ctx.Done())
	return nil
}

func (w *Watcher) handleConfigMapUpdate(obj interface{}) {
	cm, ok := obj.(*corev1.ConfigMap)
	if !ok || cm.Name != ConfigMapName {
		return
	}
	slog.Info("ConfigMap updated, reloading config", "config_map", cm.Name)
	w.reload(func() (Config, error) { return ReadConfigFromBytes([]byte(cm.Data[ConfigMapKey])) })
}

func (w *Watcher) reload(read func() (Config, error)) {
	cfg, err := read()
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}
	w.notifyCallbacks(cfg)
}
