package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

const (
	// DowntimeKey is the ConfigMap key holding the comma separated downtime windows
	DowntimeKey = "downtime"
	// ManagedByLabel marks objects written by the calendar downscaler
	ManagedByLabel = "app.kubernetes.io/managed-by"
	managedBy      = "calendar-downscaler"
)

// FormatDowntime joins windows into the comma separated form accepted by the
// downscaler's downtime setting
func FormatDowntime(ranges []string) string {
	return strings.Join(ranges, ",")
}

// PublishDowntime writes the downtime windows into the named ConfigMap
func PublishDowntime(ctx context.Context, client kubernetes.Interface, namespace, name string, ranges []string) error {
	configMap := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{ManagedByLabel: managedBy},
		},
		Data: map[string]string{
			DowntimeKey: FormatDowntime(ranges),
		},
	}

	changed, err := ApplyConfigMap(ctx, client, configMap)
	if err != nil {
		return fmt.Errorf("failed to publish downtime windows: %v", err)
	}
	if changed {
		slog.Info("Published downtime windows",
			"namespace", namespace,
			"config_map", name,
			"windows", len(ranges),
		)
	} else {
		slog.Debug("Downtime windows unchanged", "namespace", namespace, "config_map", name)
	}
	return nil
}

// AnnotateNamespaces sets the downtime annotation on every namespace.
// Namespaces that fail are logged and skipped; the first error is returned.
func AnnotateNamespaces(ctx context.Context, client kubernetes.Interface, namespaces []string, annotation string, ranges []string) error {
	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"annotations": map[string]string{annotation: FormatDowntime(ranges)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode annotation patch: %v", err)
	}

	var firstErr error
	for _, namespace := range namespaces {
		_, err := client.CoreV1().Namespaces().Patch(ctx, namespace, types.MergePatchType, patch, metav1.PatchOptions{})
		if err != nil {
			slog.Warn("Failed to annotate namespace", "namespace", namespace, "annotation", annotation, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to annotate namespace %s: %v", namespace, err)
			}
			continue
		}
		slog.Debug("Namespace annotated", "namespace", namespace, "annotation", annotation)
	}
	return firstErr
}
