package kubernetes

import (
	"context"
	"fmt"
	"maps"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// ApplyConfigMap creates a ConfigMap in its namespace, or replaces the data
// of the existing one. It reports whether anything was written.
func ApplyConfigMap(ctx context.Context, client kubernetes.Interface, configMap *corev1.ConfigMap) (bool, error) {
	configMaps := client.CoreV1().ConfigMaps(configMap.Namespace)

	_, err := configMaps.Create(ctx, configMap, metav1.CreateOptions{})
	if err == nil {
		return true, nil
	}
	if !k8serrors.IsAlreadyExists(err) {
		return false, fmt.Errorf("failed to create ConfigMap: %v", err)
	}

	existing, err := configMaps.Get(ctx, configMap.Name, metav1.GetOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to get ConfigMap: %v", err)
	}
	if maps.Equal(existing.Data, configMap.Data) {
		return false, nil
	}

	updated := existing.DeepCopy()
	updated.Data = configMap.Data
	if updated.Labels == nil {
		updated.Labels = map[string]string{}
	}
	maps.Copy(updated.Labels, configMap.Labels)
	if _, err := configMaps.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		return false, fmt.Errorf("failed to update ConfigMap: %v", err)
	}
	return true, nil
}
