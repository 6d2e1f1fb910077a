package kube

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// ServerVersion reports the cluster's version string.
func ServerVersion(cs kubernetes.Interface) (string, error) {
	info, err := cs.Discovery().ServerVersion()
	if err != nil {
		return "", fmt.Errorf("query server version: %w", err)
	}
	return info.GitVersion, nil
}

// NamespaceExists reports whether the namespace is present.
func NamespaceExists(ctx context.Context, cs kubernetes.Interface, name string) (bool, error) {
	_, err := cs.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get namespace %s: %w", name, err)
	}
	return true, nil
}

// LoadBalancerAddress returns the first external address of the named
// LoadBalancer service, or "" when none has been assigned yet.
func LoadBalancerAddress(ctx context.Context, cs kubernetes.Interface, namespace, name string) (string, error) {
	svc, err := cs.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("get service %s/%s: %w", namespace, name, err)
	}
	for _, ing := range svc.Status.LoadBalancer.Ingress {
		if ing.IP != "" {
			return ing.IP, nil
		}
		if ing.Hostname != "" {
			return ing.Hostname, nil
		}
	}
	return "", nil
}
