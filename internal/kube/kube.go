// Package kube provides cluster access for stages that run against a freshly
// provisioned Kubernetes cluster, and the client-go helpers their checks use.
package kube

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

// ContextName names the cluster, user and context of generated kubeconfigs.
const ContextName = "qhub"

// Credentials describe how to reach a cluster. Either Host with some form of
// authentication, or ConfigPath pointing at an existing kubeconfig, is set.
type Credentials struct {
	Host                 string
	ClusterCACertificate string
	Token                string
	Username             string
	Password             string
	ClientCertificate    string
	ClientKey            string

	ConfigPath    string
	ConfigContext string
}

// ParseCredentials decodes the kubernetes_credentials output of the
// infrastructure stage.
func ParseCredentials(v any) (Credentials, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Credentials{}, fmt.Errorf("kubernetes credentials: expected an object, got %T", v)
	}
	str := func(key string) (string, error) {
		raw, ok := m[key]
		if !ok || raw == nil {
			return "", nil
		}
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("kubernetes credentials: %s must be a string, got %T", key, raw)
		}
		return s, nil
	}

	var c Credentials
	fields := []struct {
		key string
		dst *string
	}{
		{"host", &c.Host},
		{"cluster_ca_certificate", &c.ClusterCACertificate},
		{"token", &c.Token},
		{"username", &c.Username},
		{"password", &c.Password},
		{"client_certificate", &c.ClientCertificate},
		{"client_key", &c.ClientKey},
		{"config_path", &c.ConfigPath},
		{"config_context", &c.ConfigContext},
	}
	for _, f := range fields {
		s, err := str(f.key)
		if err != nil {
			return Credentials{}, err
		}
		*f.dst = s
	}
	if c.Host == "" && c.ConfigPath == "" {
		return Credentials{}, errors.New("kubernetes credentials: neither host nor config_path is set")
	}
	return c, nil
}

// Kubeconfig builds a kubeconfig holding a single context for c. When c points
// at an existing kubeconfig, that file is loaded and its current context
// switched to ConfigContext.
func (c Credentials) Kubeconfig() (*clientcmdapi.Config, error) {
	if c.ConfigPath != "" {
		path, err := homedir.Expand(c.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("expand kubeconfig path %q: %w", c.ConfigPath, err)
		}
		cfg, err := clientcmd.LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig %q: %w", path, err)
		}
		if c.ConfigContext != "" {
			if _, ok := cfg.Contexts[c.ConfigContext]; !ok {
				return nil, fmt.Errorf("kubeconfig %q has no context %q", path, c.ConfigContext)
			}
			cfg.CurrentContext = c.ConfigContext
		}
		return cfg, nil
	}

	cluster := clientcmdapi.NewCluster()
	cluster.Server = c.Host
	if c.ClusterCACertificate != "" {
		ca, err := decodePEM(c.ClusterCACertificate)
		if err != nil {
			return nil, fmt.Errorf("cluster_ca_certificate: %w", err)
		}
		cluster.CertificateAuthorityData = ca
	} else {
		cluster.InsecureSkipTLSVerify = true
	}

	auth := clientcmdapi.NewAuthInfo()
	auth.Token = c.Token
	auth.Username = c.Username
	auth.Password = c.Password
	if c.ClientCertificate != "" {
		cert, err := decodePEM(c.ClientCertificate)
		if err != nil {
			return nil, fmt.Errorf("client_certificate: %w", err)
		}
		auth.ClientCertificateData = cert
	}
	if c.ClientKey != "" {
		key, err := decodePEM(c.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("client_key: %w", err)
		}
		auth.ClientKeyData = key
	}

	kctx := clientcmdapi.NewContext()
	kctx.Cluster = ContextName
	kctx.AuthInfo = ContextName

	cfg := clientcmdapi.NewConfig()
	cfg.Clusters[ContextName] = cluster
	cfg.AuthInfos[ContextName] = auth
	cfg.Contexts[ContextName] = kctx
	cfg.CurrentContext = ContextName
	return cfg, nil
}

// RESTConfig returns a client-go configuration for c.
func (c Credentials) RESTConfig() (*rest.Config, error) {
	cfg, err := c.Kubeconfig()
	if err != nil {
		return nil, err
	}
	return clientcmd.NewDefaultClientConfig(*cfg, &clientcmd.ConfigOverrides{}).ClientConfig()
}

// NewClientset returns a typed clientset for c.
func (c Credentials) NewClientset() (kubernetes.Interface, error) {
	rc, err := c.RESTConfig()
	if err != nil {
		return nil, err
	}
	cs, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return cs, nil
}

// ClientsetFromKubeconfig builds a clientset from a kubeconfig file and an
// optional context name.
func ClientsetFromKubeconfig(path, context string) (kubernetes.Interface, error) {
	rules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: path}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: context}
	rc, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig %q: %w", path, err)
	}
	cs, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return cs, nil
}

// decodePEM accepts PEM text or base64-encoded PEM and returns PEM ending in
// exactly one newline.
func decodePEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(s + "\n"), nil
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("neither PEM nor base64: %w", err)
	}
	return []byte(strings.TrimSpace(string(out)) + "\n"), nil
}
