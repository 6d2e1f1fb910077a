// Package stages declares the qhub stage catalog: the ordered stages, the
// variables each one passes to terraform, the credentials they hand to later
// stages and the checks run after each deploy.
package stages

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/client-go/kubernetes"

	"github.com/qhub-dev/qhubctl/internal/config"
	"github.com/qhub-dev/qhubctl/internal/env"
	"github.com/qhub-dev/qhubctl/internal/keycloak"
	"github.com/qhub-dev/qhubctl/internal/kube"
	"github.com/qhub-dev/qhubctl/internal/logging"
	"github.com/qhub-dev/qhubctl/internal/pipeline"
	"github.com/qhub-dev/qhubctl/internal/provider"
)

// Stage ids, in deployment order.
const (
	TerraformState                  = "01-terraform-state"
	Infrastructure                  = "02-infrastructure"
	KubernetesInitialize            = "03-kubernetes-initialize"
	KubernetesIngress               = "04-kubernetes-ingress"
	KubernetesKeycloak              = "05-kubernetes-keycloak"
	KubernetesKeycloakConfiguration = "06-kubernetes-keycloak-configuration"
	KubernetesServices              = "07-kubernetes-services"
	Extensions                      = "08-qhub-tf-extensions"
)

// Options supplies the collaborators the catalog's scopes and checks use.
// Zero values select the real implementations.
type Options struct {
	Logger *slog.Logger
	// Environ is consulted for provider credentials such as ARM_SUBSCRIPTION_ID.
	Environ env.Vars
	// KubeconfigDir holds the temporary kubeconfigs of cluster-access scopes.
	KubeconfigDir string

	Clientset           func(kube.Credentials) (kubernetes.Interface, error)
	KubeconfigClientset func(path, context string) (kubernetes.Interface, error)
	Dial                func(ctx context.Context, network, address string) (net.Conn, error)
	Backoff             func() backoff.BackOff
	KeycloakOptions     []keycloak.Option
	// HTTPRetryMax bounds retries of service health probes.
	HTTPRetryMax int
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Environ == nil {
		o.Environ = env.FromOS()
	}
	if o.Clientset == nil {
		o.Clientset = func(c kube.Credentials) (kubernetes.Interface, error) { return c.NewClientset() }
	}
	if o.KubeconfigClientset == nil {
		o.KubeconfigClientset = kube.ClientsetFromKubeconfig
	}
	if o.Dial == nil {
		d := &net.Dialer{Timeout: 5 * time.Second}
		o.Dial = d.DialContext
	}
	if o.Backoff == nil {
		o.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 5 * time.Minute
			return b
		}
	}
	if o.HTTPRetryMax == 0 {
		o.HTTPRetryMax = 4
	}
}

// New returns the stage catalog for cfg in deployment order.
func New(cfg *config.Config, opts Options) []pipeline.Descriptor {
	opts.defaults()
	c := &catalog{opts: opts, insecure: cfg.Certificate.Type == config.CertSelfSigned}

	kubeScope := func() *pipeline.CredentialScope {
		kc := kube.NewContext(opts.Logger)
		kc.Dir = opts.KubeconfigDir
		return &pipeline.CredentialScope{
			Source:   Infrastructure,
			Path:     []string{"kubernetes_credentials", "value"},
			Provider: kc,
		}
	}

	return []pipeline.Descriptor{
		{
			ID:             TerraformState,
			Capabilities:   provider.All(),
			InputVariables: stateVariables,
			StateImports:   c.stateImports,
			Import:         true,
			SkipBackend:    func(cfg *config.Config) bool { return !cfg.RemoteState() },
		},
		{
			ID:             Infrastructure,
			Capabilities:   provider.All(),
			InputVariables: infrastructureVariables,
			Check:          c.checkCluster,
		},
		{
			ID:             KubernetesInitialize,
			Capabilities:   provider.All(),
			Scope:          kubeScope(),
			InputVariables: initializeVariables,
			Check:          c.checkNamespace,
		},
		{
			ID:             KubernetesIngress,
			Capabilities:   provider.All(),
			InputVariables: ingressVariables,
			Check:          c.checkLoadBalancer,
		},
		{
			ID:             KubernetesKeycloak,
			Capabilities:   provider.All(),
			InputVariables: keycloakVariables,
			Check:          c.checkKeycloak,
		},
		{
			ID:           KubernetesKeycloakConfiguration,
			Capabilities: provider.All(),
			Scope: &pipeline.CredentialScope{
				Source:   KubernetesKeycloak,
				Path:     []string{"keycloak_credentials", "value"},
				Provider: keycloak.NewContext(opts.Logger, c.keycloakOptions()...),
			},
			InputVariables: keycloakConfigurationVariables,
			Check:          c.checkRealm,
		},
		{
			ID:             KubernetesServices,
			Capabilities:   provider.All(),
			Reads:          []string{KubernetesKeycloakConfiguration},
			InputVariables: servicesVariables,
			Check:          c.checkServices,
		},
		{
			ID:             Extensions,
			Capabilities:   provider.All(),
			Reads:          []string{KubernetesKeycloakConfiguration},
			InputVariables: extensionsVariables,
		},
	}
}

type catalog struct {
	opts     Options
	insecure bool
}

func (c *catalog) keycloakOptions() []keycloak.Option {
	opts := []keycloak.Option{keycloak.WithLogger(c.opts.Logger)}
	if c.insecure {
		opts = append(opts, keycloak.WithInsecureTLS())
	}
	return append(opts, c.opts.KeycloakOptions...)
}
