// Package config contains the loader and strongly typed model for qhub-config.yaml.
package config

import (
	"strings"
	"time"

	"github.com/qhub-dev/qhubctl/internal/provider"
)

// DefaultFileName is the conventional configuration file name.
const DefaultFileName = "qhub-config.yaml"

// Terraform state modes.
const (
	StateRemote   = "remote"
	StateLocal    = "local"
	StateExisting = "existing"
)

// Certificate modes.
const (
	CertSelfSigned  = "self-signed"
	CertLetsEncrypt = "lets-encrypt"
	CertExisting    = "existing"
)

// Config represents a qhub deployment. It mirrors qhub-config.yaml after
// template rendering and secret substitution. A loaded Config is treated as
// immutable: stages read it but never modify it.
type Config struct {
	// ProjectName is the short project name used as a resource prefix.
	ProjectName string `yaml:"project_name"`
	// Provider selects the infrastructure provider.
	Provider provider.Name `yaml:"provider"`
	// Namespace is the Kubernetes namespace and environment name (e.g. dev, prod).
	Namespace string `yaml:"namespace,omitempty"`
	// Domain is the public domain qhub is served under.
	Domain string `yaml:"domain"`
	// EnvFiles lists .env files to load before rendering.
	EnvFiles []string `yaml:"env_files,omitempty"`
	// Stages configures where stage sources and state live.
	Stages StagesConfig `yaml:"stages,omitempty"`
	// Terraform configures the backend engine.
	Terraform TerraformConfig `yaml:"terraform,omitempty"`
	// TerraformState selects how Terraform state is stored.
	TerraformState TerraformStateConfig `yaml:"terraform_state,omitempty"`
	// Certificate configures TLS for the ingress.
	Certificate CertificateConfig `yaml:"certificate,omitempty"`
	// Security holds authentication, keycloak, users and groups.
	Security SecurityConfig `yaml:"security,omitempty"`
	// DefaultImages are the container images used by the services stage.
	DefaultImages DefaultImages `yaml:"default_images,omitempty"`
	// Ingress holds ingress-specific overrides.
	Ingress IngressConfig `yaml:"ingress,omitempty"`
	// Profiles holds per-workload profiles (dask workers).
	Profiles Profiles `yaml:"profiles,omitempty"`
	// Extensions lists additional web applications protected by keycloak.
	Extensions []Extension `yaml:"extensions,omitempty"`
	// HelmExtensions lists additional helm charts installed by the extensions stage.
	HelmExtensions []HelmExtension `yaml:"helm_extensions,omitempty"`

	// Provider-specific blocks. Only the one matching Provider is used.
	Local               *LocalConfig `yaml:"local,omitempty"`
	GoogleCloudPlatform *GCPConfig   `yaml:"google_cloud_platform,omitempty"`
	AmazonWebServices   *CloudConfig `yaml:"amazon_web_services,omitempty"`
	Azure               *AzureConfig `yaml:"azure,omitempty"`
	DigitalOcean        *CloudConfig `yaml:"digital_ocean,omitempty"`
}

// StagesConfig configures the stage directory layout.
type StagesConfig struct {
	// Directory is the root directory holding <stage>/<provider> targets.
	Directory string `yaml:"directory,omitempty"`
	// ModulesDir is the path Terraform module sources are resolved against.
	ModulesDir string `yaml:"modules_dir,omitempty"`
}

// TerraformConfig configures the terraform binary.
type TerraformConfig struct {
	// Binary is the terraform executable name or path.
	Binary string `yaml:"binary,omitempty"`
	// Version is the required terraform version written into rendered sources.
	Version string `yaml:"version,omitempty"`
	// Timeout bounds a single backend invocation (e.g. "45m").
	Timeout string `yaml:"timeout,omitempty"`
}

// TerraformStateConfig selects the state backend.
type TerraformStateConfig struct {
	// Type is one of remote, local or existing.
	Type string `yaml:"type,omitempty"`
	// Backend names the terraform backend for the existing type (e.g. s3).
	Backend string `yaml:"backend,omitempty"`
	// Config holds backend settings for the existing type.
	Config map[string]string `yaml:"config,omitempty"`
}

// CertificateConfig configures TLS.
type CertificateConfig struct {
	Type       string `yaml:"type,omitempty"`
	ACMEEmail  string `yaml:"acme_email,omitempty"`
	ACMEServer string `yaml:"acme_server,omitempty"`
	SecretName string `yaml:"secret_name,omitempty"`
}

// SecurityConfig holds authentication and identity settings.
type SecurityConfig struct {
	Authentication AuthenticationConfig `yaml:"authentication,omitempty"`
	Keycloak       KeycloakConfig       `yaml:"keycloak,omitempty"`
	Users          map[string]*User     `yaml:"users,omitempty"`
	Groups         map[string]*Group    `yaml:"groups,omitempty"`
}

// AuthenticationConfig selects how users log in.
type AuthenticationConfig struct {
	// Type is one of password, github or auth0.
	Type   string            `yaml:"type,omitempty"`
	Config map[string]string `yaml:"config,omitempty"`
}

// KeycloakConfig configures the identity provider stage.
type KeycloakConfig struct {
	// InitialRootPassword is the keycloak root password set on first install.
	InitialRootPassword string `yaml:"initial_root_password,omitempty"`
	// Overrides are merged into the keycloak helm values.
	Overrides map[string]any `yaml:"overrides,omitempty"`
}

// User is a user declared in the configuration.
type User struct {
	UID             string   `yaml:"uid,omitempty"`
	Password        string   `yaml:"password,omitempty"`
	PrimaryGroup    string   `yaml:"primary_group,omitempty"`
	SecondaryGroups []string `yaml:"secondary_groups,omitempty"`
}

// Group is a group declared in the configuration.
type Group struct {
	GID string `yaml:"gid,omitempty"`
}

// DefaultImages are the images used by the services stage.
type DefaultImages struct {
	JupyterHub string `yaml:"jupyterhub,omitempty"`
	JupyterLab string `yaml:"jupyterlab,omitempty"`
	DaskWorker string `yaml:"dask_worker,omitempty"`
}

// IngressConfig holds ingress settings.
type IngressConfig struct {
	// TerraformOverrides are passed verbatim to the ingress stage.
	TerraformOverrides map[string]any `yaml:"terraform_overrides,omitempty"`
}

// Profiles holds workload profiles.
type Profiles struct {
	// DaskWorker maps a worker profile name to its settings.
	DaskWorker map[string]map[string]any `yaml:"dask_worker,omitempty"`
}

// Extension is an additional web application deployed behind keycloak.
type Extension struct {
	Name         string         `yaml:"name"`
	Image        string         `yaml:"image"`
	URLSlug      string         `yaml:"urlslug"`
	Private      bool           `yaml:"private,omitempty"`
	OAuth2Client bool           `yaml:"oauth2client,omitempty"`
	Logout       string         `yaml:"logout,omitempty"`
	Envs         []ExtensionEnv `yaml:"envs,omitempty"`
}

// ExtensionEnv selects a predefined environment bundle for an extension.
type ExtensionEnv struct {
	// Code is one of KEYCLOAK, OAUTH2CLIENT or JWT.
	Code string `yaml:"code"`
}

// HelmExtension is an extra helm release installed by the extensions stage.
type HelmExtension struct {
	Name       string         `yaml:"name"`
	Repository string         `yaml:"repository"`
	Chart      string         `yaml:"chart"`
	Version    string         `yaml:"version"`
	Overrides  map[string]any `yaml:"overrides,omitempty"`
}

// NodeGroup sizes a pool of cluster nodes.
type NodeGroup struct {
	Instance string `yaml:"instance"`
	MinNodes int    `yaml:"min_nodes"`
	MaxNodes int    `yaml:"max_nodes"`
	GPU      bool   `yaml:"gpu,omitempty"`
}

// LocalConfig describes an existing cluster.
type LocalConfig struct {
	// KubeConfig is the kubeconfig path; empty means the default loading rules.
	KubeConfig string `yaml:"kube_config,omitempty"`
	// KubeContext selects the kubeconfig context.
	KubeContext string `yaml:"kube_context,omitempty"`
	// NodeSelectors maps node group name to label selectors.
	NodeSelectors map[string]map[string]string `yaml:"node_selectors,omitempty"`
}

// CloudConfig is shared by providers without extra settings (aws, do).
type CloudConfig struct {
	Region            string               `yaml:"region"`
	KubernetesVersion string               `yaml:"kubernetes_version,omitempty"`
	NodeGroups        map[string]NodeGroup `yaml:"node_groups,omitempty"`
}

// GCPConfig configures Google Cloud.
type GCPConfig struct {
	CloudConfig `yaml:",inline"`
	Project     string `yaml:"project"`
}

// AzureConfig configures Azure.
type AzureConfig struct {
	CloudConfig           `yaml:",inline"`
	StorageAccountPostfix string `yaml:"storage_account_postfix,omitempty"`
}

// Cloud returns the shared cloud settings for the selected provider, or nil
// for local deployments.
func (c *Config) Cloud() *CloudConfig {
	switch c.Provider {
	case provider.GCP:
		if c.GoogleCloudPlatform != nil {
			return &c.GoogleCloudPlatform.CloudConfig
		}
	case provider.AWS:
		return c.AmazonWebServices
	case provider.Azure:
		if c.Azure != nil {
			return &c.Azure.CloudConfig
		}
	case provider.DigitalOcean:
		return c.DigitalOcean
	}
	return nil
}

// NodeGroups returns the node groups of the selected provider. Local
// deployments report their node selector names with zero sizing.
func (c *Config) NodeGroups() map[string]NodeGroup {
	if cloud := c.Cloud(); cloud != nil {
		return cloud.NodeGroups
	}
	out := make(map[string]NodeGroup)
	if c.Local != nil {
		for name := range c.Local.NodeSelectors {
			out[name] = NodeGroup{}
		}
	}
	return out
}

// StagesDir returns the stage root directory.
func (c *Config) StagesDir() string {
	return c.Stages.Directory
}

// TerraformTimeout parses the configured invocation timeout.
func (c *Config) TerraformTimeout() (time.Duration, error) {
	if c.Terraform.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Terraform.Timeout)
}

// RemoteState reports whether stage 01 must provision a state bucket.
func (c *Config) RemoteState() bool {
	return c.Provider.IsCloud() && c.TerraformState.Type == StateRemote
}

// DeploymentName is the "<project>-<namespace>" prefix shared by provisioned resources.
func (c *Config) DeploymentName() string {
	return c.ProjectName + "-" + c.Namespace
}

// StateName names the remote state bucket; the lock table adds a "-lock" suffix.
func (c *Config) StateName() string {
	return c.DeploymentName() + "-terraform-state"
}

// StateResourceGroup is the azure resource group holding the state storage account.
func (c *Config) StateResourceGroup() string {
	return c.DeploymentName() + "-state"
}

// StorageAccountName is the azure storage account for remote state: lower-case
// alphanumerics only, at most 24 characters.
func (c *Config) StorageAccountName() string {
	var b strings.Builder
	postfix := ""
	if c.Azure != nil {
		postfix = c.Azure.StorageAccountPostfix
	}
	for _, r := range strings.ToLower(c.ProjectName + c.Namespace + postfix) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	name := b.String()
	if len(name) > 24 {
		name = name[:24]
	}
	return name
}
