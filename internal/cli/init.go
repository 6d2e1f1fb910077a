package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/qhub-dev/qhubctl/internal/config"
	"github.com/qhub-dev/qhubctl/internal/env"
	"github.com/qhub-dev/qhubctl/internal/provider"
)

type initFlags struct {
	project    string
	domain     string
	namespace  string
	region     string
	gcpProject string
	auth       string
	force      bool
}

// newInitCommand creates the "init" subcommand that writes a starter qhub-config.yaml.
func newInitCommand(opts *Options) *cobra.Command {
	var f initFlags

	cmd := &cobra.Command{
		Use:       "init <provider>",
		Short:     "Write a starter qhub-config.yaml for a provider",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"local", "gcp", "do", "aws", "azure"},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := LoggerFromContext(cmd.Context())

			p, err := provider.Parse(args[0])
			if err != nil {
				return err
			}
			if _, err := os.Stat(opts.ConfigPath); err == nil && !f.force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", opts.ConfigPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat %s: %w", opts.ConfigPath, err)
			}

			cfg := starterConfig(p, f)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(opts.ConfigPath, cfg); err != nil {
				return err
			}
			logger.Info("wrote starter configuration", "path", opts.ConfigPath, "provider", p)
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s before deploying; it provides the initial keycloak root password.\n", strings.TrimPrefix(rootPasswordSecret, env.SecretPrefix))
			return nil
		},
	}

	cmd.Flags().StringVar(&f.project, "project", "qhub", "Project name, used as a resource prefix")
	cmd.Flags().StringVar(&f.domain, "domain", "qhub.example.com", "Domain qhub is served under")
	cmd.Flags().StringVar(&f.namespace, "namespace", config.DefaultNamespace, "Kubernetes namespace")
	cmd.Flags().StringVar(&f.region, "region", "", "Cloud region (provider default when empty)")
	cmd.Flags().StringVar(&f.gcpProject, "gcp-project", "", "Google Cloud project id")
	cmd.Flags().StringVar(&f.auth, "auth", config.DefaultAuthType, "Authentication type (password, github, auth0)")
	cmd.Flags().BoolVar(&f.force, "force", false, "Overwrite an existing configuration file")
	return cmd
}

const rootPasswordSecret = env.SecretPrefix + "KEYCLOAK_ROOT_PASSWORD"

type providerDefaults struct {
	region  string
	general string
	user    string
	worker  string
}

var starterDefaults = map[provider.Name]providerDefaults{
	provider.AWS:          {region: "us-west-2", general: "m5.2xlarge", user: "m5.xlarge", worker: "m5.xlarge"},
	provider.GCP:          {region: "us-central1", general: "n1-standard-4", user: "n1-standard-2", worker: "n1-standard-2"},
	provider.DigitalOcean: {region: "nyc3", general: "g-8vcpu-32gb", user: "g-4vcpu-16gb", worker: "g-4vcpu-16gb"},
	provider.Azure:        {region: "Central US", general: "Standard_D4_v3", user: "Standard_D2_v2", worker: "Standard_D2_v2"},
}

func starterConfig(p provider.Name, f initFlags) *config.Config {
	cfg := &config.Config{
		ProjectName: f.project,
		Provider:    p,
		Namespace:   f.namespace,
		Domain:      f.domain,
		Certificate: config.CertificateConfig{Type: config.CertSelfSigned},
		TerraformState: config.TerraformStateConfig{
			Type: config.StateRemote,
		},
		Security: config.SecurityConfig{
			Authentication: config.AuthenticationConfig{Type: f.auth},
			Keycloak:       config.KeycloakConfig{InitialRootPassword: rootPasswordSecret},
		},
		DefaultImages: config.DefaultImages{
			JupyterHub: "quansight/qhub-jupyterhub:v0.4.3",
			JupyterLab: "quansight/qhub-jupyterlab:v0.4.3",
			DaskWorker: "quansight/qhub-dask-worker:v0.4.3",
		},
		Profiles: config.Profiles{DaskWorker: map[string]map[string]any{
			"Small Worker":  {"worker_cores_limit": 1, "worker_cores": 1, "worker_memory_limit": "1G", "worker_memory": "1G"},
			"Medium Worker": {"worker_cores_limit": 2, "worker_cores": 2, "worker_memory_limit": "4G", "worker_memory": "4G"},
		}},
	}

	if p == provider.Local {
		cfg.TerraformState.Type = config.StateLocal
		selector := map[string]string{"key": "kubernetes.io/os", "value": "linux"}
		cfg.Local = &config.LocalConfig{NodeSelectors: map[string]map[string]string{
			"general": selector,
			"user":    selector,
			"worker":  selector,
		}}
		return cfg
	}

	d := starterDefaults[p]
	region := f.region
	if region == "" {
		region = d.region
	}
	cloud := config.CloudConfig{
		Region: region,
		NodeGroups: map[string]config.NodeGroup{
			"general": {Instance: d.general, MinNodes: 1, MaxNodes: 1},
			"user":    {Instance: d.user, MinNodes: 0, MaxNodes: 5},
			"worker":  {Instance: d.worker, MinNodes: 0, MaxNodes: 5},
		},
	}
	switch p {
	case provider.AWS:
		cfg.AmazonWebServices = &cloud
	case provider.DigitalOcean:
		cfg.DigitalOcean = &cloud
	case provider.GCP:
		project := f.gcpProject
		if project == "" {
			project = f.project
		}
		cfg.GoogleCloudPlatform = &config.GCPConfig{CloudConfig: cloud, Project: project}
	case provider.Azure:
		cfg.Azure = &config.AzureConfig{
			CloudConfig:           cloud,
			StorageAccountPostfix: strings.ReplaceAll(uuid.NewString(), "-", "")[:4],
		}
	}
	return cfg
}
