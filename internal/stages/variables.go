package stages

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mitchellh/go-homedir"

	"github.com/qhub-dev/qhubctl/internal/config"
	"github.com/qhub-dev/qhubctl/internal/pipeline"
	"github.com/qhub-dev/qhubctl/internal/provider"
)

// nodeSelectorKeys is the node label each cloud puts the node pool name in.
var nodeSelectorKeys = map[provider.Name]string{
	provider.AWS:          "eks.amazonaws.com/nodegroup",
	provider.GCP:          "cloud.google.com/gke-nodepool",
	provider.Azure:        "azure-node-pool",
	provider.DigitalOcean: "doks.digitalocean.com/node-pool",
}

// nodeSelector returns the {key, value} label selecting the named node group.
func nodeSelector(cfg *config.Config, group string) map[string]any {
	if cfg.Provider == provider.Local {
		sel := map[string]any{"key": "", "value": ""}
		if cfg.Local != nil {
			for k, v := range cfg.Local.NodeSelectors[group] {
				sel[k] = v
			}
		}
		return sel
	}
	return map[string]any{"key": nodeSelectorKeys[cfg.Provider], "value": group}
}

func nodeSelectors(cfg *config.Config, groups ...string) map[string]any {
	out := make(map[string]any, len(groups))
	for _, g := range groups {
		out[g] = nodeSelector(cfg, g)
	}
	return out
}

func region(cfg *config.Config) string {
	if cloud := cfg.Cloud(); cloud != nil {
		return cloud.Region
	}
	return ""
}

func stateVariables(cfg *config.Config, _ pipeline.View) (map[string]any, error) {
	vars := map[string]any{
		"name":      cfg.DeploymentName(),
		"namespace": cfg.Namespace,
		"region":    region(cfg),
	}
	switch cfg.Provider {
	case provider.GCP:
		vars["project_id"] = cfg.GoogleCloudPlatform.Project
	case provider.Azure:
		vars["resource_group_name"] = cfg.StateResourceGroup()
		vars["storage_account_postfix"] = cfg.Azure.StorageAccountPostfix
	}
	return vars, nil
}

func infrastructureVariables(cfg *config.Config, _ pipeline.View) (map[string]any, error) {
	vars := map[string]any{
		"name":        cfg.ProjectName,
		"environment": cfg.Namespace,
	}
	if cfg.Provider == provider.Local {
		path := ""
		if cfg.Local != nil && cfg.Local.KubeConfig != "" {
			expanded, err := homedir.Expand(cfg.Local.KubeConfig)
			if err != nil {
				return nil, fmt.Errorf("expand kube_config: %w", err)
			}
			path = expanded
		}
		vars["kubeconfig_path"] = path
		vars["kube_context"] = ""
		if cfg.Local != nil {
			vars["kube_context"] = cfg.Local.KubeContext
		}
		return vars, nil
	}

	cloud := cfg.Cloud()
	vars["region"] = cloud.Region
	vars["kubernetes_version"] = cloud.KubernetesVersion
	groups := make(map[string]any, len(cloud.NodeGroups))
	for name, ng := range cloud.NodeGroups {
		groups[name] = map[string]any{
			"instance":  ng.Instance,
			"min_nodes": ng.MinNodes,
			"max_nodes": ng.MaxNodes,
			"gpu":       ng.GPU,
		}
	}
	vars["node_groups"] = groups
	if cfg.Provider == provider.GCP {
		vars["project_id"] = cfg.GoogleCloudPlatform.Project
	}
	return vars, nil
}

func initializeVariables(cfg *config.Config, _ pipeline.View) (map[string]any, error) {
	gpuGroups := []string{}
	for name, ng := range cfg.NodeGroups() {
		if ng.GPU {
			gpuGroups = append(gpuGroups, name)
		}
	}
	sort.Strings(gpuGroups)

	vars := map[string]any{
		"name":                 cfg.ProjectName,
		"environment":          cfg.Namespace,
		"cloud_provider":       string(cfg.Provider),
		"gpu_enabled":          len(gpuGroups) > 0,
		"gpu_node_group_names": gpuGroups,
		"aws_region":           "",
	}
	if cfg.Provider == provider.AWS {
		vars["aws_region"] = region(cfg)
	}
	return vars, nil
}

func ingressVariables(cfg *config.Config, _ pipeline.View) (map[string]any, error) {
	overrides := cfg.Ingress.TerraformOverrides
	if overrides == nil {
		overrides = map[string]any{}
	}
	return map[string]any{
		"name":                    cfg.ProjectName,
		"environment":             cfg.Namespace,
		"node_groups":             nodeSelectors(cfg, "general"),
		"certificate_type":        cfg.Certificate.Type,
		"acme_email":              cfg.Certificate.ACMEEmail,
		"acme_server":             cfg.Certificate.ACMEServer,
		"certificate_secret_name": cfg.Certificate.SecretName,
		"overrides":               overrides,
	}, nil
}

func keycloakVariables(cfg *config.Config, _ pipeline.View) (map[string]any, error) {
	overrides := cfg.Security.Keycloak.Overrides
	if overrides == nil {
		overrides = map[string]any{}
	}
	raw, err := json.Marshal(overrides)
	if err != nil {
		return nil, fmt.Errorf("encode keycloak overrides: %w", err)
	}
	return map[string]any{
		"name":                  cfg.ProjectName,
		"environment":           cfg.Namespace,
		"endpoint":              cfg.Domain,
		"initial_root_password": cfg.Security.Keycloak.InitialRootPassword,
		"overrides":             string(raw),
		"node_group":            nodeSelector(cfg, "general"),
	}, nil
}

func keycloakConfigurationVariables(cfg *config.Config, _ pipeline.View) (map[string]any, error) {
	users, memberships, err := cfg.TerraformUsers()
	if err != nil {
		return nil, err
	}
	authConfig := cfg.Security.Authentication.Config
	if authConfig == nil {
		authConfig = map[string]string{}
	}
	return map[string]any{
		"realm_display_name": cfg.ProjectName,
		"authentication": map[string]any{
			"type":   cfg.Security.Authentication.Type,
			"config": authConfig,
		},
		"users":       users,
		"groups":      cfg.TerraformGroups(),
		"user_groups": memberships,
	}, nil
}

func realmID(outputs pipeline.View) (string, error) {
	v, err := outputs.Value(KubernetesKeycloakConfiguration, "realm_id")
	if err != nil {
		return "", err
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("output realm_id of %s: expected a non-empty string, got %v", KubernetesKeycloakConfiguration, v)
	}
	return id, nil
}

func servicesVariables(cfg *config.Config, outputs pipeline.View) (map[string]any, error) {
	realm, err := realmID(outputs)
	if err != nil {
		return nil, err
	}
	profiles, err := cfg.DaskGatewayProfiles()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"name":                           cfg.ProjectName,
		"environment":                    cfg.Namespace,
		"endpoint":                       cfg.Domain,
		"realm_id":                       realm,
		"node_groups":                    nodeSelectors(cfg, "general", "user", "worker"),
		"jupyterhub_image":               cfg.DefaultImages.JupyterHub,
		"jupyterlab_image":               cfg.DefaultImages.JupyterLab,
		"dask_worker_image":              cfg.DefaultImages.DaskWorker,
		"dask_gateway_profiles":          profiles,
		"jupyterhub_logout_redirect_url": cfg.FinalLogoutURI(),
	}, nil
}

func extensionsVariables(cfg *config.Config, outputs pipeline.View) (map[string]any, error) {
	realm, err := realmID(outputs)
	if err != nil {
		return nil, err
	}
	helm := make([]map[string]any, 0, len(cfg.HelmExtensions))
	for _, ext := range cfg.HelmExtensions {
		overrides := ext.Overrides
		if overrides == nil {
			overrides = map[string]any{}
		}
		helm = append(helm, map[string]any{
			"name":       ext.Name,
			"repository": ext.Repository,
			"chart":      ext.Chart,
			"version":    ext.Version,
			"overrides":  overrides,
		})
	}
	return map[string]any{
		"environment":     cfg.Namespace,
		"endpoint":        cfg.Domain,
		"realm_id":        realm,
		"helm_extensions": helm,
	}, nil
}
