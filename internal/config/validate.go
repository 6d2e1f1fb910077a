package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/qhub-dev/qhubctl/internal/provider"
)

var (
	projectNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)
	namespacePattern   = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
)

const maxProjectNameLen = 32

var validExtensionCodes = map[string]bool{
	"KEYCLOAK":     true,
	"OAUTH2CLIENT": true,
	"JWT":          true,
}

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// IsValidationError reports whether err is a configuration validation failure.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch {
	case c.ProjectName == "":
		add("project_name is required")
	case len(c.ProjectName) > maxProjectNameLen:
		add("project_name %q is longer than %d characters", c.ProjectName, maxProjectNameLen)
	case !projectNamePattern.MatchString(c.ProjectName):
		add("project_name %q must be lowercase letters, digits and dashes", c.ProjectName)
	}

	if !namespacePattern.MatchString(c.Namespace) {
		add("namespace %q is not a valid kubernetes namespace", c.Namespace)
	}
	if strings.TrimSpace(c.Domain) == "" {
		add("domain is required")
	}

	if _, err := provider.Parse(string(c.Provider)); err != nil {
		add("%v", err)
	} else {
		problems = append(problems, c.validateProvider()...)
	}

	switch c.TerraformState.Type {
	case StateRemote, StateLocal:
	case StateExisting:
		if c.TerraformState.Backend == "" {
			add("terraform_state.backend is required when terraform_state.type is %q", StateExisting)
		}
	default:
		add("terraform_state.type %q is not one of remote, local, existing", c.TerraformState.Type)
	}

	switch c.Certificate.Type {
	case CertSelfSigned:
	case CertLetsEncrypt:
		if c.Certificate.ACMEEmail == "" {
			add("certificate.acme_email is required for %q certificates", CertLetsEncrypt)
		}
	case CertExisting:
		if c.Certificate.SecretName == "" {
			add("certificate.secret_name is required for %q certificates", CertExisting)
		}
	default:
		add("certificate.type %q is not one of self-signed, lets-encrypt, existing", c.Certificate.Type)
	}

	switch strings.ToLower(c.Security.Authentication.Type) {
	case "password", "github", "auth0":
	default:
		add("security.authentication.type %q is not one of password, github, auth0", c.Security.Authentication.Type)
	}

	if _, err := c.TerraformTimeout(); err != nil {
		add("terraform.timeout: %v", err)
	}

	for name, u := range c.Security.Users {
		if u == nil || u.PrimaryGroup == "" {
			continue
		}
		if !c.groupDeclared(u.PrimaryGroup) {
			add("security.users.%s.primary_group %q is not a declared group", name, u.PrimaryGroup)
		}
	}

	seen := make(map[string]bool)
	for i, ext := range c.Extensions {
		if ext.Name == "" || ext.URLSlug == "" {
			add("extensions[%d]: name and urlslug are required", i)
		}
		if seen[ext.Name] {
			add("extensions[%d]: duplicate extension name %q", i, ext.Name)
		}
		seen[ext.Name] = true
		for _, e := range ext.Envs {
			if !validExtensionCodes[e.Code] {
				add("extensions[%d]: no such extension env code %q", i, e.Code)
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (c *Config) validateProvider() []string {
	var problems []string
	switch c.Provider {
	case provider.Local:
		return nil
	case provider.GCP:
		if c.GoogleCloudPlatform == nil {
			return []string{"google_cloud_platform block is required for provider gcp"}
		}
		if c.GoogleCloudPlatform.Project == "" {
			problems = append(problems, "google_cloud_platform.project is required")
		}
	case provider.Azure:
		if c.Azure == nil {
			return []string{"azure block is required for provider azure"}
		}
	case provider.AWS:
		if c.AmazonWebServices == nil {
			return []string{"amazon_web_services block is required for provider aws"}
		}
	case provider.DigitalOcean:
		if c.DigitalOcean == nil {
			return []string{"digital_ocean block is required for provider do"}
		}
	}
	if cloud := c.Cloud(); cloud != nil && cloud.Region == "" {
		problems = append(problems, fmt.Sprintf("region is required for provider %s", c.Provider))
	}
	for name, ng := range c.NodeGroups() {
		if ng.MinNodes < 0 || ng.MaxNodes < ng.MinNodes {
			problems = append(problems, fmt.Sprintf("node group %q: need 0 <= min_nodes <= max_nodes", name))
		}
	}
	return problems
}

func (c *Config) groupDeclared(name string) bool {
	if name == "users" || name == "admin" {
		return true
	}
	_, ok := c.Security.Groups[name]
	return ok
}
