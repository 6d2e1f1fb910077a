package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/mitchellh/copystructure"
)

// TFGroup is a keycloak group as consumed by the identity configuration stage.
type TFGroup struct {
	Name string `json:"name"`
	GID  string `json:"gid"`
}

// TFUser is a keycloak user as consumed by the identity configuration stage.
type TFUser struct {
	Name         string  `json:"name"`
	UID          string  `json:"uid"`
	Password     string  `json:"password"`
	Email        *string `json:"email"`
	PrimaryGroup string  `json:"primary_group"`
}

// TerraformGroups returns the declared groups with "users" and "admin"
// always first, followed by the remaining groups sorted by name.
func (c *Config) TerraformGroups() []TFGroup {
	gid := func(name string) string {
		if g := c.Security.Groups[name]; g != nil {
			return g.GID
		}
		return ""
	}
	groups := []TFGroup{{Name: "users", GID: gid("users")}, {Name: "admin", GID: gid("admin")}}

	names := make([]string, 0, len(c.Security.Groups))
	for name := range c.Security.Groups {
		if name != "users" && name != "admin" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		groups = append(groups, TFGroup{Name: name, GID: gid(name)})
	}
	return groups
}

// TerraformUsers returns the declared users sorted by name and, for each user,
// the indexes into TerraformGroups of the groups the user belongs to. Every
// user is a member of "users".
func (c *Config) TerraformUsers() ([]TFUser, [][]int, error) {
	index := make(map[string]int)
	for i, g := range c.TerraformGroups() {
		index[g.Name] = i
	}

	names := make([]string, 0, len(c.Security.Users))
	for name := range c.Security.Users {
		names = append(names, name)
	}
	sort.Strings(names)

	users := make([]TFUser, 0, len(names))
	memberships := make([][]int, 0, len(names))
	for _, name := range names {
		u := c.Security.Users[name]
		if u == nil {
			u = &User{}
		}
		primary := u.PrimaryGroup
		if primary == "" {
			primary = "users"
		}
		tf := TFUser{Name: name, UID: u.UID, Password: u.Password, PrimaryGroup: primary}
		if strings.Contains(name, "@") {
			email := name
			tf.Email = &email
		}
		users = append(users, tf)

		seen := make(map[int]bool)
		var groups []int
		for _, g := range append([]string{u.PrimaryGroup, "users"}, u.SecondaryGroups...) {
			if g == "" {
				continue
			}
			i, ok := index[g]
			if !ok {
				return nil, nil, fmt.Errorf("user %q references unknown group %q", name, g)
			}
			if !seen[i] {
				seen[i] = true
				groups = append(groups, i)
			}
		}
		sort.Ints(groups)
		memberships = append(memberships, groups)
	}
	return users, memberships, nil
}

// TFExtensionEnv is an environment variable of an extension. RawValue is a
// terraform expression, not a plain string.
type TFExtensionEnv struct {
	Name     string `json:"name"`
	RawValue string `json:"rawvalue"`
}

// TFExtension is an extension with its environment expanded from env codes.
type TFExtension struct {
	Name         string           `json:"name"`
	Image        string           `json:"image"`
	URLSlug      string           `json:"urlslug"`
	Private      bool             `json:"private"`
	OAuth2Client bool             `json:"oauth2client"`
	Logout       string           `json:"logout"`
	JWT          bool             `json:"jwt"`
	Keycloak     bool             `json:"keycloak"`
	Envs         []TFExtensionEnv `json:"envs"`
}

// TerraformExtensions expands every extension's env codes into terraform
// expressions. An unknown code is an error.
func (c *Config) TerraformExtensions() ([]TFExtension, error) {
	out := make([]TFExtension, 0, len(c.Extensions))
	for _, ext := range c.Extensions {
		tf := TFExtension{
			Name:         ext.Name,
			Image:        ext.Image,
			URLSlug:      ext.URLSlug,
			Private:      ext.Private,
			OAuth2Client: ext.OAuth2Client,
			Logout:       ext.Logout,
			Envs:         []TFExtensionEnv{},
		}
		for _, e := range ext.Envs {
			switch e.Code {
			case "KEYCLOAK":
				tf.Keycloak = true
				tf.Envs = append(tf.Envs,
					TFExtensionEnv{Name: "KEYCLOAK_SERVER_URL", RawValue: `"http://keycloak-headless.${var.environment}:8080/auth/"`},
					TFExtensionEnv{Name: "KEYCLOAK_ADMIN_USERNAME", RawValue: `"qhub-bot"`},
					TFExtensionEnv{Name: "KEYCLOAK_ADMIN_PASSWORD", RawValue: "random_password.keycloak-qhub-bot-password.result"},
				)
			case "OAUTH2CLIENT":
				tf.Envs = append(tf.Envs,
					TFExtensionEnv{Name: "OAUTH2_AUTHORIZE_URL", RawValue: `"https://${var.endpoint}/auth/realms/qhub/protocol/openid-connect/auth"`},
					TFExtensionEnv{Name: "OAUTH2_ACCESS_TOKEN_URL", RawValue: `"https://${var.endpoint}/auth/realms/qhub/protocol/openid-connect/token"`},
					TFExtensionEnv{Name: "OAUTH2_USER_DATA_URL", RawValue: `"https://${var.endpoint}/auth/realms/qhub/protocol/openid-connect/userinfo"`},
					TFExtensionEnv{Name: "OAUTH2_CLIENT_ID", RawValue: fmt.Sprintf(`"qhub-ext-%s-client"`, ext.Name)},
					TFExtensionEnv{Name: "OAUTH2_CLIENT_SECRET", RawValue: fmt.Sprintf("random_password.qhub-ext-%s-keycloak-client-pw.result", ext.Name)},
					TFExtensionEnv{Name: "OAUTH2_REDIRECT_BASE", RawValue: fmt.Sprintf(`"https://${var.endpoint}/%s/"`, ext.URLSlug)},
					TFExtensionEnv{Name: "COOKIE_OAUTH2STATE_NAME", RawValue: fmt.Sprintf(`"qhub-o2state-%s"`, ext.Name)},
				)
			case "JWT":
				tf.JWT = true
				tf.Envs = append(tf.Envs,
					TFExtensionEnv{Name: "JWT_SECRET_KEY", RawValue: fmt.Sprintf("random_password.qhub-ext-%s-jwt-secret.result", ext.Name)},
					TFExtensionEnv{Name: "COOKIE_AUTHORIZATION_NAME", RawValue: fmt.Sprintf(`"qhub-jwt-%s"`, ext.Name)},
				)
			default:
				return nil, fmt.Errorf("extension %q: no such extension env code %q", ext.Name, e.Code)
			}
		}
		out = append(out, tf)
	}
	return out, nil
}

// LogoutURIs lists the logout endpoints of extensions that declare one.
func (c *Config) LogoutURIs() []string {
	var uris []string
	for _, ext := range c.Extensions {
		if ext.Logout != "" {
			uris = append(uris, fmt.Sprintf("https://%s/%s%s", c.Domain, ext.URLSlug, ext.Logout))
		}
	}
	return uris
}

// FinalLogoutURI chains every extension logout endpoint in front of the hub
// login page, each one redirecting to the previous.
func (c *Config) FinalLogoutURI() string {
	final := fmt.Sprintf("https://%s/hub/login", c.Domain)
	for _, uri := range c.LogoutURIs() {
		final = uri + "?" + url.Values{"redirect_uri": {final}}.Encode()
	}
	return final
}

var daskExtraPodConfigKeys = []string{"worker_extra_pod_config", "scheduler_extra_pod_config"}

// DaskGatewayProfiles returns the dask worker profiles with the shared
// conda-store volume merged into any worker or scheduler extra pod config.
// The configuration itself is left untouched.
func (c *Config) DaskGatewayProfiles() (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(c.Profiles.DaskWorker))
	for name, profile := range c.Profiles.DaskWorker {
		v, err := copystructure.Copy(profile)
		if err != nil {
			return nil, fmt.Errorf("copy dask profile %q: %w", name, err)
		}
		cp, _ := v.(map[string]any)
		if cp == nil {
			cp = map[string]any{}
		}
		for _, key := range daskExtraPodConfigKeys {
			podConfig, ok := cp[key].(map[string]any)
			if !ok {
				continue
			}
			if err := mergo.Merge(&podConfig, c.condaStorePodConfig(), mergo.WithAppendSlice); err != nil {
				return nil, fmt.Errorf("merge %s of dask profile %q: %w", key, name, err)
			}
			cp[key] = podConfig
		}
		out[name] = cp
	}
	return out, nil
}

func (c *Config) condaStorePodConfig() map[string]any {
	return map[string]any{
		"volumes": []any{
			map[string]any{
				"name": "conda-store",
				"persistentVolumeClaim": map[string]any{
					"claimName": fmt.Sprintf("conda-store-%s-share", c.Namespace),
				},
			},
		},
	}
}
