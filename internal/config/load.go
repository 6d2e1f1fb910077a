package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"gopkg.in/yaml.v3"

	"github.com/qhub-dev/qhubctl/internal/env"
	"github.com/qhub-dev/qhubctl/internal/provider"
)

// Defaults applied when the document leaves a field empty.
const (
	DefaultNamespace       = "dev"
	DefaultStagesDir       = "stages"
	DefaultModulesDir      = "modules"
	DefaultTerraformBinary = "terraform"
	DefaultTerraformVer    = "1.5.7"
	DefaultTerraformTime   = "45m"
	DefaultAuthType        = "password"
)

// LoadOptions describes parameters that influence template rendering of qhub-config.yaml.
type LoadOptions struct {
	// UserVars are inline variables for template rendering.
	UserVars env.Vars
	// VarFiles lists additional var-files to load.
	VarFiles []string
	// Environ overrides the process environment (tests); nil means os.Environ.
	Environ []string
}

// TemplateContext is the data exposed to Go-templates when rendering qhub-config.yaml.
type TemplateContext struct {
	// ProjectRoot is the directory containing the configuration file.
	ProjectRoot string
	// Now is the timestamp captured for template rendering.
	Now time.Time
	// UserVars contains inline user variables.
	UserVars env.Vars
	// EnvMap merges OS env, envFiles, var-files and user variables.
	EnvMap env.Vars
}

// rawHeader is a minimal struct used to extract top-level fields before templating.
type rawHeader struct {
	EnvFiles []string `yaml:"env_files"`
}

// LoadAndRender reads the configuration file, loads env files and user vars,
// and returns the rendered YAML bytes with the template context that was used.
func LoadAndRender(path string, opts LoadOptions) ([]byte, TemplateContext, error) {
	var zeroCtx TemplateContext

	if strings.TrimSpace(path) == "" {
		return nil, zeroCtx, fmt.Errorf("config path is empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, zeroCtx, fmt.Errorf("resolve config path: %w", err)
	}

	rawBytes, err := os.ReadFile(absPath)
	if err != nil {
		return nil, zeroCtx, fmt.Errorf("read config %q: %w", absPath, err)
	}

	// env_files may itself contain template actions; only literal entries are honored here.
	var header rawHeader
	_ = yaml.Unmarshal(rawBytes, &header)

	baseDir := filepath.Dir(absPath)
	osVars := env.FromOS()
	if opts.Environ != nil {
		osVars = env.FromList(opts.Environ)
	}

	envFileVars, err := env.LoadEnvFiles(baseDir, header.EnvFiles)
	if err != nil {
		return nil, zeroCtx, err
	}

	varFileVars := make(env.Vars)
	for _, vf := range opts.VarFiles {
		if strings.TrimSpace(vf) == "" {
			continue
		}
		vp, err := env.LoadVarFile(vf)
		if err != nil {
			return nil, zeroCtx, fmt.Errorf("load var-file %q: %w", vf, err)
		}
		varFileVars = env.Merge(varFileVars, vp)
	}

	ctx := TemplateContext{
		ProjectRoot: baseDir,
		Now:         time.Now().UTC(),
		UserVars:    opts.UserVars,
		EnvMap:      env.Merge(osVars, envFileVars, varFileVars, opts.UserVars),
	}

	rendered, err := RenderTemplate(filepath.Base(absPath), rawBytes, ctx)
	if err != nil {
		return nil, zeroCtx, err
	}
	return rendered, ctx, nil
}

// Load loads, templates, resolves secrets in and parses qhub-config.yaml.
// The returned Config has defaults applied and has been validated.
func Load(path string, opts LoadOptions) (*Config, error) {
	rendered, ctx, err := LoadAndRender(path, opts)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(rendered, ctx.EnvMap)
	if err != nil {
		return nil, err
	}

	if !filepath.IsAbs(cfg.Stages.Directory) {
		cfg.Stages.Directory = filepath.Join(ctx.ProjectRoot, cfg.Stages.Directory)
	}
	if !filepath.IsAbs(cfg.Stages.ModulesDir) {
		cfg.Stages.ModulesDir = filepath.Join(ctx.ProjectRoot, cfg.Stages.ModulesDir)
	}
	return cfg, nil
}

// Parse decodes a rendered document, substitutes QHUB_SECRET_ placeholders
// from vars, applies defaults and validates the result. Unknown keys are rejected.
func Parse(rendered []byte, vars env.Vars) (*Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(rendered, &doc); err != nil {
		return nil, fmt.Errorf("parse rendered config: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("config document is empty")
	}
	if err := env.ResolveSecrets(doc, vars); err != nil {
		return nil, err
	}

	resolved, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode resolved config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(resolved))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg as YAML to path.
func Save(path string, cfg *Config) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write config %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.Provider = provider.Name(strings.ToLower(strings.TrimSpace(string(c.Provider))))
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.Stages.Directory == "" {
		c.Stages.Directory = DefaultStagesDir
	}
	if c.Stages.ModulesDir == "" {
		c.Stages.ModulesDir = DefaultModulesDir
	}
	if c.Terraform.Binary == "" {
		c.Terraform.Binary = DefaultTerraformBinary
	}
	if c.Terraform.Version == "" {
		c.Terraform.Version = DefaultTerraformVer
	}
	if c.Terraform.Timeout == "" {
		c.Terraform.Timeout = DefaultTerraformTime
	}
	if c.TerraformState.Type == "" {
		c.TerraformState.Type = StateRemote
	}
	if c.Certificate.Type == "" {
		c.Certificate.Type = CertSelfSigned
	}
	if c.Certificate.Type == CertLetsEncrypt && c.Certificate.ACMEServer == "" {
		c.Certificate.ACMEServer = "https://acme-v02.api.letsencrypt.org/directory"
	}
	if c.Security.Authentication.Type == "" {
		c.Security.Authentication.Type = DefaultAuthType
	}
}

// RenderTemplate renders arbitrary text using the configuration template context and helpers.
func RenderTemplate(name string, raw []byte, ctx TemplateContext) ([]byte, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Funcs(buildFuncMap(ctx)).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return nil, fmt.Errorf("execute template %q: %w", name, err)
	}
	return buf.Bytes(), nil
}

// buildFuncMap returns sprig's text helpers plus the qhub-specific ones.
func buildFuncMap(ctx TemplateContext) template.FuncMap {
	funcs := sprig.TxtFuncMap()
	funcs["envOr"] = funcEnvOr(ctx.EnvMap)
	funcs["slug"] = funcSlug
	funcs["truncSHA"] = funcTruncSHA
	funcs["now"] = func() time.Time { return ctx.Now }
	return funcs
}

// funcSlug normalizes a value into a lower-case dash-separated slug.
func funcSlug(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.ReplaceAll(v, " ", "-")
	v = strings.ReplaceAll(v, "_", "-")
	return v
}

// funcTruncSHA truncates an SHA-like string to a shorter length for display.
func funcTruncSHA(s string) string {
	const max = 12
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// funcEnvOr returns a function that looks up a key in envMap and falls back to def.
func funcEnvOr(envMap env.Vars) func(key, def string) string {
	return func(key, def string) string {
		if v, ok := envMap[key]; ok && v != "" {
			return v
		}
		return def
	}
}
