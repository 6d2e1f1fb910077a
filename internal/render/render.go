// Package render generates the Terraform source of each stage from embedded
// templates.
package render

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/mitchellh/go-homedir"

	"github.com/qhub-dev/qhubctl/internal/config"
	"github.com/qhub-dev/qhubctl/internal/pipeline"
	"github.com/qhub-dev/qhubctl/internal/provider"
)

// Header is prepended to every generated file. Write only ever removes files
// that start with it.
const Header = "# Code generated by qhubctl; DO NOT EDIT.\n"

const (
	templateExt = ".tmpl"
	sharedDir   = "shared"
)

//go:embed templates
var embedded embed.FS

// Engine renders stage templates. It implements pipeline.Renderer.
type Engine struct {
	templates fs.FS
}

var _ pipeline.Renderer = (*Engine)(nil)

// Option customizes an Engine.
type Option func(*Engine)

// WithTemplates replaces the embedded template tree. The tree must hold a
// directory per stage id plus an optional shared directory.
func WithTemplates(fsys fs.FS) Option {
	return func(e *Engine) { e.templates = fsys }
}

// New returns an Engine backed by the embedded templates.
func New(opts ...Option) *Engine {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		panic(err)
	}
	e := &Engine{templates: sub}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckRoot rejects stage roots that would make Write clean up files in the
// user's home directory.
func CheckRoot(root string) error {
	expanded, err := homedir.Expand(root)
	if err != nil {
		return fmt.Errorf("expand stage root %q: %w", root, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return fmt.Errorf("resolve stage root %q: %w", root, err)
	}
	home, err := homedir.Dir()
	if err != nil {
		return nil
	}
	if homeAbs, err := filepath.Abs(home); err == nil && filepath.Clean(homeAbs) == filepath.Clean(abs) {
		return fmt.Errorf("stage root %q is the home directory", root)
	}
	return nil
}

// Data is the value templates are executed against.
type Data struct {
	StageID    string
	Provider   provider.Name
	Config     *config.Config
	ModulesDir string
	// Backend is the terraform backend type; empty keeps local state.
	Backend       string
	BackendConfig map[string]any
	Extensions    []config.TFExtension
	// KeycloakBot is set when an extension needs the keycloak admin bot password.
	KeycloakBot bool
}

// Render executes the shared templates and the templates of req.StageID.
// Outputs that are blank are omitted.
func (e *Engine) Render(_ context.Context, req pipeline.RenderRequest) (pipeline.Artifact, error) {
	art := pipeline.Artifact{Files: map[string][]byte{}}
	if req.Skip {
		return art, nil
	}
	if req.Config == nil {
		return art, errors.New("render: config is nil")
	}

	data, err := newData(req)
	if err != nil {
		return art, err
	}

	shared, err := doublestar.Glob(e.templates, sharedDir+"/*"+templateExt)
	if err != nil {
		return art, fmt.Errorf("list shared templates: %w", err)
	}
	own, err := doublestar.Glob(e.templates, req.StageID+"/**/*"+templateExt)
	if err != nil {
		return art, fmt.Errorf("list templates of stage %s: %w", req.StageID, err)
	}
	if len(own) == 0 {
		return art, fmt.Errorf("no templates for stage %s", req.StageID)
	}

	render := func(name, prefix string) error {
		raw, err := fs.ReadFile(e.templates, name)
		if err != nil {
			return fmt.Errorf("read template %s: %w", name, err)
		}
		tpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(string(raw))
		if err != nil {
			return fmt.Errorf("parse template %s: %w", name, err)
		}
		var buf bytes.Buffer
		if err := tpl.Execute(&buf, data); err != nil {
			return fmt.Errorf("execute template %s: %w", name, err)
		}
		if strings.TrimSpace(buf.String()) == "" {
			return nil
		}
		out := strings.TrimSuffix(strings.TrimPrefix(name, prefix), templateExt)
		content := strings.TrimRight(buf.String(), "\n") + "\n"
		art.Files[out] = []byte(Header + content)
		return nil
	}

	for _, name := range shared {
		if err := render(name, sharedDir+"/"); err != nil {
			return art, err
		}
	}
	for _, name := range own {
		if err := render(name, req.StageID+"/"); err != nil {
			return art, err
		}
	}
	return art, nil
}

// Write materializes art into dir. Previously generated files that art no
// longer contains are removed; hand-written files and .terraform are left alone.
func (e *Engine) Write(dir string, art pipeline.Artifact) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	stale, err := generatedFiles(dir)
	if err != nil {
		return err
	}
	for _, rel := range stale {
		if _, keep := art.Files[rel]; keep {
			continue
		}
		if err := os.Remove(filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			return fmt.Errorf("remove stale %s: %w", rel, err)
		}
	}

	for _, rel := range art.Names() {
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
		}
		if err := os.WriteFile(target, art.Files[rel], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", target, err)
		}
	}
	return nil
}

func generatedFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".terraform" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		head := make([]byte, len(Header))
		n, _ := f.Read(head)
		_ = f.Close()
		if string(head[:n]) != Header {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func newData(req pipeline.RenderRequest) (Data, error) {
	cfg := req.Config
	exts, err := cfg.TerraformExtensions()
	if err != nil {
		return Data{}, err
	}
	data := Data{
		StageID:    req.StageID,
		Provider:   req.Provider,
		Config:     cfg,
		ModulesDir: cfg.Stages.ModulesDir,
		Extensions: exts,
	}
	for _, ext := range exts {
		if ext.Keycloak {
			data.KeycloakBot = true
		}
	}
	data.Backend, data.BackendConfig = backend(cfg, req.Provider, req.StageID)
	return data, nil
}

// backend selects where a stage keeps its terraform state. The state stage
// itself and local deployments keep local state.
func backend(cfg *config.Config, p provider.Name, stageID string) (string, map[string]any) {
	if strings.HasPrefix(stageID, "01-") {
		return "", nil
	}
	switch cfg.TerraformState.Type {
	case config.StateExisting:
		out := make(map[string]any, len(cfg.TerraformState.Config))
		for k, v := range cfg.TerraformState.Config {
			out[k] = v
		}
		return cfg.TerraformState.Backend, out
	case config.StateLocal:
		return "", nil
	}
	if !p.IsCloud() {
		return "", nil
	}

	name := cfg.DeploymentName()
	region := ""
	if cloud := cfg.Cloud(); cloud != nil {
		region = cloud.Region
	}
	key := path.Join("terraform", name, stageID+".tfstate")

	switch p {
	case provider.AWS:
		return "s3", map[string]any{
			"bucket":         cfg.StateName(),
			"key":            key,
			"region":         region,
			"encrypt":        true,
			"dynamodb_table": cfg.StateName() + "-lock",
		}
	case provider.GCP:
		return "gcs", map[string]any{
			"bucket": cfg.StateName(),
			"prefix": path.Join("terraform", name, stageID),
		}
	case provider.DigitalOcean:
		return "s3", map[string]any{
			"endpoint":                    region + ".digitaloceanspaces.com",
			"region":                      "us-west-1",
			"bucket":                      cfg.StateName(),
			"key":                         key,
			"skip_credentials_validation": true,
			"skip_metadata_api_check":     true,
		}
	case provider.Azure:
		return "azurerm", map[string]any{
			"resource_group_name":  cfg.StateResourceGroup(),
			"storage_account_name": cfg.StorageAccountName(),
			"container_name":       name + "-state",
			"key":                  key,
		}
	}
	return "", nil
}
