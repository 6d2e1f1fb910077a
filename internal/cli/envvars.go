package cli

import (
	"os"
	"strings"

	envparse "github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
)

// baseEnv defines root CLI defaults sourced from QHUB_* env vars.
type baseEnv struct {
	// ConfigPath is the qhub-config.yaml path from QHUB_CONFIG.
	ConfigPath string `env:"QHUB_CONFIG"`
	// StagesDir overrides the stage root from QHUB_STAGES_DIR.
	StagesDir string `env:"QHUB_STAGES_DIR"`
	// LogLevel is the logging level from QHUB_LOG_LEVEL.
	LogLevel string `env:"QHUB_LOG_LEVEL"`
	// LogFormat is the log handler from QHUB_LOG_FORMAT.
	LogFormat string `env:"QHUB_LOG_FORMAT"`
}

// varsEnv describes inline vars and var files passed via env.
type varsEnv struct {
	// Vars is a k=v,k2=v2 list from QHUB_VARS.
	Vars string `env:"QHUB_VARS"`
	// VarFile is a YAML/ENV path from QHUB_VAR_FILE.
	VarFile string `env:"QHUB_VAR_FILE"`
}

// deployEnv captures deploy toggles.
type deployEnv struct {
	// DisableChecks skips post-deploy checks from QHUB_DISABLE_CHECKS.
	DisableChecks bool `env:"QHUB_DISABLE_CHECKS"`
	// DisableRender skips rendering from QHUB_DISABLE_RENDER.
	DisableRender bool `env:"QHUB_DISABLE_RENDER"`
}

// destroyEnv captures destroy toggles.
type destroyEnv struct {
	// IgnoreErrors keeps destroying after failures from QHUB_IGNORE_ERRORS.
	IgnoreErrors bool `env:"QHUB_IGNORE_ERRORS"`
	// Yes skips the confirmation prompt from QHUB_YES.
	Yes bool `env:"QHUB_YES"`
}

// parseEnv fills target from QHUB_* env vars via caarlos0/env.
func parseEnv(target any) error {
	return envparse.Parse(target)
}

// envPresent reports whether a non-empty env var exists.
func envPresent(key string) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return false
	}
	return strings.TrimSpace(val) != ""
}

// applyBaseEnv fills persistent flags the user did not set from QHUB_* vars.
func applyBaseEnv(cmd *cobra.Command, opts *Options) error {
	var e baseEnv
	if err := parseEnv(&e); err != nil {
		return err
	}
	flags := cmd.Flags()
	if !flags.Changed("config") && envPresent("QHUB_CONFIG") {
		opts.ConfigPath = e.ConfigPath
	}
	if !flags.Changed("stages-dir") && envPresent("QHUB_STAGES_DIR") {
		opts.StagesDir = e.StagesDir
	}
	if !flags.Changed("log-level") && envPresent("QHUB_LOG_LEVEL") {
		if err := flags.Set("log-level", e.LogLevel); err != nil {
			return err
		}
	}
	if !flags.Changed("log-format") && envPresent("QHUB_LOG_FORMAT") {
		opts.LogFormat = e.LogFormat
	}
	return nil
}

// applyVarsEnv fills --vars and --var-file from QHUB_VARS and QHUB_VAR_FILE.
func applyVarsEnv(cmd *cobra.Command) error {
	var e varsEnv
	if err := parseEnv(&e); err != nil {
		return err
	}
	if !cmd.Flags().Changed("vars") && envPresent("QHUB_VARS") {
		if err := cmd.Flags().Set("vars", e.Vars); err != nil {
			return err
		}
	}
	if !cmd.Flags().Changed("var-file") && envPresent("QHUB_VAR_FILE") {
		if err := cmd.Flags().Set("var-file", e.VarFile); err != nil {
			return err
		}
	}
	return nil
}
