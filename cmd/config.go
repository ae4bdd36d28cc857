package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "firefly"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage firefly configuration.

Running bare 'firefly config' is the same as 'firefly config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# firefly configuration
# See: firefly config show (for effective values and sources)

# State/data directory (default: ~/.config/firefly)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/firefly/firefly.db)
# db_path: {{ .DBPath }}

# Account whose sessions this device works on
user_id: "{{ .UserID }}"

# Remote store
remote:
  # Base URL of the sessions API; leave empty to work offline only
  base_url: "{{ .RemoteBaseURL }}"
  # Bearer token sent with every request
  token: ""
  # Per-request timeout (default: 15s)
  timeout: {{ .RemoteTimeout }}

# Sync coordinator
sync:
  # How often the daemon drains the queue (default: 30s)
  interval: {{ .SyncInterval }}
  # First retry delay; doubles per attempt up to max_delay
  base_delay: {{ .SyncBaseDelay }}
  max_delay: {{ .SyncMaxDelay }}
  # Attempts before an operation is dead-lettered (default: 8)
  max_attempts: {{ .SyncMaxAttempts }}
  # Sessions synced concurrently (default: 4)
  fan_out: {{ .SyncFanOut }}

# Goal decomposition
anthropic:
  api_key: ""
  model: "{{ .AnthropicModel }}"

# Local API server
serve:
  port: {{ .ServePort }}
`

type configTemplateData struct {
	StateDir        string
	DBPath          string
	UserID          string
	RemoteBaseURL   string
	RemoteTimeout   string
	SyncInterval    string
	SyncBaseDelay   string
	SyncMaxDelay    string
	SyncMaxAttempts int
	SyncFanOut      int
	AnthropicModel  string
	ServePort       int
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:        viper.GetString("state_dir"),
		DBPath:          viper.GetString("db_path"),
		UserID:          viper.GetString("user_id"),
		RemoteBaseURL:   viper.GetString("remote.base_url"),
		RemoteTimeout:   viper.GetDuration("remote.timeout").String(),
		SyncInterval:    viper.GetDuration("sync.interval").String(),
		SyncBaseDelay:   viper.GetDuration("sync.base_delay").String(),
		SyncMaxDelay:    viper.GetDuration("sync.max_delay").String(),
		SyncMaxAttempts: viper.GetInt("sync.max_attempts"),
		SyncFanOut:      viper.GetInt("sync.fan_out"),
		AnthropicModel:  viper.GetString("anthropic.model"),
		ServePort:       viper.GetInt("serve.port"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
	Secret bool
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "FIREFLY_STATE_DIR"},
	{Key: "db_path", EnvVar: "FIREFLY_DB_PATH"},
	{Key: "user_id", EnvVar: "FIREFLY_USER_ID"},
	{Key: "remote.base_url", EnvVar: "FIREFLY_REMOTE_BASE_URL"},
	{Key: "remote.token", EnvVar: "FIREFLY_REMOTE_TOKEN", Secret: true},
	{Key: "remote.timeout", EnvVar: "FIREFLY_REMOTE_TIMEOUT"},
	{Key: "sync.interval", EnvVar: "FIREFLY_SYNC_INTERVAL"},
	{Key: "sync.base_delay", EnvVar: "FIREFLY_SYNC_BASE_DELAY"},
	{Key: "sync.max_delay", EnvVar: "FIREFLY_SYNC_MAX_DELAY"},
	{Key: "sync.max_attempts", EnvVar: "FIREFLY_SYNC_MAX_ATTEMPTS"},
	{Key: "sync.fan_out", EnvVar: "FIREFLY_SYNC_FAN_OUT"},
	{Key: "anthropic.api_key", EnvVar: "FIREFLY_ANTHROPIC_API_KEY", Secret: true},
	{Key: "anthropic.model", EnvVar: "FIREFLY_ANTHROPIC_MODEL"},
	{Key: "serve.port", EnvVar: "FIREFLY_SERVE_PORT"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Secret && viper.GetString(k.Key) != "" {
			val = "********"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'firefly config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
