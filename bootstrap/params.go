package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"github.com/ruteri/webapp-instance-provisioning/configrender"
	"github.com/ruteri/webapp-instance-provisioning/interfaces"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. WEBAPP_RUNTIME_DB_HOST.
const EnvPrefix = "WEBAPP"

// DefaultImageMarker marks images that already carry the application tree.
const DefaultImageMarker = "/etc/webapp/prebuilt-image"

// Params are the non-sensitive bootstrap parameters. Credentials never
// appear here; they are resolved from the secret store at run time.
type Params struct {
	Strategy    string `mapstructure:"strategy"`
	ImageMarker string `mapstructure:"image_marker"`

	SecretStore    string        `mapstructure:"secret_store"`
	Secrets        SecretNames   `mapstructure:"secrets"`
	ArtifactStores []string      `mapstructure:"artifact_stores"`
	ArtifactPath   string        `mapstructure:"artifact_path"`
	AppConfigPath  string        `mapstructure:"app_config_path"`
	WorkDir        string        `mapstructure:"work_dir"`
	MinAppVersion  string        `mapstructure:"min_app_version"`
	Mount          MountParams   `mapstructure:"mount"`
	Install        InstallParams `mapstructure:"install"`
	SetupCommand   []string      `mapstructure:"setup_command"`
	Services       []string      `mapstructure:"services"`
	Retry          RetryParams   `mapstructure:"retry"`

	// Runtime holds the non-secret Runtime Configuration keys (DB_HOST,
	// APP_URL, ...). Keys are case-insensitive.
	Runtime map[string]string `mapstructure:"runtime"`
}

type SecretNames struct {
	Database    string `mapstructure:"database"`
	Cache       string `mapstructure:"cache"`
	Application string `mapstructure:"application"`
}

type MountParams struct {
	FileSystemID  string   `mapstructure:"filesystem_id"`
	AccessPointID string   `mapstructure:"access_point_id"`
	Target        string   `mapstructure:"target"`
	FSType        string   `mapstructure:"fs_type"`
	Options       []string `mapstructure:"options"`
	Owner         string   `mapstructure:"owner"`
	MountTable    string   `mapstructure:"mount_table"`
}

type InstallParams struct {
	ScriptKey    string `mapstructure:"script_key"`
	ScriptSHA256 string `mapstructure:"script_sha256"`
	Interpreter  string `mapstructure:"interpreter"`
	PlaybookRepo string `mapstructure:"playbook_repo"`
	PlaybookRef  string `mapstructure:"playbook_ref"`
	PlaybookPath string `mapstructure:"playbook_path"`
	GitToken     string `mapstructure:"git_token"`
}

type RetryParams struct {
	Attempts      int           `mapstructure:"attempts"`
	Interval      time.Duration `mapstructure:"interval"`
	FetchAttempts int           `mapstructure:"fetch_attempts"`
}

// runtimeParamKeys are the Runtime Configuration keys accepted as
// parameters. Secret-derived keys are absent on purpose.
var runtimeParamKeys = []string{
	interfaces.KeyDBHost,
	interfaces.KeyDBPort,
	interfaces.KeyDBName,
	interfaces.KeyDBSSLMode,
	interfaces.KeyDBCABundle,
	interfaces.KeyCacheHost,
	interfaces.KeyCachePort,
	interfaces.KeyCacheTLS,
	interfaces.KeyAppURL,
	interfaces.KeyAppTitle,
	interfaces.KeyAppVersion,
	interfaces.KeyRuntimeVersion,
	interfaces.KeyAppAPIURL,
	interfaces.KeyAppAPIRequiredFields,
	interfaces.KeyAppTablePrefix,
	interfaces.KeyAppDocroot,
}

// LoadParams reads parameters from the optional YAML file at path, then
// overlays environment variables with the WEBAPP_ prefix.
func LoadParams(path string) (*Params, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &interfaces.ConfigError{Reason: fmt.Sprintf("reading parameter file %s: %v", path, err)}
		}
	}

	var p Params
	if err := v.Unmarshal(&p); err != nil {
		return nil, &interfaces.ConfigError{Reason: fmt.Sprintf("decoding parameters: %v", err)}
	}
	return &p, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy", "auto")
	v.SetDefault("image_marker", DefaultImageMarker)

	v.SetDefault("secret_store", "")
	v.SetDefault("secrets.database", "webapp/db")
	v.SetDefault("secrets.cache", "webapp/cache")
	v.SetDefault("secrets.application", "webapp/app")

	v.SetDefault("artifact_stores", []string{})
	v.SetDefault("artifact_path", configrender.DefaultArtifactPath)
	v.SetDefault("app_config_path", "/var/www/html/wp-config.php")
	v.SetDefault("work_dir", "/var/lib/webapp-bootstrap")
	v.SetDefault("min_app_version", "")

	v.SetDefault("mount.filesystem_id", "")
	v.SetDefault("mount.access_point_id", "")
	v.SetDefault("mount.target", "/var/www/html/wp-content/uploads")
	v.SetDefault("mount.fs_type", "efs")
	v.SetDefault("mount.options", []string{"tls"})
	v.SetDefault("mount.owner", "www-data:www-data")
	v.SetDefault("mount.mount_table", "/proc/mounts")

	v.SetDefault("install.script_key", "install/webapp-{{version}}.sh")
	v.SetDefault("install.script_sha256", "")
	v.SetDefault("install.interpreter", "bash")
	v.SetDefault("install.playbook_repo", "")
	v.SetDefault("install.playbook_ref", "main")
	v.SetDefault("install.playbook_path", "site.yml")
	v.SetDefault("install.git_token", "")

	v.SetDefault("setup_command", []string{})
	v.SetDefault("services", []string{"php-fpm.service", "nginx.service"})

	v.SetDefault("retry.attempts", 30)
	v.SetDefault("retry.interval", 2*time.Second)
	v.SetDefault("retry.fetch_attempts", 5)

	// Registering every runtime key lets WEBAPP_RUNTIME_<KEY> override it.
	for _, key := range runtimeParamKeys {
		v.SetDefault("runtime."+strings.ToLower(key), "")
	}
}

// RuntimeConfig returns the non-empty runtime parameters under their
// canonical upper-case keys.
func (p *Params) RuntimeConfig() interfaces.RuntimeConfig {
	cfg := make(interfaces.RuntimeConfig, len(p.Runtime))
	for k, val := range p.Runtime {
		if val = strings.TrimSpace(val); val != "" {
			cfg[strings.ToUpper(k)] = val
		}
	}
	return cfg
}
