package configrender

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/template"

	"github.com/joho/godotenv"
	"github.com/ruteri/webapp-instance-provisioning/common"
	"github.com/ruteri/webapp-instance-provisioning/interfaces"
)

const (
	// DefaultArtifactPath is where the Runtime Configuration is persisted.
	DefaultArtifactPath = "/etc/webapp/runtime.env"

	artifactMode  os.FileMode = 0600
	appConfigMode os.FileMode = 0640
)

//go:embed templates/app-config.php.tmpl
var defaultAppConfigTemplate string

// templateData is what the application config template sees.
type templateData struct {
	interfaces.RuntimeConfig
	SaltKeys []string
}

var templateFuncs = template.FuncMap{
	"php": phpSingleQuoted,
}

// Renderer writes the Runtime Configuration to the dotenv artifact and,
// when AppConfigPath is set, to the application's own config file.
// Every write replaces the whole file so no key from an earlier render
// survives.
type Renderer struct {
	ArtifactPath  string
	AppConfigPath string

	tmpl *template.Template
	log  *slog.Logger
}

// NewRenderer creates a renderer using the built-in application config
// template.
func NewRenderer(artifactPath, appConfigPath string, log *slog.Logger) *Renderer {
	r, err := NewRendererWithTemplate(artifactPath, appConfigPath, defaultAppConfigTemplate, log)
	if err != nil {
		// the embedded template is exercised by the package tests
		panic(err)
	}
	return r
}

// NewRendererWithTemplate creates a renderer with a custom application
// config template. The template may call php to quote a value and .Get,
// .Bool and .List on the configuration.
func NewRendererWithTemplate(artifactPath, appConfigPath, tmplText string, log *slog.Logger) (*Renderer, error) {
	if artifactPath == "" {
		artifactPath = DefaultArtifactPath
	}
	tmpl, err := template.New("app-config").Funcs(templateFuncs).Option("missingkey=error").Parse(tmplText)
	if err != nil {
		return nil, &interfaces.ConfigError{Reason: fmt.Sprintf("invalid application config template: %v", err)}
	}
	return &Renderer{
		ArtifactPath:  artifactPath,
		AppConfigPath: appConfigPath,
		tmpl:          tmpl,
		log:           log,
	}, nil
}

// Render validates cfg and atomically rewrites the artifact and the
// application config.
func (r *Renderer) Render(cfg interfaces.RuntimeConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}

	env, err := marshalEnv(cfg)
	if err != nil {
		return err
	}
	if err := common.WriteFileAtomic(r.ArtifactPath, []byte(env), artifactMode); err != nil {
		return fmt.Errorf("writing runtime configuration artifact: %w", err)
	}
	r.log.Info("Rendered runtime configuration",
		slog.String("path", r.ArtifactPath),
		slog.Int("keys", len(cfg)))

	if r.AppConfigPath == "" {
		return nil
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, templateData{RuntimeConfig: cfg, SaltKeys: interfaces.SaltKeys}); err != nil {
		return &interfaces.ConfigError{Reason: fmt.Sprintf("rendering application config: %v", err)}
	}
	if err := common.WriteFileAtomic(r.AppConfigPath, buf.Bytes(), appConfigMode); err != nil {
		return fmt.Errorf("writing application config: %w", err)
	}
	r.log.Info("Rendered application config", slog.String("path", r.AppConfigPath))

	return nil
}

// Load reads a Runtime Configuration artifact.
func Load(path string) (interfaces.RuntimeConfig, error) {
	if path == "" {
		path = DefaultArtifactPath
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &interfaces.ConfigError{Reason: fmt.Sprintf("runtime configuration artifact %s does not exist", path)}
		}
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading runtime configuration artifact %s: %w", path, pathErr.Err)
		}
		// godotenv parse errors quote the rest of the file, secrets included.
		return nil, &interfaces.ConfigError{Reason: fmt.Sprintf("runtime configuration artifact %s is unreadable", path)}
	}
	return interfaces.RuntimeConfig(values), nil
}

// marshalEnv writes one KEY=value line per key in sorted order. Values are
// double-quoted where godotenv reads them back unchanged, falling back to
// single quotes and then to a bare value. Unlike godotenv.Marshal,
// integer-looking values keep their leading zeros. A value none of the
// forms can carry is a ConfigError naming the key.
func marshalEnv(cfg interfaces.RuntimeConfig) (string, error) {
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		b           strings.Builder
		unencodable []string
	)
	for _, k := range keys {
		line, ok := encodeEnvLine(k, cfg[k])
		if !ok {
			unencodable = append(unencodable, k)
			continue
		}
		b.WriteString(line)
	}
	if len(unencodable) > 0 {
		return "", &interfaces.ConfigError{Keys: unencodable, Reason: "values cannot be represented in the runtime configuration artifact"}
	}

	parsed, err := godotenv.Unmarshal(b.String())
	if err != nil {
		return "", &interfaces.ConfigError{Reason: "runtime configuration artifact does not parse back"}
	}
	var mismatched []string
	for _, k := range keys {
		if got, ok := parsed[k]; !ok || got != cfg[k] {
			mismatched = append(mismatched, k)
		}
	}
	if len(mismatched) > 0 {
		return "", &interfaces.ConfigError{Keys: mismatched, Reason: "values do not survive the runtime configuration artifact"}
	}
	return b.String(), nil
}

func encodeEnvLine(key, value string) (string, bool) {
	candidates := []string{
		`"` + envEscaper.Replace(value) + `"`,
		`'` + value + `'`,
		value,
	}
	for _, enc := range candidates {
		line := key + "=" + enc + "\n"
		parsed, err := godotenv.Unmarshal(line)
		if err != nil || len(parsed) != 1 {
			continue
		}
		if got, ok := parsed[key]; ok && got == value {
			return line, true
		}
	}
	return "", false
}

// envEscaper matches the escapes godotenv understands inside double quotes.
var envEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\n", `\n`,
	"\r", `\r`,
	`"`, `\"`,
	`!`, `\!`,
	`$`, `\$`,
	"`", "\\`",
)

var phpEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func phpSingleQuoted(s string) string {
	return phpEscaper.Replace(s)
}
