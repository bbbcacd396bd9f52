package config

import (
	"cmp"
	"slices"
)

// Serving modes. Aliases are accepted by NormalizeMode.
const (
	ModeStatic = "static"
	ModeDev    = "dev"
)

const (
	DefaultListenAddr    = ":5000"
	DefaultDevServerPort = 3005
	DefaultDevCommand    = "npm"
	DefaultProxyTimeout  = "30s"
	DefaultStopTimeout   = "5s"
)

// Default readiness markers printed by create-react-app's dev server.
var (
	DefaultReadyMarkers   = []string{"You can now view"}
	DefaultWarningMarkers = []string{"To ignore, add"}
)

// Config is the top-level configuration parsed from the YAML or TOML file and
// overlaid with environment variables and flags.
type Config struct {
	Mode          string            `yaml:"mode"          toml:"mode"          json:"mode"`
	ListenAddr    string            `yaml:"listenAddr"    toml:"listenAddr"    json:"listenAddr"`
	BasePath      string            `yaml:"basePath"      toml:"basePath"      json:"basePath"`
	StaticRoot    string            `yaml:"staticRoot"    toml:"staticRoot"    json:"staticRoot"`
	DevSourceRoot string            `yaml:"devSourceRoot" toml:"devSourceRoot" json:"devSourceRoot"`
	ProxyTimeout  string            `yaml:"proxyTimeout"  toml:"proxyTimeout"  json:"proxyTimeout"`
	APIProxy      map[string]string `yaml:"apiProxy"      toml:"apiProxy"      json:"apiProxy"`
	DevServer     DevServerConfig   `yaml:"devServer"     toml:"devServer"     json:"devServer"`
	Log           LogConfig         `yaml:"log"           toml:"log"           json:"log"`
}

// DevServerConfig controls the front-end dev server child process.
type DevServerConfig struct {
	Port           int               `yaml:"port"           toml:"port"           json:"port"`
	Command        string            `yaml:"command"        toml:"command"        json:"command"`
	Args           []string          `yaml:"args"           toml:"args"           json:"args"`
	Env            map[string]string `yaml:"env"            toml:"env"            json:"env"`
	ReadyMarkers   []string          `yaml:"readyMarkers"   toml:"readyMarkers"   json:"readyMarkers"`
	WarningMarkers []string          `yaml:"warningMarkers" toml:"warningMarkers" json:"warningMarkers"`
	StopTimeout    string            `yaml:"stopTimeout"    toml:"stopTimeout"    json:"stopTimeout"`
	EchoOutput     bool              `yaml:"echoOutput"     toml:"echoOutput"     json:"echoOutput"`
}

// LogConfig selects the log format and level.
type LogConfig struct {
	Format string `yaml:"format" toml:"format" json:"format"`
	Level  string `yaml:"level"  toml:"level"  json:"level"`
}

// ProxyRule is one API prefix forwarded to a remote base URL.
type ProxyRule struct {
	Prefix string
	Target string
}

// APIProxyRules returns the API proxy entries ordered most specific first:
// longer prefixes before shorter ones, ties broken alphabetically.
func (c *Config) APIProxyRules() []ProxyRule {
	rules := make([]ProxyRule, 0, len(c.APIProxy))
	for prefix, target := range c.APIProxy {
		rules = append(rules, ProxyRule{Prefix: prefix, Target: target})
	}
	slices.SortFunc(rules, func(a, b ProxyRule) int {
		if len(a.Prefix) != len(b.Prefix) {
			return cmp.Compare(len(b.Prefix), len(a.Prefix))
		}
		return cmp.Compare(a.Prefix, b.Prefix)
	})
	return rules
}

// DevCommandArgs returns the dev server arguments, defaulting to
// "start --prefix <devSourceRoot>" for npm.
func (c *Config) DevCommandArgs() []string {
	if len(c.DevServer.Args) > 0 {
		return c.DevServer.Args
	}
	return []string{"start", "--prefix", c.DevSourceRoot}
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.ProxyTimeout == "" {
		c.ProxyTimeout = DefaultProxyTimeout
	}
	if c.DevServer.Port == 0 {
		c.DevServer.Port = DefaultDevServerPort
	}
	if c.DevServer.Command == "" {
		c.DevServer.Command = DefaultDevCommand
	}
	if c.DevServer.StopTimeout == "" {
		c.DevServer.StopTimeout = DefaultStopTimeout
	}
	if len(c.DevServer.ReadyMarkers) == 0 {
		c.DevServer.ReadyMarkers = DefaultReadyMarkers
	}
	if len(c.DevServer.WarningMarkers) == 0 {
		c.DevServer.WarningMarkers = DefaultWarningMarkers
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.APIProxy == nil {
		c.APIProxy = map[string]string{}
	}
}
