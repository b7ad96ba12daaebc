package nameserver

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/Nikita-Ting/bfs/helper"
)

// Config carries the nameserver's tunables. DefaultConfig holds the defaults;
// LoadConfig reads a yaml file over them, so fields the file omits keep their
// default. A zero SafemodeSecs or StatusLogSecs disables that feature.
type Config struct {
	RPCAddr       string `yaml:"rpc_addr"`
	WebAddr       string `yaml:"web_addr"`
	NamespaceDir  string `yaml:"namespace_dir"`
	SafemodeSecs  int    `yaml:"safemode_secs"`
	DeadSecs      int    `yaml:"dead_secs"`
	StatusLogSecs int    `yaml:"status_log_secs"`
}

func DefaultConfig() Config {
	return Config{
		RPCAddr:       helper.DefaultRPCAddr,
		WebAddr:       helper.DefaultWebAddr,
		NamespaceDir:  "./ns-db",
		SafemodeSecs:  helper.DefaultSafemodeSecs,
		DeadSecs:      helper.DefaultDeadSecs,
		StatusLogSecs: 1,
	}
}

// LoadConfig reads a yaml config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}
