// Package config defines the engine's single YAML configuration document:
// the local virtual-circuit endpoint, the provisioning script, the
// product-queue path, the multicast-manager dial target, the policy file,
// and the logging-outlet list.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/pkg/errors"
	yaml "github.com/zrepl/yaml-config"
)

var ConfigFileDefaultLocations = []string{
	"/etc/ldm7up/ldm7up.yml",
	"/usr/local/etc/ldm7up/ldm7up.yml",
}

type Config struct {
	Engine  EngineConfig           `yaml:"engine"`
	Logging *LoggingOutletEnumList `yaml:"logging,optional,fromdefaults"`
}

type EngineConfig struct {
	LocalVcEndpoint   VcEndpointConfig `yaml:"local_vc_endpoint"`
	Workgroup         string           `yaml:"workgroup"`
	ProvisionScript   string           `yaml:"provision_script"`
	ProductQueuePath  string           `yaml:"product_queue_path"`
	ProdIndexMapDir   string           `yaml:"prod_index_map_dir"`
	McastManagerAddr  string           `yaml:"mcast_manager_addr"`
	PolicyFile        string           `yaml:"policy_file"`
	Listen            string           `yaml:"listen,optional"`
	RPC               *RPCConfig       `yaml:"rpc,optional,fromdefaults"`
	MetricsListenAddr string           `yaml:"metrics_listen_addr,optional"`

	// ProvisionPrivUID/GID are the saved-root credentials the provisioning
	// script is spawned under; 0,0 (the default) means the process's own
	// credentials are used unchanged, which only works if ldm7up itself
	// runs as root.
	ProvisionPrivUID uint32 `yaml:"provision_priv_uid,optional"`
	ProvisionPrivGID uint32 `yaml:"provision_priv_gid,optional"`
}

type VcEndpointConfig struct {
	Switch string `yaml:"switch"`
	Port   string `yaml:"port"`
	Vlan   uint16 `yaml:"vlan"`
}

type RPCConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,optional,positive,default=10s"`
	SendTimeout      time.Duration `yaml:"send_timeout,optional,positive,default=30s"`
}

// LoggingOutletEnum is a polymorphic YAML node dispatched on its `type`
// field, mirroring the teacher's job/connect/serve enum pattern.
type LoggingOutletEnum struct {
	Ret interface{}
}

type LoggingOutletEnumList []LoggingOutletEnum

func (l *LoggingOutletEnumList) SetDefault() {
	def := `
type: "stderr"
time: true
level: "info"
format: "human"
`
	s := StderrLoggingOutlet{}
	if err := yaml.UnmarshalStrict([]byte(def), &s); err != nil {
		panic(err)
	}
	*l = []LoggingOutletEnum{{Ret: s}}
}

var _ yaml.Defaulter = &LoggingOutletEnumList{}

type StderrLoggingOutlet struct {
	Type   string `yaml:"type"`
	Time   bool   `yaml:"time"`
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type FileLoggingOutlet struct {
	Type     string `yaml:"type"`
	Filename string `yaml:"filename"`
	Time     bool   `yaml:"time,optional,default=true"`
	Level    string `yaml:"level"`
	Format   string `yaml:"format,optional,default=logfmt"`
}

func enumUnmarshal(u func(interface{}, bool) error, types map[string]interface{}) (interface{}, error) {
	var in struct{ Type string }
	if err := u(&in, true); err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, &yaml.TypeError{Errors: []string{"must specify type"}}
	}
	v, ok := types[in.Type]
	if !ok {
		return nil, &yaml.TypeError{Errors: []string{fmt.Sprintf("invalid logging outlet type %q", in.Type)}}
	}
	if err := u(v, false); err != nil {
		return nil, err
	}
	return v, nil
}

func (t *LoggingOutletEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	v, err := enumUnmarshal(u, map[string]interface{}{
		"stderr": &StderrLoggingOutlet{},
		"file":   &FileLoggingOutlet{},
	})
	if err != nil {
		return err
	}
	// Ret holds outlet values, not pointers, the same as SetDefault does.
	switch o := v.(type) {
	case *StderrLoggingOutlet:
		t.Ret = *o
	case *FileLoggingOutlet:
		t.Ret = *o
	}
	return nil
}

func Default(i interface{}) {
	if err := yaml.Unmarshal([]byte("{}"), i); err != nil {
		panic(err)
	}
}

func Parse(path string) (*Config, error) {
	if path == "" {
		for _, l := range ConfigFileDefaultLocations {
			stat, statErr := os.Stat(l)
			if statErr != nil {
				continue
			}
			if !stat.Mode().IsRegular() {
				return nil, errors.Errorf("file at default location is not a regular file: %s", l)
			}
			path = l
			break
		}
	}
	if path == "" {
		return nil, errors.New("no config file given and none found at default locations")
	}
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %q", path)
	}
	return ParseBytes(raw)
}

func ParseBytes(raw []byte) (*Config, error) {
	var c *Config
	if err := yaml.UnmarshalStrict(raw, &c); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if c == nil {
		return nil, errors.New("config is empty or only consists of comments")
	}
	return c, nil
}
