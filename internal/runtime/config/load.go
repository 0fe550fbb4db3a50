package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/spf13/viper"

	errspkg "github.com/Workana/li3-gearman/internal/runtime/errors"
)

// EnvPrefix is the prefix of environment variables overriding file values,
// e.g. GEARMAN_CONFIGURATIONS_DEFAULT_ADAPTER.
const EnvPrefix = "GEARMAN"

// fileConfiguration is one named configuration as written in a file.
type fileConfiguration struct {
	Adapter string         `mapstructure:"adapter" validate:"omitempty,printascii"`
	Servers []string       `mapstructure:"servers" validate:"omitempty,dive,required"`
	Filters []string       `mapstructure:"filters" validate:"omitempty,dive,required"`
	Options map[string]any `mapstructure:",remain"`
}

type fileDocument struct {
	Configurations map[string]fileConfiguration `mapstructure:"configurations" validate:"required,min=1,dive,keys,required,endkeys"`
}

// hclConfiguration mirrors fileConfiguration for .hcl files:
//
//	configuration "default" {
//	  servers = ["nats://localhost:4222"]
//	  filters = ["logging"]
//	  options = { topic_prefix = "jobs." }
//	}
type hclConfiguration struct {
	Name    string            `hcl:"name,label"`
	Adapter string            `hcl:"adapter,optional"`
	Servers []string          `hcl:"servers,optional"`
	Filters []string          `hcl:"filters,optional"`
	Options map[string]string `hcl:"options,optional"`
}

type hclDocument struct {
	Configurations []hclConfiguration `hcl:"configuration,block"`
}

var validate = validator.New()

// LoadFile reads named configurations from path. Files ending in .hcl are
// decoded as HCL; anything else goes through viper (YAML, JSON, TOML, ...).
// The document structure is validated, but configuration semantics such as
// missing servers are left to registry access time.
func LoadFile(path string) (map[string]Settings, error) {
	var (
		doc fileDocument
		err error
	)
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		doc, err = decodeHCL(path)
	} else {
		doc, err = decodeViper(path)
	}
	if err != nil {
		return nil, err
	}

	if err := validate.Struct(doc); err != nil {
		return nil, errspkg.NewConfigValidationError(validationErrors(err))
	}

	out := make(map[string]Settings, len(doc.Configurations))
	for name, fc := range doc.Configurations {
		out[name] = fc.settings()
	}
	return out, nil
}

func decodeViper(path string) (fileDocument, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return fileDocument{}, fmt.Errorf("gearman: read configuration file %s: %w", path, err)
	}

	var doc fileDocument
	if err := v.Unmarshal(&doc); err != nil {
		return fileDocument{}, fmt.Errorf("gearman: decode configuration file %s: %w", path, err)
	}
	return doc, nil
}

func decodeHCL(path string) (fileDocument, error) {
	var raw hclDocument
	if err := hclsimple.DecodeFile(path, nil, &raw); err != nil {
		return fileDocument{}, fmt.Errorf("gearman: decode configuration file %s: %w", path, err)
	}

	doc := fileDocument{Configurations: make(map[string]fileConfiguration, len(raw.Configurations))}
	for _, hc := range raw.Configurations {
		if _, dup := doc.Configurations[hc.Name]; dup {
			return fileDocument{}, errspkg.NewConfigValidationError(fmt.Errorf("duplicate configuration %q", hc.Name))
		}
		opts := make(map[string]any, len(hc.Options))
		for k, v := range hc.Options {
			opts[k] = v
		}
		doc.Configurations[hc.Name] = fileConfiguration{
			Adapter: hc.Adapter,
			Servers: hc.Servers,
			Filters: hc.Filters,
			Options: opts,
		}
	}
	return doc, nil
}

func (fc fileConfiguration) settings() Settings {
	s := make(Settings, len(fc.Options)+3)
	for k, v := range fc.Options {
		s[k] = v
	}
	if fc.Adapter != "" {
		s[KeyAdapter] = fc.Adapter
	}
	if len(fc.Servers) > 0 {
		servers := make([]any, len(fc.Servers))
		for i, server := range fc.Servers {
			servers[i] = server
		}
		s[KeyServers] = servers
	}
	if len(fc.Filters) > 0 {
		filters := make([]any, len(fc.Filters))
		for i, f := range fc.Filters {
			filters[i] = f
		}
		s[KeyFilters] = filters
	}
	return s
}

func validationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("%s: failed %q check", fe.Namespace(), fe.Tag()))
	}
	return errors.Join(errs...)
}
