// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/cardinalhq/tracesort/internal/cloudstorage"
	"github.com/cardinalhq/tracesort/internal/hooks"
	"github.com/cardinalhq/tracesort/internal/sortjob"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "TRACESORT"

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	Sort     sortjob.Config       `mapstructure:"sort"`
	Publish  cloudstorage.Config  `mapstructure:"publish"`
	Notify   hooks.NotifyConfig   `mapstructure:"notify"`
	Sidecars hooks.SidecarConfig  `mapstructure:"sidecars"`
	Manifest hooks.ManifestConfig `mapstructure:"manifest"`
}

// Hooks returns the metadata hook configuration.
func (c *Config) Hooks() hooks.Config {
	return hooks.Config{
		Sidecars: c.Sidecars,
		Manifest: c.Manifest,
		Publish:  c.Publish,
		Notify:   c.Notify,
	}
}

func defaultConfig() *Config {
	return &Config{
		Sort:     sortjob.DefaultConfig(),
		Publish:  cloudstorage.DefaultConfig(),
		Notify:   hooks.DefaultNotifyConfig(),
		Manifest: hooks.DefaultManifestConfig(),
	}
}

// Load reads configuration from an optional config.yaml in the working
// directory and from environment variables.
// Environment variables use the prefix "TRACESORT" and the dot character
// in keys is replaced by an underscore. For example, "sort.batch_records"
// becomes "TRACESORT_SORT_BATCH_RECORDS".
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()
	return unmarshal(v)
}

// LoadFile is Load with an explicit configuration file, which must exist.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, defaultConfig())
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if b, ok := v.Get("notify.brokers").(string); ok && b != "" {
		cfg.Notify.Brokers = splitList(b)
	}
	if p, ok := v.Get("sidecars.patterns").(string); ok && p != "" {
		cfg.Sidecars.Patterns = splitList(p)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string(nil), parts...), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
