package main

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/spf13/viper"
)

// deviceConfig is the user-facing description of one compile/dispatch
// target, loaded from config.yaml the way cmd/pixie/config.go's config
// struct loads grub.Config and distro.Config: mapstructure tags for
// viper, default tags for creasty/defaults.
type deviceConfig struct {
	Backend   string `mapstructure:"backend" default:"host-compute"`
	Vendor    string `mapstructure:"vendor" default:"floorrt"`
	SimdWidth int    `mapstructure:"simd_width" default:"16"`
	Workers   int    `mapstructure:"workers" default:"0"`

	CUDASM      int `mapstructure:"cuda_sm" default:"75"`
	MetalMajor  int `mapstructure:"metal_major" default:"3"`
	MetalMinor  int `mapstructure:"metal_minor" default:"0"`
	VulkanMajor int `mapstructure:"vulkan_major" default:"1"`
	VulkanMinor int `mapstructure:"vulkan_minor" default:"3"`
	OpenCLMajor int `mapstructure:"opencl_major" default:"2"`
	OpenCLMinor int `mapstructure:"opencl_minor" default:"0"`
}

// toolchainConfig points at one backend's vendored clang archive.
type toolchainConfig struct {
	URL           string `mapstructure:"url"`
	StripTopLevel bool   `mapstructure:"strip_top_level" default:"true"`
	ClangRelPath  string `mapstructure:"clang_path" default:"bin/clang"`
}

type config struct {
	StorageDir string `mapstructure:"storage_directory" default:"/var/lib/floorrt"`

	Devices    map[string]*deviceConfig    `mapstructure:"devices"`
	Toolchains map[string]*toolchainConfig `mapstructure:"toolchains"`

	Debug bool `mapstructure:"debug" default:"false"`
}

func loadConfig(path string) (*config, error) {
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config from '%s': %w", path, err)
	}

	cfg := &config{}

	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for _, dc := range cfg.Devices {
		if err := defaults.Set(dc); err != nil {
			return nil, fmt.Errorf("failed to set device config defaults: %w", err)
		}
	}
	for _, tc := range cfg.Toolchains {
		if err := defaults.Set(tc); err != nil {
			return nil, fmt.Errorf("failed to set toolchain config defaults: %w", err)
		}
	}

	return cfg, nil
}
