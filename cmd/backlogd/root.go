package main

import (
	"log/slog"

	"backlog.szuro.net/internal/config"
	"backlog.szuro.net/internal/logger"
	"backlog.szuro.net/internal/plugin"
	"backlog.szuro.net/internal/plugins"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "/etc/backlogd.yaml"

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "backlogd",
		Short:         "backlogd - plugin hosted telemetry agent",
		Long:          "backlogd runs data collecting plugins, forwards their messages to GSN and keeps them in a local backlog until acknowledged.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path of config file")

	root.AddCommand(
		newRunCmd(),
		newPluginsCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig parses the config named by --config and applies its log level.
func loadConfig(cmd *cobra.Command) (config.AgentConf, error) {
	path, _ := cmd.Flags().GetString("config")
	conf, err := config.ParseAgentConfig(path)
	if err != nil {
		return conf, err
	}
	logger.SetLogLevel(conf.GetLogLevel())
	return conf, nil
}

// loadRegistry returns the registry with the built-in plugins and every
// plugin found in the configured plugins_dir.
func loadRegistry(conf config.AgentConf) *plugin.Registry {
	registry := plugin.GetRegistry()
	plugins.RegisterBuiltins(registry)

	if conf.PluginsDir != "" {
		logger.Info("Loading plugins", slog.String("dir", conf.PluginsDir))
		if err := registry.LoadPluginsFromDir(conf.PluginsDir); err != nil {
			// built-in plugins are still usable
			logger.Error("Failed to load plugins", slog.Any("error", err))
		}
	}
	return registry
}
