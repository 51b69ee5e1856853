package config

import (
	pluginPkg "backlog.szuro.net/pkg/plugin"
)

// PluginConf is one configured plugin instance. Type is a built-in plugin
// name, the name of a loaded .so plugin or "rpc:<executable>".
type PluginConf struct {
	Name    string
	Type    string
	Options pluginPkg.Options
}

type ScheduleConf struct {
	Cron   string
	Plugin string
	Params string
}
