// Package plugins collects the plugins compiled into the agent.
package plugins

import (
	"backlog.szuro.net/internal/plugin"
	"backlog.szuro.net/internal/plugins/heartbeat"
	"backlog.szuro.net/internal/plugins/logtail"
	"backlog.szuro.net/internal/plugins/tosrelay"
)

func RegisterBuiltins(r *plugin.Registry) {
	r.RegisterBuiltin(heartbeat.Info, heartbeat.New)
	r.RegisterBuiltin(logtail.Info, logtail.New)
	r.RegisterBuiltin(tosrelay.Info, tosrelay.New)
}
