package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set with -ldflags at build time.
var (
	Version   = "dev"
	Commit    string
	BuildDate string
)

var AgentInfo = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "backlogd_info",
	Help: "Build information of the backlog agent",
	ConstLabels: prometheus.Labels{
		"version":    Version,
		"commit":     Commit,
		"build_date": BuildDate,
	},
})
