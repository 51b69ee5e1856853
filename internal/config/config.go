package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"backlog.szuro.net/internal/errs"
	"backlog.szuro.net/internal/logger"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DefaultWorkingDir       = "/var/lib/backlogd"
	DefaultListenPort       = 9110
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultBusyPollInterval = time.Second
)

type AgentConf struct {
	LogLevel         string         `yaml:"log_level"`
	WorkingDir       string         `yaml:"working_dir"`
	PluginsDir       string         `yaml:"plugins_dir"`
	DutyCycleMode    bool           `yaml:"duty_cycle_mode"`
	ShutdownTimeout  time.Duration  `yaml:"shutdown_timeout"`
	BusyPollInterval time.Duration  `yaml:"busy_poll_interval"`
	DeviceID         string         `yaml:"device_id"`
	Http             HTTPConf       `yaml:"http"`
	GSN              GSNConf        `yaml:"gsn"`
	Backlog          BacklogConf    `yaml:"backlog"`
	TOS              TOSConf        `yaml:"tos"`
	Plugins          []PluginConf   `yaml:"plugins"`
	Schedule         []ScheduleConf `yaml:"schedule"`
	slogLevel        slog.Level
}

type HTTPConf struct {
	ListenPort    int    `yaml:"listen_port"`
	ListenAddress string `yaml:"listen_address"`
}

type GSNConf struct {
	URL       string `yaml:"url"`
	QueueSize int    `yaml:"queue_size"`
	Reconnect *bool  `yaml:"reconnect"`
}

// ShouldReconnect defaults to true.
func (g GSNConf) ShouldReconnect() bool {
	return g.Reconnect == nil || *g.Reconnect
}

// BacklogConf tunes the backlog store. A positive MaxAge deletes messages
// that GSN never acknowledged once they are that old, so they are lost for
// good.
type BacklogConf struct {
	MaxAge            int64 `yaml:"max_age"` // hours, 0 keeps messages until acknowledged
	CompressThreshold int   `yaml:"compress_threshold"`
}

// TOSConf points at a TinyOS serial forwarder. Without an address no
// serial peer is available.
type TOSConf struct {
	Address       string `yaml:"address"`
	Group         uint8  `yaml:"group"`
	SendQueueSize int    `yaml:"send_queue_size"`
}

func ParseAgentConfig(path string) (conf AgentConf, err error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return conf, errs.Wrap(err, errs.CodeConfigLoadFailure, "cannot read agent config file", errs.Field("path", path))
	}
	return ParseAgentConfigBytes(file)
}

func ParseAgentConfigBytes(data []byte) (conf AgentConf, err error) {
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return conf, errs.Wrap(err, errs.CodeConfigLoadFailure, "cannot parse agent config")
	}

	conf.setLogLevel()
	conf.setWorkingDir()
	conf.setPort()
	conf.setDurations()
	conf.setDeviceID()
	conf.setBacklog()

	if err := conf.validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

func (ac *AgentConf) setLogLevel() {
	ac.slogLevel = logger.ParseLevel(ac.LogLevel)
}

func (ac *AgentConf) GetLogLevel() slog.Level {
	return ac.slogLevel
}

func (ac *AgentConf) setWorkingDir() {
	if ac.WorkingDir == "" {
		ac.WorkingDir = DefaultWorkingDir
	}
}

// BacklogDir is where the backlog database lives.
func (ac *AgentConf) BacklogDir() string {
	return filepath.Join(ac.WorkingDir, "backlog")
}

func (ac *AgentConf) setPort() {
	if ac.Http.ListenPort == 0 {
		ac.Http.ListenPort = DefaultListenPort
	}
}

func (ac *AgentConf) setDurations() {
	if ac.ShutdownTimeout <= 0 {
		ac.ShutdownTimeout = DefaultShutdownTimeout
	}
	if ac.BusyPollInterval <= 0 {
		ac.BusyPollInterval = DefaultBusyPollInterval
	}
}

func (ac *AgentConf) setDeviceID() {
	if ac.DeviceID == "" {
		ac.DeviceID = uuid.NewString()
	}
}

func (ac *AgentConf) setBacklog() {
	if ac.Backlog.MaxAge < 0 {
		ac.Backlog.MaxAge = 0
	}
	if ac.Backlog.MaxAge > 0 {
		logger.Warn("backlog.max_age is set, unacknowledged messages older than it are deleted without being sent",
			slog.Int64("max_age_hours", ac.Backlog.MaxAge))
	}
}

// MaxAge converts backlog.max_age to a duration.
func (ac *AgentConf) MaxAge() time.Duration {
	return time.Duration(ac.Backlog.MaxAge) * time.Hour
}

func (ac *AgentConf) validate() error {
	names := make(map[string]bool, len(ac.Plugins))
	for i, p := range ac.Plugins {
		if p.Name == "" || p.Type == "" {
			return errs.New(errs.CodeConfigLoadFailure, "plugin needs a name and a type", errs.Field("index", i))
		}
		if names[p.Name] {
			return errs.New(errs.CodeConfigLoadFailure, "duplicate plugin name", errs.FieldPlugin(p.Name))
		}
		names[p.Name] = true
	}
	for _, s := range ac.Schedule {
		if !names[s.Plugin] {
			return errs.New(errs.CodeConfigLoadFailure, "schedule references unknown plugin",
				errs.FieldPlugin(s.Plugin), errs.Field("cron", s.Cron))
		}
	}
	return nil
}
