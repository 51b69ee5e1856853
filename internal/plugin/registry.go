// Package plugin resolves the configured plugin types to factories: built-in
// plugins, Go shared objects and plugin executables served over go-plugin.
package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"plugin"
	"sort"
	"strings"
	"sync"

	"backlog.szuro.net/internal/errs"
	"backlog.szuro.net/internal/logger"
	pluginPkg "backlog.szuro.net/pkg/plugin"
	goplugin "github.com/hashicorp/go-plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	SourceBuiltin = "builtin"
	SourceShared  = "so"
	SourceRPC     = "rpc"

	rpcPrefix = "rpc:"
)

var pluginInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "backlog_plugin_info",
	Help: "Information about available plugin types",
}, []string{"plugin_name", "plugin_type", "plugin_version"})

type LoadedPlugin struct {
	Info    pluginPkg.PluginInfo
	Factory pluginPkg.Factory
	Path    string
}

// Registry maps plugin type names to factories and owns the processes of
// plugin executables.
type Registry struct {
	plugins map[string]*LoadedPlugin
	clients map[string]*goplugin.Client
	mutex   sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]*LoadedPlugin),
		clients: make(map[string]*goplugin.Client),
	}
}

var registry = NewRegistry()

// GetRegistry returns the process-wide registry.
func GetRegistry() *Registry {
	return registry
}

func (r *Registry) add(loaded *LoadedPlugin) {
	r.plugins[loaded.Info.Name] = loaded
	pluginInfo.WithLabelValues(loaded.Info.Name, loaded.Info.Type, loaded.Info.Version).Set(1)
}

// RegisterBuiltin makes factory available under info.Name.
func (r *Registry) RegisterBuiltin(info pluginPkg.PluginInfo, factory pluginPkg.Factory) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	info.Type = SourceBuiltin
	r.add(&LoadedPlugin{Info: info, Factory: factory})
}

// LoadPlugin opens a Go shared object exporting NewPlugin with the
// pluginPkg.Factory signature and, optionally, a PluginInfo variable.
func (r *Registry) LoadPlugin(pluginPath string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	logger.Info("Loading plugin", slog.String("path", pluginPath))

	p, err := plugin.Open(pluginPath)
	if err != nil {
		return errs.Wrap(err, errs.CodePluginLoadFailure, "failed to open plugin", errs.Field("path", pluginPath))
	}

	factorySym, err := p.Lookup("NewPlugin")
	if err != nil {
		return errs.Wrap(err, errs.CodePluginLoadFailure, "plugin does not export NewPlugin", errs.Field("path", pluginPath))
	}

	var factory pluginPkg.Factory
	switch f := factorySym.(type) {
	case func(pluginPkg.Host, string, pluginPkg.Options) (pluginPkg.Plugin, error):
		factory = f
	case *pluginPkg.Factory:
		factory = *f
	default:
		return errs.New(errs.CodePluginLoadFailure, "NewPlugin has wrong signature", errs.Field("path", pluginPath))
	}

	var info pluginPkg.PluginInfo
	if infoSym, err := p.Lookup("PluginInfo"); err == nil {
		if exported, ok := infoSym.(*pluginPkg.PluginInfo); ok {
			info = *exported
		}
	}
	if info.Name == "" {
		info.Name = nameFromPath(pluginPath)
		info.Version = "unknown"
	}
	info.Type = SourceShared

	r.add(&LoadedPlugin{Info: info, Factory: factory, Path: pluginPath})

	logger.Info("Successfully loaded plugin",
		slog.String("name", info.Name),
		slog.String("version", info.Version),
		slog.String("type", info.Type))
	return nil
}

// LoadRPCPlugin makes the executable at pluginPath available as
// "rpc:<file name>". Every instance runs in its own process.
func (r *Registry) LoadRPCPlugin(pluginPath string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, err := exec.LookPath(pluginPath); err != nil {
		return errs.Wrap(err, errs.CodePluginLoadFailure, "plugin is not executable", errs.Field("path", pluginPath))
	}

	info := pluginPkg.PluginInfo{
		Name:    rpcPrefix + nameFromPath(pluginPath),
		Version: "unknown",
		Type:    SourceRPC,
	}
	if _, exists := r.plugins[info.Name]; exists {
		logger.Info("Plugin already loaded", slog.String("name", info.Name))
		return nil
	}
	r.add(&LoadedPlugin{Info: info, Factory: r.rpcFactory(pluginPath), Path: pluginPath})

	logger.Info("Successfully registered plugin executable", slog.String("name", info.Name), slog.String("path", pluginPath))
	return nil
}

func (r *Registry) rpcFactory(pluginPath string) pluginPkg.Factory {
	return func(host pluginPkg.Host, name string, opts pluginPkg.Options) (pluginPkg.Plugin, error) {
		client := goplugin.NewClient(&goplugin.ClientConfig{
			HandshakeConfig: pluginPkg.Handshake,
			Plugins: map[string]goplugin.Plugin{
				pluginPkg.PluginKey: &pluginPkg.AgentPlugin{},
			},
			Cmd:              exec.Command(pluginPath),
			AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolGRPC},
			Logger:           logger.NewHCLogAdapter(name),
		})

		rpcClient, err := client.Client()
		if err != nil {
			client.Kill()
			return nil, errs.Wrap(err, errs.CodePluginLoadFailure, "failed to connect to plugin", errs.FieldPlugin(name))
		}
		raw, err := rpcClient.Dispense(pluginPkg.PluginKey)
		if err != nil {
			client.Kill()
			return nil, errs.Wrap(err, errs.CodePluginLoadFailure, "failed to dispense plugin", errs.FieldPlugin(name))
		}
		proxy, ok := raw.(*pluginPkg.PluginClient)
		if !ok {
			client.Kill()
			return nil, errs.New(errs.CodePluginLoadFailure, "plugin did not return a valid client", errs.FieldPlugin(name))
		}
		if err := proxy.Init(host, name, opts); err != nil {
			client.Kill()
			return nil, err
		}

		r.mutex.Lock()
		r.clients[name] = client
		r.mutex.Unlock()
		return proxy, nil
	}
}

// LoadPluginsFromDir loads every .so file and registers every other
// executable found in pluginDir.
func (r *Registry) LoadPluginsFromDir(pluginDir string) error {
	logger.Info("Loading plugins from directory", slog.String("dir", pluginDir))

	entries, err := os.ReadDir(pluginDir)
	if err != nil {
		return errs.Wrap(err, errs.CodePluginLoadFailure, "failed to list plugin files", errs.Field("dir", pluginDir))
	}

	var loadErrors []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		pluginPath := filepath.Join(pluginDir, entry.Name())
		if filepath.Ext(pluginPath) == ".so" {
			err = r.LoadPlugin(pluginPath)
		} else if info, statErr := entry.Info(); statErr == nil && info.Mode()&0o111 != 0 {
			err = r.LoadRPCPlugin(pluginPath)
		} else {
			continue
		}
		if err != nil {
			logger.Error("Failed to load plugin", slog.String("path", pluginPath), slog.Any("error", err))
			loadErrors = append(loadErrors, fmt.Sprintf("%s: %v", pluginPath, err))
		}
	}

	if len(loadErrors) > 0 {
		return errs.Errorf(errs.CodePluginLoadFailure, "failed to load some plugins: %s", strings.Join(loadErrors, "; "))
	}
	return nil
}

// GetPlugin returns a plugin type by name.
func (r *Registry) GetPlugin(name string) (*LoadedPlugin, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	loaded, exists := r.plugins[name]
	return loaded, exists
}

// Create builds the instance name of plugin type typ.
func (r *Registry) Create(host pluginPkg.Host, typ, name string, opts pluginPkg.Options) (pluginPkg.Plugin, error) {
	loaded, exists := r.GetPlugin(typ)
	if !exists {
		return nil, errs.New(errs.CodePluginNotFound, "unknown plugin type", errs.Field("type", typ), errs.FieldPlugin(name))
	}
	p, err := loaded.Factory(host, name, opts)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errs.New(errs.CodePluginLoadFailure, "plugin factory returned nil", errs.Field("type", typ), errs.FieldPlugin(name))
	}
	return p, nil
}

// ListPlugins returns the available plugin types sorted by name.
func (r *Registry) ListPlugins() []pluginPkg.PluginInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	infos := make([]pluginPkg.PluginInfo, 0, len(r.plugins))
	for _, loaded := range r.plugins {
		infos = append(infos, loaded.Info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// CleanupAll kills every plugin process.
func (r *Registry) CleanupAll() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for name, client := range r.clients {
		logger.Info("Killing plugin process", slog.String("name", name))
		client.Kill()
	}
	r.clients = make(map[string]*goplugin.Client)
}

// IsRPCType reports whether typ names a plugin executable.
func IsRPCType(typ string) bool {
	return strings.HasPrefix(typ, rpcPrefix)
}

func nameFromPath(pluginPath string) string {
	base := filepath.Base(pluginPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
