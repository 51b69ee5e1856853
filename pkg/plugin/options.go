package plugin

import (
	"fmt"
	"strconv"
	"strings"

	"backlog.szuro.net/internal/errs"
	"gopkg.in/yaml.v3"
)

const (
	OptionBacklog    = "backlog"
	OptionPriority   = "priority"
	OptionMaxRuntime = "max_runtime"

	DefaultPriority = 99
)

// ConfigEntry is a single raw key/value pair from a plugin's configuration.
type ConfigEntry struct {
	Key   string
	Value string
}

// Options is the ordered configuration of one plugin instance.
// Keys may repeat; order is the order of appearance in the config file.
type Options []ConfigEntry

// GetOptionValue returns the value of the first entry whose key equals key.
func (o Options) GetOptionValue(key string) (string, bool) {
	for _, entry := range o {
		if entry.Key == key {
			return entry.Value, true
		}
	}
	return "", false
}

// GetOptionValues returns the values of every entry whose key starts with
// prefix, in configuration order.
func (o Options) GetOptionValues(prefix string) []string {
	var values []string
	for _, entry := range o {
		if strings.HasPrefix(entry.Key, prefix) {
			values = append(values, entry.Value)
		}
	}
	return values
}

// UnmarshalYAML accepts either a mapping (order and duplicate keys are kept)
// or a sequence of [key, value] pairs / single-key mappings.
func (o *Options) UnmarshalYAML(value *yaml.Node) error {
	var entries Options
	switch value.Kind {
	case yaml.MappingNode:
		pairs, err := mappingEntries(value)
		if err != nil {
			return err
		}
		entries = pairs
	case yaml.SequenceNode:
		for _, item := range value.Content {
			switch item.Kind {
			case yaml.SequenceNode:
				if len(item.Content) != 2 {
					return fmt.Errorf("line %d: option pair must have exactly two elements", item.Line)
				}
				k, v := item.Content[0], item.Content[1]
				if k.Kind != yaml.ScalarNode || v.Kind != yaml.ScalarNode {
					return fmt.Errorf("line %d: option pair must be scalars", item.Line)
				}
				entries = append(entries, ConfigEntry{Key: k.Value, Value: v.Value})
			case yaml.MappingNode:
				pairs, err := mappingEntries(item)
				if err != nil {
					return err
				}
				entries = append(entries, pairs...)
			default:
				return fmt.Errorf("line %d: unsupported option entry", item.Line)
			}
		}
	case yaml.ScalarNode:
		if value.Tag != "!!null" {
			return fmt.Errorf("line %d: options must be a mapping or a sequence", value.Line)
		}
	default:
		return fmt.Errorf("line %d: options must be a mapping or a sequence", value.Line)
	}
	*o = entries
	return nil
}

func mappingEntries(n *yaml.Node) (Options, error) {
	entries := make(Options, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		if k.Kind != yaml.ScalarNode || v.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: option %q must have a scalar value", k.Line, k.Value)
		}
		entries = append(entries, ConfigEntry{Key: k.Value, Value: v.Value})
	}
	return entries, nil
}

// Settings are the base options every plugin resolves once at construction.
type Settings struct {
	Backlog       bool
	Priority      int
	maxRuntime    int
	hasMaxRuntime bool
}

// DefaultSettings is what a plugin gets when it supplies no defaults of its own.
func DefaultSettings() Settings {
	return Settings{Backlog: true, Priority: DefaultPriority}
}

// MaxRuntime returns the configured max_runtime in seconds, if any.
func (s Settings) MaxRuntime() (int, bool) {
	return s.maxRuntime, s.hasMaxRuntime
}

// ResolveSettings overrides defaults with the backlog, priority and
// max_runtime entries of opts.
func ResolveSettings(opts Options, defaults Settings) (Settings, error) {
	s := defaults

	if v, ok := opts.GetOptionValue(OptionBacklog); ok && v != "" {
		s.Backlog = parseBacklog(v, defaults.Backlog)
	}

	if v, ok := opts.GetOptionValue(OptionPriority); ok {
		p, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return s, errs.Wrap(err, errs.CodeConfigOptionInvalid, "priority is not an integer",
				errs.Field("option", OptionPriority), errs.Field("value", v))
		}
		s.Priority = p
	}

	if v, ok := opts.GetOptionValue(OptionMaxRuntime); ok {
		r, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return s, errs.Wrap(err, errs.CodeConfigOptionInvalid, "max_runtime is not an integer",
				errs.Field("option", OptionMaxRuntime), errs.Field("value", v))
		}
		s.maxRuntime = r
		s.hasMaxRuntime = true
	}

	return s, nil
}

func parseBacklog(v string, def bool) bool {
	switch strings.ToLower(v) {
	case "0", "false":
		return false
	case "1", "true":
		return true
	default:
		return def
	}
}
