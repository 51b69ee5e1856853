package plugin

import (
	"testing"

	"backlog.szuro.net/internal/errs"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestGetOptionValue(t *testing.T) {
	opts := Options{
		{Key: "device", Value: "/dev/ttyUSB0"},
		{Key: "file_1", Value: "a.log"},
		{Key: "device", Value: "/dev/ttyUSB1"},
	}

	tests := []struct {
		name     string
		key      string
		expected string
		found    bool
	}{
		{"First match wins", "device", "/dev/ttyUSB0", true},
		{"Exact key only", "file", "", false},
		{"Absent key", "baudrate", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := opts.GetOptionValue(tt.key)
			require.Equal(t, tt.found, ok)
			require.Equal(t, tt.expected, v)
		})
	}
}

func TestGetOptionValues(t *testing.T) {
	opts := Options{
		{Key: "file_2", Value: "b.log"},
		{Key: "device", Value: "/dev/ttyUSB0"},
		{Key: "file_1", Value: "a.log"},
		{Key: "file_2", Value: "c.log"},
	}

	require.Equal(t, []string{"b.log", "a.log", "c.log"}, opts.GetOptionValues("file_"))
	require.Equal(t, []string{"c.log"}, Options{{Key: "x", Value: "1"}, {Key: "file", Value: "c.log"}}.GetOptionValues("file"))
	require.Empty(t, opts.GetOptionValues("baud"))
	require.Len(t, opts.GetOptionValues(""), 4)
}

func TestResolveSettingsBacklog(t *testing.T) {
	tests := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"0", true, false},
		{"false", true, false},
		{"FALSE", true, false},
		{"1", false, true},
		{"true", false, true},
		{"True", false, true},
		{"yes", true, true},
		{"yes", false, false},
		{"", true, true},
		{"", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			s, err := ResolveSettings(Options{{Key: OptionBacklog, Value: tt.value}}, Settings{Backlog: tt.def, Priority: DefaultPriority})
			require.NoError(t, err)
			require.Equal(t, tt.expected, s.Backlog)
		})
	}

	t.Run("absent", func(t *testing.T) {
		s, err := ResolveSettings(nil, Settings{Backlog: false, Priority: DefaultPriority})
		require.NoError(t, err)
		require.False(t, s.Backlog)
	})
}

func TestResolveSettingsPriority(t *testing.T) {
	s, err := ResolveSettings(nil, DefaultSettings())
	require.NoError(t, err)
	require.Equal(t, 99, s.Priority)

	s, err = ResolveSettings(Options{{Key: OptionPriority, Value: "5"}}, DefaultSettings())
	require.NoError(t, err)
	require.Equal(t, 5, s.Priority)

	_, err = ResolveSettings(Options{{Key: OptionPriority, Value: "high"}}, DefaultSettings())
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeConfigOptionInvalid))
}

func TestResolveSettingsMaxRuntime(t *testing.T) {
	s, err := ResolveSettings(nil, DefaultSettings())
	require.NoError(t, err)
	_, ok := s.MaxRuntime()
	require.False(t, ok)

	s, err = ResolveSettings(Options{{Key: OptionMaxRuntime, Value: "120"}}, DefaultSettings())
	require.NoError(t, err)
	r, ok := s.MaxRuntime()
	require.True(t, ok)
	require.Equal(t, 120, r)

	_, err = ResolveSettings(Options{{Key: OptionMaxRuntime, Value: "2m"}}, DefaultSettings())
	require.True(t, errs.HasCode(err, errs.CodeConfigOptionInvalid))
}

func TestResolveSettingsScenario(t *testing.T) {
	opts := Options{{Key: "priority", Value: "10"}, {Key: "backlog", Value: "true"}}
	s, err := ResolveSettings(opts, Settings{Backlog: false, Priority: DefaultPriority})
	require.NoError(t, err)
	require.Equal(t, 10, s.Priority)
	require.True(t, s.Backlog)
	_, ok := s.MaxRuntime()
	require.False(t, ok)
}

func TestOptionsUnmarshalYAML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Options
		wantErr  bool
	}{
		{
			name:  "Mapping keeps order and duplicates",
			input: "options:\n  file: a.log\n  priority: 10\n  file: b.log\n",
			expected: Options{
				{Key: "file", Value: "a.log"},
				{Key: "priority", Value: "10"},
				{Key: "file", Value: "b.log"},
			},
		},
		{
			name:  "Sequence of pairs",
			input: "options:\n  - [backlog, \"false\"]\n  - {priority: 3}\n",
			expected: Options{
				{Key: "backlog", Value: "false"},
				{Key: "priority", Value: "3"},
			},
		},
		{
			name:     "Empty",
			input:    "options:\n",
			expected: nil,
		},
		{
			name:    "Nested value",
			input:   "options:\n  file:\n    - a\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var conf struct {
				Options Options `yaml:"options"`
			}
			err := yaml.Unmarshal([]byte(tt.input), &conf)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, conf.Options)
		})
	}
}
