// Package config loads the gateway's YAML declaration of a device and its
// sensors, and watches the file for changes, reporting each successfully
// reparsed file. The daemon adds newly declared sensors from a reload;
// changes to sensors it already has are not applied.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/agms-cesar/knot-virtualthing/internal/gateway"
)

// RuleSpec is one publish rule in YAML form.
type RuleSpec struct {
	Type      string  `yaml:"type"`
	TimeSec   int     `yaml:"time_sec,omitempty"`
	BoundKind string  `yaml:"bound_kind,omitempty"`
	BoundInt  int64   `yaml:"bound_int,omitempty"`
	BoundF    float64 `yaml:"bound_float,omitempty"`
	BoundBool bool    `yaml:"bound_bool,omitempty"`
}

// SensorSpec is one sensor declaration in YAML form.
type SensorSpec struct {
	ID          int        `yaml:"id"`
	Name        string     `yaml:"name"`
	ValueKind   string     `yaml:"value_kind"`
	Unit        string     `yaml:"unit"`
	RegAddr     uint16     `yaml:"reg_addr"`
	BitOffset   uint8      `yaml:"bit_offset,omitempty"`
	PollSeconds int        `yaml:"poll_seconds,omitempty"`
	Rules       []RuleSpec `yaml:"rules"`
}

// File is the top-level gateway configuration file.
type File struct {
	DeviceName      string       `yaml:"device_name"`
	CloudURL        string       `yaml:"cloud_url"`
	ModbusSlaveID   int          `yaml:"modbus_slave_id"`
	ModbusSlaveURL  string       `yaml:"modbus_slave_url"`
	CredentialsPath string       `yaml:"credentials_path"`
	Sensors         []SensorSpec `yaml:"sensors"`
}

// Load reads and parses path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &f, nil
}

func parseValueKind(s string) (gateway.ValueKind, error) {
	switch s {
	case "int":
		return gateway.KindInt, nil
	case "float":
		return gateway.KindFloat, nil
	case "bool":
		return gateway.KindBool, nil
	case "string":
		return gateway.KindString, nil
	default:
		return 0, fmt.Errorf("config: unknown value_kind %q", s)
	}
}

func parseBound(r RuleSpec) gateway.Value {
	switch r.BoundKind {
	case "int":
		return gateway.Value{Kind: gateway.KindInt, Int: r.BoundInt}
	case "float":
		return gateway.Value{Kind: gateway.KindFloat, F: r.BoundF}
	case "bool":
		return gateway.Value{Kind: gateway.KindBool, B: r.BoundBool}
	default:
		return gateway.Value{}
	}
}

func parseRule(r RuleSpec) (gateway.Rule, error) {
	var t gateway.EventType
	switch r.Type {
	case "time":
		t = gateway.EventTime
	case "change":
		t = gateway.EventChange
	case "upper_threshold":
		t = gateway.EventUpperThreshold
	case "lower_threshold":
		t = gateway.EventLowerThreshold
	default:
		return gateway.Rule{}, fmt.Errorf("config: unknown rule type %q", r.Type)
	}
	return gateway.Rule{Type: t, TimeSec: r.TimeSec, Bound: parseBound(r)}, nil
}

// Sensor is one fully-parsed sensor declaration, ready to feed a
// gateway.Registry.
type Sensor struct {
	ID       int
	Schema   gateway.Schema
	Config   gateway.Config
	Source   gateway.ModbusSource
	PollSecs int
}

// ParseSensors converts every SensorSpec in f into a Sensor, in declaration
// order. The first parse error aborts the whole batch — a malformed sensor
// declaration must never result in a partially-populated registry.
func ParseSensors(f *File) ([]Sensor, error) {
	sensors := make([]Sensor, 0, len(f.Sensors))
	for _, s := range f.Sensors {
		kind, err := parseValueKind(s.ValueKind)
		if err != nil {
			return nil, fmt.Errorf("config: sensor %d: %w", s.ID, err)
		}
		rules := make([]gateway.Rule, 0, len(s.Rules))
		for _, rs := range s.Rules {
			rule, err := parseRule(rs)
			if err != nil {
				return nil, fmt.Errorf("config: sensor %d: %w", s.ID, err)
			}
			rules = append(rules, rule)
		}
		sensors = append(sensors, Sensor{
			ID:       s.ID,
			Schema:   gateway.Schema{ValueKind: kind, Unit: s.Unit, Name: s.Name},
			Config:   gateway.Config{Rules: rules},
			Source:   gateway.ModbusSource{RegAddr: s.RegAddr, BitOffset: s.BitOffset},
			PollSecs: s.PollSeconds,
		})
	}
	return sensors, nil
}

// Watcher watches a config file for writes and reports each successfully
// reparsed File on the channel Watch returns. Reads that fail to parse are logged and
// skipped — the previous, already-applied configuration stays in effect
// rather than crashing the process over a transient editor save.
type Watcher struct {
	path    string
	log     *logrus.Entry
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	started bool
}

// NewWatcher creates a Watcher for path.
func NewWatcher(path string, log *logrus.Entry) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating file watcher: %w", err)
	}
	return &Watcher{path: path, log: log, watcher: fw}, nil
}

// Watch starts watching and returns a channel of successfully reparsed
// Files. The channel closes when ctx is canceled or Close is called.
func (w *Watcher) Watch(ctx context.Context) (<-chan *File, error) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil, fmt.Errorf("config: watcher already started")
	}
	w.started = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return nil, fmt.Errorf("config: watching directory %s: %w", dir, err)
	}

	out := make(chan *File, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Name != w.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				f, err := Load(w.path)
				if err != nil {
					w.log.WithError(err).Warn("reloading config: keeping previous configuration")
					continue
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.WithError(err).Warn("config watcher error")
			}
		}
	}()
	return out, nil
}

// Close stops the underlying file watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
