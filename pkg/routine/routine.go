// Package routine loads session routines (pose sequence, timings,
// thresholds) from TOML or YAML files.
package routine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/alignify/alignify/pkg/align"
	"github.com/alignify/alignify/pkg/coach"
	"github.com/alignify/alignify/pkg/pose"
)

// DefaultName is the routine used when a session does not ask for one.
const DefaultName = "default"

var ErrUnknownRoutine = errors.New("unknown routine")

type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatOf picks the decoder from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("routine %s: unsupported extension (want .toml, .yaml or .yml)", path)
}

// File is the on-disk shape. Unset fields keep the built-in defaults.
// Durations are in seconds.
type File struct {
	Title      string     `toml:"title" yaml:"title"`
	Poses      []string   `toml:"poses" yaml:"poses"`
	Groups     []GroupDTO `toml:"groups" yaml:"groups"`
	Timing     TimingDTO  `toml:"timing" yaml:"timing"`
	Thresholds struct {
		X *float64 `toml:"x" yaml:"x"`
		Y *float64 `toml:"y" yaml:"y"`
	} `toml:"thresholds" yaml:"thresholds"`
	HorizontalConvention string `toml:"horizontal_convention" yaml:"horizontal_convention"`
	Mirrored             *bool  `toml:"mirrored" yaml:"mirrored"`
}

type GroupDTO struct {
	Name   string   `toml:"name" yaml:"name"`
	Joints []string `toml:"joints" yaml:"joints"`
}

type TimingDTO struct {
	Warmup              *float64 `toml:"warmup" yaml:"warmup"`
	CalibrationLeadIn   *float64 `toml:"calibration_lead_in" yaml:"calibration_lead_in"`
	CalibrationSettle   *float64 `toml:"calibration_settle" yaml:"calibration_settle"`
	CalibrationDelay    *float64 `toml:"calibration_delay" yaml:"calibration_delay"`
	Countdown           *float64 `toml:"countdown" yaml:"countdown"`
	Hold                *float64 `toml:"hold" yaml:"hold"`
	Transition          *float64 `toml:"transition" yaml:"transition"`
	FeedbackMinInterval *float64 `toml:"feedback_min_interval" yaml:"feedback_min_interval"`
}

// Parse decodes data and applies it over coach.DefaultConfig.
func Parse(data []byte, format Format) (coach.Config, error) {
	var f File
	switch format {
	case FormatTOML:
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
			return coach.Config{}, fmt.Errorf("parse toml: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return coach.Config{}, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return coach.Config{}, fmt.Errorf("unsupported routine format %q", format)
	}
	return f.Apply(coach.DefaultConfig())
}

// LoadFile reads one routine file.
func LoadFile(path string) (coach.Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return coach.Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return coach.Config{}, fmt.Errorf("read routine: %w", err)
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return coach.Config{}, fmt.Errorf("routine %s: %w", path, err)
	}
	return cfg, nil
}

// Apply overlays f on base and validates the result.
func (f File) Apply(base coach.Config) (coach.Config, error) {
	cfg := base
	if t := strings.TrimSpace(f.Title); t != "" {
		cfg.Title = t
	}
	if len(f.Poses) > 0 {
		cfg.PoseSequence = make([]string, 0, len(f.Poses))
		for _, p := range f.Poses {
			cfg.PoseSequence = append(cfg.PoseSequence, strings.TrimSpace(p))
		}
	}
	if len(f.Groups) > 0 {
		cfg.Groups = make([]pose.Group, 0, len(f.Groups))
		for _, g := range f.Groups {
			parsed, err := pose.ParseGroup(g.Name, g.Joints)
			if err != nil {
				return coach.Config{}, err
			}
			cfg.Groups = append(cfg.Groups, parsed)
		}
	}

	setSeconds(&cfg.WarmupDuration, f.Timing.Warmup)
	setSeconds(&cfg.CalibrationLeadIn, f.Timing.CalibrationLeadIn)
	setSeconds(&cfg.CalibrationSettle, f.Timing.CalibrationSettle)
	setSeconds(&cfg.CalibrationDelay, f.Timing.CalibrationDelay)
	setSeconds(&cfg.CountdownDuration, f.Timing.Countdown)
	setSeconds(&cfg.HoldDuration, f.Timing.Hold)
	setSeconds(&cfg.TransitionDelay, f.Timing.Transition)
	setSeconds(&cfg.FeedbackMinInterval, f.Timing.FeedbackMinInterval)

	if f.Thresholds.X != nil {
		cfg.XThreshold = *f.Thresholds.X
	}
	if f.Thresholds.Y != nil {
		cfg.YThreshold = *f.Thresholds.Y
	}
	if f.HorizontalConvention != "" {
		conv, err := align.ParseConvention(f.HorizontalConvention)
		if err != nil {
			return coach.Config{}, err
		}
		cfg.Horizontal = conv
	}
	if f.Mirrored != nil {
		cfg.Mirrored = *f.Mirrored
	}
	if err := cfg.Validate(); err != nil {
		return coach.Config{}, err
	}
	return cfg, nil
}

func setSeconds(dst *time.Duration, secs *float64) {
	if secs == nil {
		return
	}
	*dst = time.Duration(*secs * float64(time.Second))
}

// Catalog holds the routines a server offers, keyed by name.
type Catalog struct {
	routines map[string]coach.Config
}

// NewCatalog loads path, which may be empty (built-in default only), a
// single routine file (served as "default") or a directory of routine files
// (each served under its base name).
func NewCatalog(path string) (*Catalog, error) {
	c := &Catalog{routines: map[string]coach.Config{DefaultName: coach.DefaultConfig()}}
	path = strings.TrimSpace(path)
	if path == "" {
		return c, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("routine path: %w", err)
	}
	if !info.IsDir() {
		cfg, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		c.routines[DefaultName] = cfg
		return c, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("routine dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := FormatOf(e.Name()); err != nil {
			continue
		}
		cfg, err := LoadFile(filepath.Join(path, e.Name()))
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		c.routines[name] = cfg
	}
	return c, nil
}

// Get returns the named routine; an empty name means DefaultName.
func (c *Catalog) Get(name string) (coach.Config, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}
	cfg, ok := c.routines[name]
	if !ok {
		return coach.Config{}, fmt.Errorf("%w %q", ErrUnknownRoutine, name)
	}
	cfg.PoseSequence = slices.Clone(cfg.PoseSequence)
	cfg.Groups = slices.Clone(cfg.Groups)
	return cfg, nil
}

func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.routines))
	for name := range c.routines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
