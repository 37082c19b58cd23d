package coach

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alignify/alignify/pkg/align"
	"github.com/alignify/alignify/pkg/pose"
)

// Config is fixed for the lifetime of a Machine.
type Config struct {
	// Title names the routine in the welcome and completion announcements.
	Title        string
	PoseSequence []string
	Groups       []pose.Group

	WarmupDuration time.Duration
	// CalibrationLeadIn is added to CalibrationSettle before the first pose
	// of a calibration pass only.
	CalibrationLeadIn   time.Duration
	CalibrationSettle   time.Duration
	CalibrationDelay    time.Duration
	CountdownDuration   time.Duration
	HoldDuration        time.Duration
	TransitionDelay     time.Duration
	FeedbackMinInterval time.Duration

	XThreshold float64
	YThreshold float64
	Horizontal align.Convention
	Mirrored   bool

	// ReuseCalibration skips the calibration pass when the store already
	// holds a reference for every pose when warm-up ends.
	ReuseCalibration bool
}

func DefaultConfig() Config {
	return Config{
		Title:               "YN Yoga",
		PoseSequence:        []string{"Warrior 1", "Warrior 2", "Star", "Goddess"},
		Groups:              pose.DefaultGroups(),
		WarmupDuration:      5 * time.Second,
		CalibrationLeadIn:   5 * time.Second,
		CalibrationSettle:   5 * time.Second,
		CalibrationDelay:    5 * time.Second,
		CountdownDuration:   10 * time.Second,
		HoldDuration:        5 * time.Second,
		TransitionDelay:     2 * time.Second,
		FeedbackMinInterval: 2 * time.Second,
		XThreshold:          0.1,
		YThreshold:          0.1,
		Horizontal:          align.ConventionSubject,
	}
}

func (c Config) Validate() error {
	var errs []error
	if len(c.PoseSequence) == 0 {
		errs = append(errs, errors.New("pose sequence must not be empty"))
	}
	seen := make(map[string]struct{}, len(c.PoseSequence))
	for i, id := range c.PoseSequence {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, fmt.Errorf("pose %d: id must not be empty", i))
			continue
		}
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("pose %q listed twice", id))
		}
		seen[id] = struct{}{}
	}
	if len(c.Groups) == 0 {
		errs = append(errs, errors.New("at least one body-part group is required"))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"warmup", c.WarmupDuration},
		{"calibration lead-in", c.CalibrationLeadIn},
		{"calibration settle", c.CalibrationSettle},
		{"calibration delay", c.CalibrationDelay},
		{"countdown", c.CountdownDuration},
		{"transition delay", c.TransitionDelay},
		{"feedback interval", c.FeedbackMinInterval},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("%s duration must be >= 0", d.name))
		}
	}
	if c.HoldDuration <= 0 {
		errs = append(errs, errors.New("hold duration must be > 0"))
	}
	if c.XThreshold < 0 || c.YThreshold < 0 {
		errs = append(errs, errors.New("thresholds must be >= 0"))
	}
	if _, err := align.ParseConvention(string(c.Horizontal)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) alignOptions() align.Options {
	return align.Options{
		XThreshold: c.XThreshold,
		YThreshold: c.YThreshold,
		Horizontal: c.Horizontal,
		Mirrored:   c.Mirrored,
	}
}
