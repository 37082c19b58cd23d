// Package align compares a live keypoint set against a calibrated reference
// and picks the single most useful correction.
package align

import (
	"fmt"
	"math"
	"strings"

	"github.com/alignify/alignify/pkg/pose"
)

type Axis string

const (
	AxisHorizontal Axis = "horizontal"
	AxisVertical   Axis = "vertical"
)

type Direction string

const (
	Left  Direction = "left"
	Right Direction = "right"
	Up    Direction = "up"
	Down  Direction = "down"
)

// Convention fixes which sign of dx is reported as "left".
type Convention string

const (
	// ConventionSubject reports dx < 0 as "left".
	ConventionSubject Convention = "subject"
	// ConventionViewer reports dx > 0 as "left".
	ConventionViewer Convention = "viewer"
)

func ParseConvention(s string) (Convention, error) {
	switch Convention(strings.ToLower(strings.TrimSpace(s))) {
	case "", ConventionSubject:
		return ConventionSubject, nil
	case ConventionViewer:
		return ConventionViewer, nil
	default:
		return "", fmt.Errorf("unknown horizontal convention %q (want subject|viewer)", s)
	}
}

type Options struct {
	XThreshold float64
	YThreshold float64
	Horizontal Convention
	// Mirrored flips the horizontal label once, after the convention is
	// applied. Vertical labels are never affected.
	Mirrored bool
}

// Correction is one directional instruction for a body-part group.
type Correction struct {
	Group     string
	Axis      Axis
	Direction Direction
	Magnitude float64
}

func (c Correction) Message() string {
	return fmt.Sprintf("Move your %s %s", c.Group, c.Direction)
}

// Report is the full outcome of one comparison.
type Report struct {
	// Correction is meaningful only when HasCorrection is true.
	Correction    Correction
	HasCorrection bool
	// Compared counts groups with complete data in both sets.
	Compared int
	// Skipped lists groups excluded for missing joints.
	Skipped []string
}

// Aligned reports whether at least one group was compared and none exceeded
// its threshold.
func (r Report) Aligned() bool {
	return r.Compared > 0 && !r.HasCorrection
}

// Evaluate returns the largest out-of-threshold deviation across groups, or
// false when everything comparable is within threshold.
func Evaluate(user, reference pose.Keypoints, groups []pose.Group, opts Options) (Correction, bool) {
	r := Assess(user, reference, groups, opts)
	return r.Correction, r.HasCorrection
}

// Assess scans groups in order. Candidates are considered horizontal before
// vertical within a group; only a strictly larger magnitude displaces the
// current best, so ties resolve to the first candidate seen.
func Assess(user, reference pose.Keypoints, groups []pose.Group, opts Options) Report {
	var r Report
	for _, g := range groups {
		ux, uy, okUser := g.Mean(user)
		rx, ry, okRef := g.Mean(reference)
		if !okUser || !okRef {
			r.Skipped = append(r.Skipped, g.Name)
			continue
		}
		r.Compared++

		dx := ux - rx
		dy := uy - ry
		if math.Abs(dx) > opts.XThreshold {
			r.consider(Correction{
				Group:     g.Name,
				Axis:      AxisHorizontal,
				Direction: horizontalDirection(dx, opts),
				Magnitude: math.Abs(dx),
			})
		}
		if math.Abs(dy) > opts.YThreshold {
			dir := Down
			if dy > 0 {
				dir = Up
			}
			r.consider(Correction{
				Group:     g.Name,
				Axis:      AxisVertical,
				Direction: dir,
				Magnitude: math.Abs(dy),
			})
		}
	}
	return r
}

func (r *Report) consider(c Correction) {
	if !r.HasCorrection || c.Magnitude > r.Correction.Magnitude {
		r.Correction = c
		r.HasCorrection = true
	}
}

func horizontalDirection(dx float64, opts Options) Direction {
	left := dx < 0
	if opts.Horizontal == ConventionViewer {
		left = dx > 0
	}
	if opts.Mirrored {
		left = !left
	}
	if left {
		return Left
	}
	return Right
}
