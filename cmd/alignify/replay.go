package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alignify/alignify/pkg/calibration"
	"github.com/alignify/alignify/pkg/coach"
	"github.com/alignify/alignify/pkg/routine"
	"github.com/alignify/alignify/pkg/source"
)

type replayOptions struct {
	Path      string
	Routine   string
	Profile   string
	Reuse     bool
	AutoStart bool
	Follow    bool
	Format    string
	Mirrored  *bool
}

// replayRecord is one printed event.
type replayRecord struct {
	RunID      string  `json:"run_id"`
	T          float64 `json:"t"`
	Kind       string  `json:"kind"`
	Phase      string  `json:"phase,omitempty"`
	PoseIndex  int     `json:"pose_index"`
	PoseID     string  `json:"pose_id,omitempty"`
	Text       string  `json:"text,omitempty"`
	Group      string  `json:"group,omitempty"`
	Severity   float64 `json:"severity,omitempty"`
	Level      string  `json:"level,omitempty"`
	Accuracy   int     `json:"accuracy,omitempty"`
	Calibrated int     `json:"calibrated,omitempty"`
	Total      int     `json:"total,omitempty"`
	RemainingS int     `json:"remaining_s,omitempty"`
}

type replaySummary struct {
	RunID     string
	Frames    int
	Feedback  int
	Completed bool
	Phase     coach.Phase
}

func replayCmd(c *cli) *cobra.Command {
	opts := replayOptions{}
	var mirrored bool

	cmd := &cobra.Command{
		Use:   "replay <keypoints.jsonl>",
		Short: "Run a recorded keypoint stream through the coaching engine",
		Long: "Replays a JSONL recording ({\"t\": seconds, \"keypoints\": {...}} per line) against a\n" +
			"routine on the recording's own clock and prints every session event.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Path = args[0]
			if cmd.Flags().Changed("mirrored") {
				opts.Mirrored = &mirrored
			}

			var routinePath string
			if c.deps.loadConfig != nil {
				if cfg, err := c.deps.loadConfig(); err == nil {
					routinePath = cfg.RoutinePath
				}
			}
			routineCfg, err := resolveRoutine(opts.Routine, routinePath)
			if err != nil {
				return err
			}

			var repo calibration.Repository
			if opts.Profile != "" {
				if c.deps.loadConfig == nil {
					return fmt.Errorf("missing loadConfig dependency")
				}
				cfg, err := c.deps.loadConfig()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				r, closeRepo, err := openRepository(cmd.Context(), cfg, c.logger)
				if err != nil {
					return fmt.Errorf("calibration storage: %w", err)
				}
				defer closeRepo()
				repo = r
			}

			sum, err := runReplay(cmd.Context(), opts, routineCfg, repo, c.stdout, c.logger)
			if err != nil {
				return err
			}
			c.logger.Info("replay finished",
				"run_id", sum.RunID,
				"frames", sum.Frames,
				"feedback", sum.Feedback,
				"phase", sum.Phase.String(),
				"completed", sum.Completed,
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.Routine, "routine", "r", routine.DefaultName, "routine name from ALIGNIFY_ROUTINE_PATH, or a .toml/.yaml file")
	cmd.Flags().StringVarP(&opts.Profile, "profile", "p", "", "calibration profile to load from and save to")
	cmd.Flags().BoolVar(&opts.Reuse, "reuse", false, "reuse the profile's stored calibration")
	cmd.Flags().BoolVar(&opts.AutoStart, "auto-start", true, "issue start as soon as calibration completes")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "keep reading as the recording grows")
	cmd.Flags().StringVar(&opts.Format, "format", "text", "output format: text or json")
	cmd.Flags().BoolVar(&mirrored, "mirrored", false, "override the routine's camera mirroring")
	return cmd
}

// resolveRoutine treats name as a routine file when it exists on disk and as a
// catalog entry otherwise.
func resolveRoutine(name, catalogPath string) (coach.Config, error) {
	if _, err := routine.FormatOf(name); err == nil {
		if _, statErr := os.Stat(name); statErr == nil {
			return routine.LoadFile(filepath.Clean(name))
		}
	}
	catalog, err := routine.NewCatalog(catalogPath)
	if err != nil {
		return coach.Config{}, err
	}
	return catalog.Get(name)
}

func runReplay(ctx context.Context, opts replayOptions, cfg coach.Config, repo calibration.Repository, out io.Writer, logger *slog.Logger) (replaySummary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch opts.Format {
	case "", "text", "json":
	default:
		return replaySummary{}, fmt.Errorf("unsupported --format %q (want text or json)", opts.Format)
	}
	if opts.Mirrored != nil {
		cfg.Mirrored = *opts.Mirrored
	}
	cfg.ReuseCalibration = opts.Reuse

	sum := replaySummary{RunID: uuid.NewString()}
	logger = logger.With("run_id", sum.RunID)

	store := calibration.NewStore()
	if opts.Reuse && repo != nil && opts.Profile != "" {
		refs, err := repo.Load(ctx, opts.Profile)
		switch {
		case err == nil:
			if err := store.Load(refs); err != nil {
				return sum, fmt.Errorf("stored calibration for %s: %w", opts.Profile, err)
			}
		case errors.Is(err, calibration.ErrNotFound):
			logger.Warn("no stored calibration, calibrating from the recording", "profile", opts.Profile)
		default:
			return sum, err
		}
	}

	m, err := coach.New(cfg, store, coach.WithLogger(logger))
	if err != nil {
		return sum, err
	}

	rp, err := source.OpenReplay(opts.Path, source.ReplayOptions{Follow: opts.Follow, Logger: logger})
	if err != nil {
		return sum, err
	}
	defer rp.Close()

	p := &replayPrinter{runID: sum.RunID, json: opts.Format == "json", out: out}
	base := time.Unix(0, 0).UTC()
	p.base = base

	handle := func(evs []coach.Event) error {
		for _, ev := range evs {
			if ev.Kind == coach.EventFeedback {
				sum.Feedback++
			}
			if ev.Kind == coach.EventCompleted {
				sum.Completed = true
			}
			if ev.Kind == coach.EventCalibrationReady && repo != nil && opts.Profile != "" {
				if err := repo.Save(ctx, opts.Profile, ev.Calibration); err != nil {
					logger.Warn("calibration save failed", "profile", opts.Profile, "error", err)
				} else {
					logger.Info("calibration saved", "profile", opts.Profile, "poses", len(ev.Calibration))
				}
			}
			if err := p.print(ev); err != nil {
				return err
			}
		}
		return nil
	}

	if err := handle(m.Begin(base)); err != nil {
		return sum, err
	}

	now := base
	for {
		sample, err := rp.NextSample(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sum, err
		}
		sum.Frames++
		// Out-of-order timestamps never move the clock backwards.
		if t := base.Add(sample.Offset); t.After(now) {
			now = t
		}
		if err := handle(m.Tick(now, sample.Frame)); err != nil {
			return sum, err
		}
		if opts.AutoStart && m.Accepts(coach.CommandStart) {
			evs, err := m.Apply(now, coach.CommandStart)
			if err != nil {
				return sum, err
			}
			if err := handle(evs); err != nil {
				return sum, err
			}
		}
	}
	sum.Phase = m.Phase()
	return sum, nil
}

type replayPrinter struct {
	runID string
	json  bool
	out   io.Writer
	base  time.Time
}

func (p *replayPrinter) print(ev coach.Event) error {
	rec := replayRecord{
		RunID:     p.runID,
		T:         math.Round(ev.At.Sub(p.base).Seconds()*1000) / 1000,
		Kind:      string(ev.Kind),
		PoseIndex: ev.PoseIndex,
		PoseID:    ev.PoseID,
	}
	switch ev.Kind {
	case coach.EventPhaseChanged:
		rec.Phase = ev.Phase.String()
	case coach.EventAnnouncement:
		rec.Text = ev.Text
	case coach.EventFeedback:
		if fb := ev.Feedback; fb != nil {
			rec.Text = fb.Message
			rec.Group = fb.Group
			rec.Severity = math.Round(fb.Severity*1000) / 1000
			rec.Level = string(fb.Level)
			rec.Accuracy = fb.Accuracy
		}
	case coach.EventProgress:
		rec.Calibrated = ev.Calibrated
		rec.Total = ev.Total
	case coach.EventHoldProgress:
		rec.RemainingS = int((ev.HoldRemaining + time.Second - 1) / time.Second)
		rec.Accuracy = ev.Accuracy
	case coach.EventCalibrationReady:
		rec.Total = len(ev.Calibration)
	}

	if p.json {
		return json.NewEncoder(p.out).Encode(rec)
	}
	detail := ""
	switch ev.Kind {
	case coach.EventPhaseChanged:
		detail = fmt.Sprintf("%s pose=%d %s", rec.Phase, rec.PoseIndex, rec.PoseID)
	case coach.EventAnnouncement:
		detail = rec.Text
	case coach.EventFeedback:
		detail = fmt.Sprintf("[%s %.3f] %s (accuracy %d%%)", rec.Level, rec.Severity, rec.Text, rec.Accuracy)
	case coach.EventProgress:
		detail = fmt.Sprintf("%d/%d calibrated", rec.Calibrated, rec.Total)
	case coach.EventHoldProgress:
		detail = fmt.Sprintf("hold %ds (accuracy %d%%)", rec.RemainingS, rec.Accuracy)
	case coach.EventCalibrationReady:
		detail = fmt.Sprintf("%d poses", rec.Total)
	}
	_, err := fmt.Fprintf(p.out, "%8.3fs  %-17s %s\n", rec.T, rec.Kind, detail)
	return err
}
