package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/alignify/alignify/pkg/calibration"
)

func calibrationCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibration",
		Short: "Inspect and move stored calibrations",
	}
	cmd.AddCommand(
		calibrationListCmd(c),
		calibrationExportCmd(c),
		calibrationImportCmd(c),
	)
	return cmd
}

// withRepository opens the configured backend for the duration of fn.
func (c *cli) withRepository(ctx context.Context, fn func(calibration.Repository) error) error {
	if c.deps.loadConfig == nil {
		return fmt.Errorf("missing loadConfig dependency")
	}
	cfg, err := c.deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	repo, closeRepo, err := openRepository(ctx, cfg, c.logger)
	if err != nil {
		return fmt.Errorf("calibration storage: %w", err)
	}
	defer closeRepo()
	return fn(repo)
}

func calibrationListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list [profile]",
		Short: "List profiles, or the poses calibrated for one profile",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRepository(cmd.Context(), func(repo calibration.Repository) error {
				if len(args) == 1 {
					profile, err := calibration.CheckProfile(args[0])
					if err != nil {
						return err
					}
					refs, err := repo.Load(cmd.Context(), profile)
					if err != nil {
						return err
					}
					for _, id := range calibration.PoseIDs(refs) {
						ref := refs[id]
						captured := "-"
						if !ref.CapturedAt.IsZero() {
							captured = ref.CapturedAt.UTC().Format("2006-01-02T15:04:05Z")
						}
						fmt.Fprintf(c.stdout, "%s\t%d joints\t%s\n", id, len(ref.Keypoints), captured)
					}
					return nil
				}
				profiles, err := repo.Profiles(cmd.Context())
				if err != nil {
					return err
				}
				if len(profiles) == 0 {
					fmt.Fprintln(c.stdout, "(no profiles)")
					return nil
				}
				for _, p := range profiles {
					fmt.Fprintln(c.stdout, p)
				}
				return nil
			})
		},
	}
}

func calibrationExportCmd(c *cli) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <profile>",
		Short: "Write a profile's calibration as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := calibration.CheckProfile(args[0])
			if err != nil {
				return err
			}
			return c.withRepository(cmd.Context(), func(repo calibration.Repository) error {
				refs, err := repo.Load(cmd.Context(), profile)
				if err != nil {
					return err
				}
				data, err := calibration.Marshal(refs)
				if err != nil {
					return err
				}
				data = append(data, '\n')
				if out == "" || out == "-" {
					_, err = c.stdout.Write(data)
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", out, err)
				}
				c.logger.Info("calibration exported", "profile", profile, "poses", len(refs), "path", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func calibrationImportCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <profile> <file|->",
		Short: "Store a calibration JSON document under a profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := calibration.CheckProfile(args[0])
			if err != nil {
				return err
			}
			data, err := readInput(cmd.InOrStdin(), args[1])
			if err != nil {
				return err
			}
			refs, err := calibration.Unmarshal(data)
			if err != nil {
				return err
			}
			if len(refs) == 0 {
				return fmt.Errorf("%s: calibration has no poses", args[1])
			}
			if err := calibration.NewStore().Load(refs); err != nil {
				return err
			}
			return c.withRepository(cmd.Context(), func(repo calibration.Repository) error {
				if err := repo.Save(cmd.Context(), profile, refs); err != nil {
					return err
				}
				fmt.Fprintf(c.stdout, "imported %d poses into %s\n", len(refs), profile)
				return nil
			})
		},
	}
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
