package calibration

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/alignify/alignify/pkg/pose"
)

func TestMemoryRepository_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	refs := map[string]Reference{
		"Star":    {PoseID: "Star", Keypoints: sampleKeypoints(0.4), CapturedAt: t0},
		"Goddess": {PoseID: "Goddess", Keypoints: sampleKeypoints(0.5), CapturedAt: t0},
	}
	if err := repo.Save(ctx, "dana", refs); err != nil {
		t.Fatalf("Save error = %v", err)
	}
	delete(refs["Star"].Keypoints, pose.LeftWrist)
	delete(refs, "Goddess")

	got, err := repo.Load(ctx, "dana")
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if diff := cmp.Diff([]string{"Goddess", "Star"}, PoseIDs(got)); diff != "" {
		t.Fatalf("pose ids (-want +got):\n%s", diff)
	}
	if n := len(got["Star"].Keypoints); n != 3 {
		t.Fatalf("stored reference shares caller map: %d joints", n)
	}

	if err := repo.Delete(ctx, "dana", "Star"); err != nil {
		t.Fatalf("Delete error = %v", err)
	}
	if err := repo.Delete(ctx, "dana", "Star"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete err=%v, want ErrNotFound", err)
	}
	if err := repo.Delete(ctx, "dana", "Goddess"); err != nil {
		t.Fatalf("Delete error = %v", err)
	}
	if _, err := repo.Load(ctx, "dana"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load err=%v, want ErrNotFound", err)
	}
	names, _ := repo.Profiles(ctx)
	if len(names) != 0 {
		t.Fatalf("profiles=%v, want none", names)
	}
}

func TestCheckProfile(t *testing.T) {
	for _, bad := range []string{"", "  ", "../x", "a/b", `a\b`, ".hidden"} {
		if _, err := CheckProfile(bad); !errors.Is(err, ErrInvalidProfile) {
			t.Fatalf("CheckProfile(%q) err=%v", bad, err)
		}
	}
	got, err := CheckProfile("  dana ")
	if err != nil || got != "dana" {
		t.Fatalf("CheckProfile=%q err=%v", got, err)
	}
}
