package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alignify/alignify/pkg/calibration"
	"github.com/alignify/alignify/pkg/pose"
)

func sampleRefs() map[string]calibration.Reference {
	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	return map[string]calibration.Reference{
		"Warrior 1": {PoseID: "Warrior 1", CapturedAt: at, Keypoints: pose.Keypoints{
			pose.LeftWrist: {X: 0.1234567, Y: 0.7654321, Z: -0.3},
			pose.RightHip:  {X: 0.5, Y: 0.6, Z: 0.01},
		}},
		"Star": {PoseID: "Star", CapturedAt: at.Add(time.Second), Keypoints: pose.Keypoints{
			pose.Nose: {X: 0.45, Y: 0.1, Z: 0},
		}},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		dir := t.TempDir()
		s := New(dir, compress)
		ctx := context.Background()

		require.NoError(t, s.Save(ctx, "alice", sampleRefs()))
		got, err := s.Load(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, sampleRefs()["Warrior 1"].Keypoints, got["Warrior 1"].Keypoints)
		require.True(t, got["Star"].CapturedAt.Equal(sampleRefs()["Star"].CapturedAt))

		want := "alice.json"
		if compress {
			want = "alice.json.zst"
		}
		_, err = os.Stat(filepath.Join(dir, want))
		require.NoError(t, err)
	}
}

func TestStore_SwitchingCompressionReplacesOldFile(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	require.NoError(t, New(dir, false).Save(ctx, "bob", sampleRefs()))
	require.NoError(t, New(dir, true).Save(ctx, "bob", sampleRefs()))

	_, err := os.Stat(filepath.Join(dir, "bob.json"))
	require.True(t, errors.Is(err, os.ErrNotExist))

	profiles, err := New(dir, false).Profiles(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, profiles)
}

func TestStore_LoadMissingProfile(t *testing.T) {
	_, err := New(t.TempDir(), false).Load(context.Background(), "nobody")
	require.ErrorIs(t, err, calibration.ErrNotFound)
}

func TestStore_CorruptFileIsPersistenceFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "carol.json"), []byte("{nope"), 0o644))
	_, err := New(dir, false).Load(context.Background(), "carol")
	require.ErrorIs(t, err, calibration.ErrPersistence)
}

func TestStore_DeletePose(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, true)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "dana", sampleRefs()))

	require.NoError(t, s.Delete(ctx, "dana", "Star"))
	got, err := s.Load(ctx, "dana")
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.ErrorIs(t, s.Delete(ctx, "dana", "Star"), calibration.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "dana", "Warrior 1"))
	_, err = s.Load(ctx, "dana")
	require.ErrorIs(t, err, calibration.ErrNotFound)
}

func TestStore_RejectsPathLikeProfiles(t *testing.T) {
	s := New(t.TempDir(), false)
	for _, name := range []string{"", "../x", "a/b", ".hidden"} {
		require.Error(t, s.Save(context.Background(), name, sampleRefs()), name)
	}
}

func TestStore_ReadsLegacyBareMap(t *testing.T) {
	dir := t.TempDir()
	raw := `{"Goddess": {"LEFT_KNEE": [0.3, 0.7, 0.0]}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "landmarks.json"), []byte(raw), 0o644))

	got, err := New(dir, false).Load(context.Background(), "landmarks")
	require.NoError(t, err)
	require.Equal(t, pose.Keypoint{X: 0.3, Y: 0.7}, got["Goddess"].Keypoints[pose.LeftKnee])
}
