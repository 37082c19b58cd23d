package calibration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/alignify/alignify/pkg/pose"
)

// Repository persists exported calibrations per profile. Implementations wrap
// their failures with ErrPersistence; a missing profile or pose yields
// ErrNotFound.
type Repository interface {
	Save(ctx context.Context, profile string, refs map[string]Reference) error
	Load(ctx context.Context, profile string) (map[string]Reference, error)
	Delete(ctx context.Context, profile, poseID string) error
	Profiles(ctx context.Context) ([]string, error)
}

// Document is the portable calibration encoding: pose id -> joint name ->
// [x, y, z]. Capture times ride along in a sibling map so documents written by
// other tools (without times) still load.
type Document struct {
	Poses      map[string]map[string]Point `json:"poses"`
	CapturedAt map[string]time.Time        `json:"captured_at,omitempty"`
}

// Point is a joint position in a Document. It is written as [x, y, z] and
// read from any form pose.Keypoint accepts, including {"x","y","z"} objects.
type Point [3]float64

func (p *Point) UnmarshalJSON(data []byte) error {
	var kp pose.Keypoint
	if err := kp.UnmarshalJSON(data); err != nil {
		return err
	}
	*p = Point{kp.X, kp.Y, kp.Z}
	return nil
}

func Encode(refs map[string]Reference) Document {
	doc := Document{
		Poses:      make(map[string]map[string]Point, len(refs)),
		CapturedAt: make(map[string]time.Time, len(refs)),
	}
	for id, ref := range refs {
		joints := make(map[string]Point, len(ref.Keypoints))
		for j, p := range ref.Keypoints {
			joints[j.String()] = Point{p.X, p.Y, p.Z}
		}
		doc.Poses[id] = joints
		if !ref.CapturedAt.IsZero() {
			doc.CapturedAt[id] = ref.CapturedAt.UTC()
		}
	}
	if len(doc.CapturedAt) == 0 {
		doc.CapturedAt = nil
	}
	return doc
}

func Decode(doc Document) (map[string]Reference, error) {
	out := make(map[string]Reference, len(doc.Poses))
	for id, joints := range doc.Poses {
		kp := make(pose.Keypoints, len(joints))
		for name, xyz := range joints {
			j, err := pose.ParseJoint(name)
			if err != nil {
				return nil, fmt.Errorf("pose %q: %w", id, err)
			}
			kp[j] = pose.Keypoint{X: xyz[0], Y: xyz[1], Z: xyz[2]}
		}
		out[id] = Reference{PoseID: id, Keypoints: kp, CapturedAt: doc.CapturedAt[id]}
	}
	return out, nil
}

// Marshal renders refs as indented JSON.
func Marshal(refs map[string]Reference) ([]byte, error) {
	return json.MarshalIndent(Encode(refs), "", "  ")
}

// Unmarshal accepts both the Document form and the bare pose map written by
// earlier tools ({"Warrior 1": {"LEFT_WRIST": [x,y,z], ...}}). Joints may be
// named or indexed and positions may be arrays or {"x","y","z"} objects, so a
// map[string]pose.Keypoints encoded as JSON loads too.
func Unmarshal(data []byte) (map[string]Reference, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode calibration: %w", err)
	}
	var doc Document
	if _, ok := fields["poses"]; ok {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode calibration: %w", err)
		}
	} else if err := json.Unmarshal(data, &doc.Poses); err != nil {
		return nil, fmt.Errorf("decode calibration: %w", err)
	}
	return Decode(doc)
}

// PoseIDs returns the ids in refs, sorted.
func PoseIDs(refs map[string]Reference) []string {
	ids := make([]string, 0, len(refs))
	for id := range refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
