package pose

import (
	"fmt"
	"strings"
)

// Group is a named body part whose three joints are averaged before
// comparison.
type Group struct {
	Name   string
	Joints [3]Joint
}

var (
	LeftArm  = Group{Name: "left arm", Joints: [3]Joint{LeftWrist, LeftElbow, LeftShoulder}}
	RightArm = Group{Name: "right arm", Joints: [3]Joint{RightWrist, RightElbow, RightShoulder}}
	LeftLeg  = Group{Name: "left leg", Joints: [3]Joint{LeftAnkle, LeftKnee, LeftHip}}
	RightLeg = Group{Name: "right leg", Joints: [3]Joint{RightAnkle, RightKnee, RightHip}}
)

// DefaultGroups returns the limb groups in evaluation order. The order decides
// ties, so callers must not reorder it casually.
func DefaultGroups() []Group {
	return []Group{LeftArm, RightArm, LeftLeg, RightLeg}
}

// ParseGroup builds a group from a name and exactly three joint names.
func ParseGroup(name string, joints []string) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, fmt.Errorf("group name is required")
	}
	if len(joints) != 3 {
		return Group{}, fmt.Errorf("group %q: want 3 joints, got %d", name, len(joints))
	}
	g := Group{Name: name}
	for i, raw := range joints {
		j, err := ParseJoint(raw)
		if err != nil {
			return Group{}, fmt.Errorf("group %q: %w", name, err)
		}
		g.Joints[i] = j
	}
	return g, nil
}

// Mean returns the average X and Y of the group's joints in kp. ok is false
// when any joint is missing.
func (g Group) Mean(kp Keypoints) (x, y float64, ok bool) {
	if !kp.Has(g.Joints[:]...) {
		return 0, 0, false
	}
	for _, j := range g.Joints {
		p := kp[j]
		x += p.X
		y += p.Y
	}
	return x / 3, y / 3, true
}
