package align

import (
	"math"

	"github.com/alignify/alignify/pkg/pose"
)

// accuracyJoints are the limb landmarks scored by Accuracy: shoulders,
// elbows, hips, knees and ankles.
var accuracyJoints = []pose.Joint{
	pose.LeftShoulder, pose.RightShoulder,
	pose.LeftElbow, pose.RightElbow,
	pose.LeftHip, pose.RightHip,
	pose.LeftKnee, pose.RightKnee,
	pose.LeftAnkle, pose.RightAnkle,
}

// accuracyFullScaleError is the mean 2D distance that scores 0%.
const accuracyFullScaleError = 0.2

// Accuracy scores how closely user matches reference as a whole percentage in
// [0,100]. ok is false when no scored joint is present in both sets.
func Accuracy(user, reference pose.Keypoints) (percent int, ok bool) {
	var sum float64
	var n int
	for _, j := range accuracyJoints {
		u, okU := user[j]
		r, okR := reference[j]
		if !okU || !okR {
			continue
		}
		sum += math.Hypot(u.X-r.X, u.Y-r.Y)
		n++
	}
	if n == 0 {
		return 0, false
	}
	score := 100 * (1 - (sum/float64(n))/accuracyFullScaleError)
	score = max(0, min(100, score))
	return int(score), true
}
