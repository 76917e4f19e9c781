package types

import (
	"errors"
	"fmt"
	"time"
)

// DescriptorDim is the length of one SIFT descriptor vector.
const DescriptorDim = 128

// Keypoint holds the geometry of one detected keypoint.
type Keypoint struct {
	X        float64 `cbor:"x" json:"x"`
	Y        float64 `cbor:"y" json:"y"`
	Size     float64 `cbor:"size" json:"size"`
	Angle    float64 `cbor:"angle" json:"angle"`
	Response float64 `cbor:"response" json:"response"`
	Octave   int     `cbor:"octave" json:"octave"`
}

// FeatureSet holds the descriptors extracted from one fingerprint image.
// It is created once per image and never mutated afterwards.
type FeatureSet struct {
	// Descriptors is a row-major KeypointCount x DescriptorDim matrix.
	Descriptors   []float32  `cbor:"des"`
	Keypoints     []Keypoint `cbor:"kpts"`
	KeypointCount int        `cbor:"kp_count"`
}

// Descriptor returns the i-th descriptor row. The returned slice aliases
// the underlying matrix and must not be modified.
func (fs *FeatureSet) Descriptor(i int) []float32 {
	return fs.Descriptors[i*DescriptorDim : (i+1)*DescriptorDim]
}

// TemplateMatchResult is the outcome of matching a probe against one
// enrolled template.
type TemplateMatchResult struct {
	TemplateIndex int `json:"template_index"`
	Score         int `json:"score"`
	InlierCount   int `json:"inlier_count"`
}

// CandidateScore aggregates per-template results for one candidate employee.
type CandidateScore struct {
	EmployeeID       int64                 `json:"employee_id"`
	PerTemplate      []TemplateMatchResult `json:"per_template"`
	BestScore        int                   `json:"best_score"`
	ConsistencyCount int                   `json:"consistency_count"`
}

// IdentificationDecision is the final result of one identification request.
type IdentificationDecision struct {
	Matched        bool             `json:"matched"`
	EmployeeID     int64            `json:"employee_id,omitempty"`
	BestScore      int              `json:"best_score"`
	Margin         int              `json:"margin"`
	Confidence     float64          `json:"confidence"`
	DecisionReason string           `json:"decision_reason"`
	ProbeKeypoints int              `json:"probe_keypoints"`
	Candidates     []CandidateScore `json:"candidates,omitempty"`
	ProcessingTime time.Duration    `json:"-"`
}

// RebuildSummary reports the outcome of a gallery rebuild.
type RebuildSummary struct {
	EmployeesLoaded  int         `json:"employees_loaded"`
	TemplatesLoaded  int         `json:"templates_loaded"`
	EmployeesByTier  map[int]int `json:"employees_by_tier"`
	CorruptTemplates int         `json:"corrupt_templates"`
	SkippedEmployees int         `json:"skipped_employees"`
}

// VerificationResult is the outcome of a 1:1 comparison: two fingerprint
// images, or a probe against caller-supplied enrollment templates.
type VerificationResult struct {
	Matched           bool                  `json:"matched"`
	Score             int                   `json:"score"`
	Threshold         int                   `json:"threshold"`
	Confidence        float64               `json:"confidence"`
	Reason            string                `json:"reason"`
	ProbeKeypoints    int                   `json:"probe_keypoints"`
	TemplateKeypoints int                   `json:"template_keypoints,omitempty"`
	PerTemplate       []TemplateMatchResult `json:"per_template,omitempty"`
}

// Decision reason codes shared between the engine and the HTTP surface.
const (
	ReasonMatchFound            = "match_found"
	ReasonNoGallery             = "no_gallery"
	ReasonScoreTooLow           = "score_too_low"
	ReasonInconsistentTemplates = "inconsistent_templates"
	ReasonProbeLowQuality       = "probe_low_quality"
	ReasonTemplateLowQuality    = "template_low_quality"
	ReasonEmptyTemplate         = "empty_template"
	ReasonTimeout               = "timeout"
)

// QualityError reports an unusable probe or template image. It is an
// expected outcome for dirty or partial prints, not an infrastructure
// failure.
type QualityError struct {
	Reason        string
	KeypointCount int
}

func (e *QualityError) Error() string {
	return fmt.Sprintf("quality error: %s (keypoints=%d)", e.Reason, e.KeypointCount)
}

// IsQualityError reports whether err is (or wraps) a QualityError.
func IsQualityError(err error) bool {
	var qe *QualityError
	return errors.As(err, &qe)
}

// ErrStoreUnavailable fails the calling operation; the previously published
// gallery snapshot remains usable.
var ErrStoreUnavailable = errors.New("template store unavailable")

// ErrTimeout is returned when an identification request exceeds its
// deadline. A partial ranking is never reported as a decision.
var ErrTimeout = errors.New("identification timed out")
