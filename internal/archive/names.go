package archive

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is the UTC timestamp used in archive directories and
// failure dump names.
const TimestampLayout = "20060102T150405.000000000Z"

const (
	artifactExt    = ".py"
	failureMarker  = "_FAILED_"
	failureDumpExt = ".raw.txt"
)

// ArtifactName identifies a healed module: {skill_id}_{model_size}_{variant}.py.
type ArtifactName struct {
	SkillID   string
	ModelSize string
	Variant   string
}

// NewArtifactName derives the artifact name for a completion. Underscores in
// the model size and variant are replaced so the name stays parseable.
func NewArtifactName(skillID, model, variant string) ArtifactName {
	if variant == "" {
		variant = "base"
	}
	return ArtifactName{
		SkillID:   skillID,
		ModelSize: sanitizePart(ModelSize(model)),
		Variant:   sanitizePart(variant),
	}
}

func (a ArtifactName) String() string {
	return a.SkillID + "_" + a.ModelSize + "_" + a.Variant + artifactExt
}

// ParseArtifactName splits a registry file name. The skill id may contain
// underscores; the model size and variant never do.
func ParseArtifactName(name string) (ArtifactName, error) {
	base, ok := strings.CutSuffix(name, artifactExt)
	if !ok {
		return ArtifactName{}, fmt.Errorf("artifact %q: want %s extension", name, artifactExt)
	}
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return ArtifactName{}, fmt.Errorf("artifact %q: want {skill_id}_{model_size}_{variant}%s", name, artifactExt)
	}
	n := len(parts)
	a := ArtifactName{
		SkillID:   strings.Join(parts[:n-2], "_"),
		ModelSize: parts[n-2],
		Variant:   parts[n-1],
	}
	if a.SkillID == "" || a.ModelSize == "" || a.Variant == "" {
		return ArtifactName{}, fmt.Errorf("artifact %q: empty component", name)
	}
	return a, nil
}

// FailureDumpName identifies a raw completion dumped on failure:
// {skill_id}_FAILED_{timestamp}.raw.txt.
type FailureDumpName struct {
	SkillID string
	At      time.Time
}

func (f FailureDumpName) String() string {
	return f.SkillID + failureMarker + f.At.UTC().Format(TimestampLayout) + failureDumpExt
}

// ParseFailureDumpName splits a failure dump file name.
func ParseFailureDumpName(name string) (FailureDumpName, error) {
	base, ok := strings.CutSuffix(name, failureDumpExt)
	if !ok {
		return FailureDumpName{}, fmt.Errorf("failure dump %q: want %s extension", name, failureDumpExt)
	}
	i := strings.LastIndex(base, failureMarker)
	if i <= 0 {
		return FailureDumpName{}, fmt.Errorf("failure dump %q: missing %s marker", name, failureMarker)
	}
	at, err := time.Parse(TimestampLayout, base[i+len(failureMarker):])
	if err != nil {
		return FailureDumpName{}, fmt.Errorf("failure dump %q: %w", name, err)
	}
	return FailureDumpName{SkillID: base[:i], At: at}, nil
}

var modelSizePattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?[bm])(?:$|[^a-z0-9])`)

// ModelSize extracts the parameter-count tag from a model identifier, e.g.
// "qwen2.5-coder-7b-instruct" gives "7b". Unknown sizes give "unknown".
func ModelSize(model string) string {
	matches := modelSizePattern.FindAllStringSubmatch(model, -1)
	if len(matches) == 0 {
		return "unknown"
	}
	return strings.ToLower(matches[len(matches)-1][1])
}

func sanitizePart(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "-")
	s = strings.ReplaceAll(s, "/", "-")
	if s == "" {
		return "unknown"
	}
	return s
}
