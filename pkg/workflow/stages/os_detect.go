package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/detecteam/sigmaflow/pkg/models"
)

// OS labels the classifier may return.
const (
	OSWindows       = "windows"
	OSLinux         = "linux"
	OSMacOS         = "macos"
	OSCrossPlatform = "cross_platform"
	OSUnknown       = "unknown"
)

// OSDetect classifies the article's target operating system. Non-Windows
// articles terminate the execution; unknown proceeds unless the config says
// otherwise.
type OSDetect struct{}

// Name implements Stage.
func (s *OSDetect) Name() models.StageName { return models.StageOSDetect }

type osDetectOutput struct {
	OS string `json:"os"`
}

// Run implements Stage.
func (s *OSDetect) Run(ctx context.Context, deps *Deps, st *State, nonce string) (*Outcome, error) {
	tel := &models.LLMTelemetry{}

	input := fmt.Sprintf("Title: %s\n\n%s", st.Article.Title, clip(st.Article.Content, 12000))
	text, err := agentComplete(ctx, deps, st, models.AgentOSDetect, input, nonce, tel)
	if err != nil {
		return nil, err
	}

	label := normalizeOSLabel(text)
	if label == "" {
		return nil, Validationf("os classifier returned %q", text)
	}
	st.OS = label

	out := &Outcome{Output: osDetectOutput{OS: label}, Telemetry: tel}
	switch label {
	case OSWindows, OSCrossPlatform:
	case OSUnknown:
		if st.Config.TerminateOnUnknownOS {
			out.TerminationReason = models.ReasonNonWindowsOS
		}
	default:
		out.TerminationReason = models.ReasonNonWindowsOS
	}
	return out, nil
}

// normalizeOSLabel maps a model response onto the label set, tolerating prose
// around the label. Returns "" when no label is recognizable.
func normalizeOSLabel(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.Trim(t, `"'.`)

	for _, label := range []string{OSWindows, OSLinux, OSMacOS, OSCrossPlatform, OSUnknown} {
		if t == label {
			return label
		}
	}
	// Cross-platform spellings first: "cross-platform" contains no other label.
	if strings.Contains(t, "cross") {
		return OSCrossPlatform
	}
	for _, label := range []string{OSWindows, OSLinux, OSMacOS, OSUnknown} {
		if strings.Contains(t, label) {
			return label
		}
	}
	if strings.Contains(t, "mac os") || strings.Contains(t, "osx") {
		return OSMacOS
	}
	return ""
}

// clip truncates s to at most n runes, appending a marker when truncated.
func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "\n[truncated]"
}
