package slidewise

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
)

// ContrastFunc measures the contrast ratio between two colors, normally by
// asking the external CV service. The gate falls back to a local WCAG
// computation when no checker is configured or the call fails.
type ContrastFunc func(ctx context.Context, foreground, background string) (float64, error)

// Gate thresholds and weights.
const (
	contrastBodyMin  = 4.5
	contrastLargeMin = 3.0

	brandDeltaETolerance = 15.0

	citationPenalty = 10
	clarityPenalty  = 15
	brandPenalty    = 20

	minBullets     = 2
	maxBullets     = 5
	maxTitleWords  = 8
	maxBulletWords = 12
	defaultGateMin = 60
)

// QualityGate assesses authored slides: citation validity, brand palette
// compliance, accessibility contrast, and content bounds. It applies the
// auto-fixes it can and flags the rest for manual review. The gate never
// blocks the run by itself; the caller decides what to do with the summary.
type QualityGate struct {
	threshold int
	contrast  ContrastFunc
	logger    *slog.Logger
}

// GateOption configures a QualityGate.
type GateOption func(*QualityGate)

// WithGateThreshold overrides the aggregate score below which the
// presentation is flagged for manual review.
func WithGateThreshold(min int) GateOption {
	return func(g *QualityGate) { g.threshold = min }
}

// WithContrastChecker routes contrast measurement through the CV service.
func WithContrastChecker(fn ContrastFunc) GateOption {
	return func(g *QualityGate) { g.contrast = fn }
}

// WithGateLogger sets the structured logger for gate decisions.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *QualityGate) { g.logger = l }
}

// NewQualityGate creates a gate with the default threshold.
func NewQualityGate(opts ...GateOption) *QualityGate {
	g := &QualityGate{
		threshold: defaultGateMin,
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Assess scores every slide in place and stores the aggregate summary on
// the state. Auto-fixes (dropping invalid citations, clamping bullet
// counts) are applied before scoring settles.
func (g *QualityGate) Assess(ctx context.Context, state *WorkflowState) WorkflowQualityState {
	var summary WorkflowQualityState
	if len(state.Slides) == 0 {
		state.Quality = summary
		return summary
	}

	total := 0
	var failing []string
	var reasons []string
	for i := range state.Slides {
		sl := &state.Slides[i]
		m := g.assessSlide(ctx, state, sl)
		sl.Quality = m
		total += m.OverallScore
		summary.FixesApplied = append(summary.FixesApplied, m.FixesApplied...)
		if m.OverallScore < g.threshold {
			failing = append(failing, sl.ID)
			reasons = append(reasons, m.IssuesFound...)
		}
	}

	summary.OverallPresentationScore = int(math.Round(float64(total) / float64(len(state.Slides))))
	if summary.OverallPresentationScore < g.threshold {
		summary.ManualReviewRequired = true
		summary.GateFailures = append(summary.GateFailures, GateFailure{
			SlideIDs: failing,
			Reason:   strings.Join(dedupeStrings(reasons), "; "),
		})
		for i := range state.Slides {
			for _, id := range failing {
				if state.Slides[i].ID == id {
					state.Slides[i].Quality.RequiresManualReview = true
				}
			}
		}
		g.logger.Warn("quality gate failed",
			"presentation_id", state.PresentationID,
			"score", summary.OverallPresentationScore,
			"slides", failing)
	}

	state.Quality = summary
	return summary
}

func (g *QualityGate) assessSlide(ctx context.Context, state *WorkflowState, sl *Slide) QualityMetrics {
	m := QualityMetrics{
		AccessibilityScore: 100,
		BrandScore:         100,
		ClarityScore:       100,
		CitationScore:      100,
	}

	g.checkCitations(state, sl, &m)
	g.checkBrand(state, sl, &m)
	g.checkContrast(ctx, sl, &m)
	g.checkContentBounds(sl, &m)

	m.OverallScore = int(math.Round(
		0.3*float64(m.AccessibilityScore) +
			0.3*float64(m.BrandScore) +
			0.2*float64(m.ClarityScore) +
			0.2*float64(m.CitationScore)))
	m.Level = levelFor(m.OverallScore)
	return m
}

func levelFor(score int) QualityLevel {
	switch {
	case score >= 90:
		return QualityExcellent
	case score >= 75:
		return QualityGood
	case score >= 60:
		return QualityAcceptable
	}
	return QualityPoor
}

// checkCitations validates every citation against the chunk keys cached for
// this presentation and the slide's own section, then drops the invalid
// ones (the auto-fix) while keeping the score deduction.
func (g *QualityGate) checkCitations(state *WorkflowState, sl *Slide, m *QualityMetrics) {
	valid := state.CitationKeys(sl.ID)
	var kept []string
	invalid := 0
	for _, c := range sl.Citations {
		if valid[c] {
			kept = append(kept, c)
			continue
		}
		invalid++
		m.IssuesFound = append(m.IssuesFound, fmt.Sprintf("citation %q not in retrieved evidence", c))
	}
	if invalid > 0 {
		sl.Citations = kept
		m.FixesApplied = append(m.FixesApplied, fmt.Sprintf("removed %d invalid citation(s)", invalid))
		m.CitationScore = clampScore(100 - invalid*citationPenalty)
	}
}

// checkBrand scores the slide's design colors against the configured brand
// palette with a CIE76 distance tolerance. No palette, no check.
func (g *QualityGate) checkBrand(state *WorkflowState, sl *Slide, m *QualityMetrics) {
	palette := brandPalette(state)
	if len(palette) == 0 {
		return
	}
	offBrand := 0
	for _, hex := range designColors(sl) {
		c, ok := parseHexColor(hex)
		if !ok {
			continue
		}
		if !withinPalette(c, palette) {
			offBrand++
			m.IssuesFound = append(m.IssuesFound, fmt.Sprintf("color %s outside brand palette", hex))
		}
	}
	if offBrand > 0 {
		m.BrandScore = clampScore(100 - offBrand*brandPenalty)
	}
}

// checkContrast verifies body text at >= 4.5 and large (title) text at
// >= 3.0. Any violation zeroes the accessibility score.
func (g *QualityGate) checkContrast(ctx context.Context, sl *Slide, m *QualityMetrics) {
	fg, bg := designString(sl, "foreground"), designString(sl, "background")
	if fg == "" || bg == "" {
		return
	}
	body := g.measureContrast(ctx, fg, bg)
	if body > 0 && body < contrastBodyMin {
		m.AccessibilityScore = 0
		m.IssuesFound = append(m.IssuesFound, fmt.Sprintf("body contrast %.1f below %.1f", body, contrastBodyMin))
	}
	if titleFg := designString(sl, "title_foreground"); titleFg != "" {
		large := g.measureContrast(ctx, titleFg, bg)
		if large > 0 && large < contrastLargeMin {
			m.AccessibilityScore = 0
			m.IssuesFound = append(m.IssuesFound, fmt.Sprintf("title contrast %.1f below %.1f", large, contrastLargeMin))
		}
	}
}

func (g *QualityGate) measureContrast(ctx context.Context, fg, bg string) float64 {
	if g.contrast != nil {
		if ratio, err := g.contrast(ctx, fg, bg); err == nil {
			return ratio
		}
		g.logger.Warn("cv contrast check failed, using local computation", "foreground", fg, "background", bg)
	}
	f, okF := parseHexColor(fg)
	b, okB := parseHexColor(bg)
	if !okF || !okB {
		return 0
	}
	return contrastRatio(f, b)
}

// checkContentBounds enforces bullet count in [2,5], title <= 8 words, and
// each bullet <= 12 words. Excess bullets are clamped (the auto-fix); the
// rest only score.
func (g *QualityGate) checkContentBounds(sl *Slide, m *QualityMetrics) {
	violations := 0
	if n := len(sl.Content); n > maxBullets {
		sl.Content = sl.Content[:maxBullets]
		m.FixesApplied = append(m.FixesApplied, fmt.Sprintf("trimmed bullets from %d to %d", n, maxBullets))
		violations++
		m.IssuesFound = append(m.IssuesFound, fmt.Sprintf("%d bullets exceeds maximum %d", n, maxBullets))
	} else if n < minBullets {
		violations++
		m.IssuesFound = append(m.IssuesFound, fmt.Sprintf("%d bullets below minimum %d", n, minBullets))
	}
	if w := len(strings.Fields(sl.Title)); w > maxTitleWords {
		violations++
		m.IssuesFound = append(m.IssuesFound, fmt.Sprintf("title has %d words, maximum %d", w, maxTitleWords))
	}
	for _, b := range sl.Content {
		if w := len(strings.Fields(b)); w > maxBulletWords {
			violations++
			m.IssuesFound = append(m.IssuesFound, fmt.Sprintf("bullet has %d words, maximum %d", w, maxBulletWords))
		}
	}
	if violations > 0 {
		m.ClarityScore = clampScore(100 - violations*clarityPenalty)
	}
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// --- Design metadata accessors ---

func designString(sl *Slide, key string) string {
	if sl.Design == nil {
		return ""
	}
	if v, ok := sl.Design[key].(string); ok {
		return v
	}
	return ""
}

func designColors(sl *Slide) []string {
	var out []string
	for _, key := range []string{"foreground", "background", "title_foreground", "accent"} {
		if v := designString(sl, key); v != "" {
			out = append(out, v)
		}
	}
	if raw, ok := sl.Design["colors"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func brandPalette(state *WorkflowState) []labColor {
	brand, ok := state.Metadata["brand"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := brand["palette"].([]any)
	if !ok {
		return nil
	}
	var palette []labColor
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if c, ok := parseHexColor(s); ok {
			palette = append(palette, rgbToLab(c))
		}
	}
	return palette
}

func withinPalette(c rgbColor, palette []labColor) bool {
	lab := rgbToLab(c)
	for _, p := range palette {
		if deltaE76(lab, p) <= brandDeltaETolerance {
			return true
		}
	}
	return false
}

// --- Color math (sRGB, WCAG contrast, CIE76) ---

type rgbColor struct{ r, g, b float64 } // [0,1]

type labColor struct{ l, a, b float64 }

func parseHexColor(s string) (rgbColor, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return rgbColor{}, false
	}
	var r, g, b int
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
		return rgbColor{}, false
	}
	return rgbColor{float64(r) / 255, float64(g) / 255, float64(b) / 255}, true
}

func srgbToLinear(c float64) float64 {
	if c <= 0.04045 {
		return c / 12.92
	}
	return math.Pow((c+0.055)/1.055, 2.4)
}

// contrastRatio returns the WCAG contrast ratio (L1+0.05)/(L2+0.05) with L
// the relative luminance of the lighter and darker color respectively.
func contrastRatio(a, b rgbColor) float64 {
	la := relativeLuminance(a)
	lb := relativeLuminance(b)
	if la < lb {
		la, lb = lb, la
	}
	return (la + 0.05) / (lb + 0.05)
}

func relativeLuminance(c rgbColor) float64 {
	return 0.2126*srgbToLinear(c.r) + 0.7152*srgbToLinear(c.g) + 0.0722*srgbToLinear(c.b)
}

// rgbToLab converts sRGB (D65) to CIE L*a*b*.
func rgbToLab(c rgbColor) labColor {
	r, g, b := srgbToLinear(c.r), srgbToLinear(c.g), srgbToLinear(c.b)

	x := 0.4124564*r + 0.3575761*g + 0.1804375*b
	y := 0.2126729*r + 0.7151522*g + 0.0721750*b
	z := 0.0193339*r + 0.1191920*g + 0.9503041*b

	// D65 reference white
	fx := labF(x / 0.95047)
	fy := labF(y / 1.00000)
	fz := labF(z / 1.08883)

	return labColor{
		l: 116*fy - 16,
		a: 500 * (fx - fy),
		b: 200 * (fy - fz),
	}
}

func labF(t float64) float64 {
	const delta = 6.0 / 29.0
	if t > delta*delta*delta {
		return math.Cbrt(t)
	}
	return t/(3*delta*delta) + 4.0/29.0
}

// deltaE76 is the CIE76 color distance.
func deltaE76(a, b labColor) float64 {
	dl := a.l - b.l
	da := a.a - b.a
	db := a.b - b.b
	return math.Sqrt(dl*dl + da*da + db*db)
}
