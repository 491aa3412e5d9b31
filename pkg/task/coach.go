package task

import "strings"

// Tip is a short coaching line for a step.
type Tip struct {
	CoachTip string `json:"coach_tip"`
	Source   string `json:"source"`
}

// coachRules are matched in order against the lowercased step title.
var coachRules = []struct {
	keywords []string
	tip      string
}{
	{[]string{"upper"}, "Tilt brush 45° toward gums; short circles help remove plaque."},
	{[]string{"lower"}, "Relax jaw slightly; reach molars with gentle circular passes."},
	{[]string{"tongue"}, "2-3 light strokes are enough; avoid triggering gag reflex."},
	{[]string{"detangle"}, "Hold section; work from ends upward to prevent breakage."},
	{[]string{"roots"}, "Long strokes from roots to tips distribute natural oils."},
	{[]string{"fill", "define"}, "Feather light strokes following natural hair direction."},
	{[]string{"massage"}, "Use fingertip pads, gentle circles, avoid eye area."},
}

// Coach returns a keyword-matched tip for step, falling back to the step
// instruction.
func Coach(step Step) Tip {
	title := strings.ToLower(step.Title)
	for _, r := range coachRules {
		for _, kw := range r.keywords {
			if strings.Contains(title, kw) {
				return Tip{CoachTip: r.tip, Source: "heuristic-local"}
			}
		}
	}
	tip := step.Instruction
	if tip == "" {
		tip = "Keep a steady pace; consistency matters."
	}
	return Tip{CoachTip: tip, Source: "heuristic-local"}
}
