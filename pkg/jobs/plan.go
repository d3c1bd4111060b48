package jobs

import (
	"fmt"
	"math"
	"strings"

	"mediscan/pkg/domain"
)

// Step names used by the default plans.
const (
	StepValidation        = "validation"
	StepOCR               = "ocr"
	StepExtraction        = "extraction"
	StepTextProcessing    = "text_processing"
	StepEntityRecognition = "entity_recognition"
	StepSummarization     = "summarization"
	StepQualityCheck      = "quality_check"
)

// FilePlan is used when the worker has to fetch and OCR the document.
func FilePlan() []domain.StepSpec {
	return []domain.StepSpec{
		{Name: StepValidation, Weight: 5},
		{Name: StepOCR, Weight: 25},
		{Name: StepExtraction, Weight: 20},
		{Name: StepEntityRecognition, Weight: 25},
		{Name: StepSummarization, Weight: 15},
		{Name: StepQualityCheck, Weight: 5},
	}
}

// TextPlan is used when the client supplied pre-extracted text.
func TextPlan() []domain.StepSpec {
	return []domain.StepSpec{
		{Name: StepValidation, Weight: 5},
		{Name: StepTextProcessing, Weight: 10},
		{Name: StepEntityRecognition, Weight: 35},
		{Name: StepSummarization, Weight: 25},
		{Name: StepQualityCheck, Weight: 10},
	}
}

// PlanFor selects the plan for a processing mode.
func PlanFor(mode domain.ProcessingMode) []domain.StepSpec {
	if mode == domain.ModeText {
		return TextPlan()
	}
	return FilePlan()
}

func validatePlan(plan []domain.StepSpec) error {
	if len(plan) == 0 {
		return fmt.Errorf("step plan is empty: %w", domain.ErrValidation)
	}
	seen := make(map[string]struct{}, len(plan))
	total := 0
	for _, spec := range plan {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return fmt.Errorf("step name required: %w", domain.ErrValidation)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate step %q: %w", name, domain.ErrValidation)
		}
		seen[name] = struct{}{}
		if spec.Weight < 0 {
			return fmt.Errorf("step %q has negative weight: %w", name, domain.ErrValidation)
		}
		total += spec.Weight
	}
	if total == 0 {
		return fmt.Errorf("step weights sum to zero: %w", domain.ErrValidation)
	}
	return nil
}

// Progress is round(100 * sum(weight * credit) / sum(weight)) where a
// completed step earns full credit and a processing step half.
func Progress(steps []domain.Step) int {
	var total, earned float64
	for _, s := range steps {
		w := float64(s.Weight)
		total += w
		switch s.Status {
		case domain.StepCompleted:
			earned += w
		case domain.StepProcessing:
			earned += w / 2
		}
	}
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * earned / total))
}

// stepCanMove forbids step regressions outside of a retry reset, which keeps
// progress monotonic while a job is processing.
func stepCanMove(from, to domain.StepStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case domain.StepPending:
		return true
	case domain.StepProcessing:
		return to == domain.StepCompleted || to == domain.StepFailed || to == domain.StepSkipped
	}
	return false
}
