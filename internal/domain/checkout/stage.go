package checkout

import (
	"errors"
	"fmt"
)

var ErrInvalidStageTransition = errors.New("checkout: invalid stage transition")

// Stage is a step of the create/capture/settle pipeline.
type Stage string

const (
	StageStarted          Stage = "STARTED"
	StagePriced           Stage = "PRICED"
	StageGatewayCreated   Stage = "GATEWAY_CREATED"
	StageCaptureRequested Stage = "CAPTURE_REQUESTED"
	StageCaptured         Stage = "CAPTURED"
	StageSettled          Stage = "SETTLED"

	StagePricingFailed     Stage = "PRICING_FAILED"
	StageGatewayFailed     Stage = "GATEWAY_FAILED"
	StageCaptureFailed     Stage = "CAPTURE_FAILED"
	StageSettlementFailed  Stage = "SETTLEMENT_FAILED"
	StageSettlementPartial Stage = "SETTLEMENT_PARTIAL"
)

var transitions = map[Stage][]Stage{
	StageStarted:          {StagePriced, StagePricingFailed},
	StagePriced:           {StageGatewayCreated, StageGatewayFailed},
	StageCaptureRequested: {StageCaptured, StageCaptureFailed},
	StageCaptured:         {StageSettled, StageSettlementPartial, StageSettlementFailed},
}

// CanAdvance reports whether the pipeline may move from one stage to the next.
func CanAdvance(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal stages end a request. GATEWAY_CREATED ends the create request; the
// capture request starts again from CAPTURE_REQUESTED.
func (s Stage) Terminal() bool {
	switch s {
	case StageGatewayCreated, StageSettled, StageSettlementPartial,
		StagePricingFailed, StageGatewayFailed, StageCaptureFailed, StageSettlementFailed:
		return true
	}
	return false
}

// Charged reports whether money has moved once the pipeline is in s.
func (s Stage) Charged() bool {
	switch s {
	case StageCaptured, StageSettled, StageSettlementPartial, StageSettlementFailed:
		return true
	}
	return false
}

// Flow tracks the stage of a single request. It is not shared between requests.
type Flow struct {
	stage   Stage
	history []Stage
}

// NewFlow starts a flow at start (STARTED for create, CAPTURE_REQUESTED for capture).
func NewFlow(start Stage) *Flow {
	return &Flow{stage: start, history: []Stage{start}}
}

func (f *Flow) Stage() Stage { return f.stage }

func (f *Flow) History() []Stage {
	return append([]Stage(nil), f.history...)
}

// Advance moves the flow to next or fails without changing it.
func (f *Flow) Advance(next Stage) error {
	if !CanAdvance(f.stage, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStageTransition, f.stage, next)
	}
	f.stage = next
	f.history = append(f.history, next)
	return nil
}
