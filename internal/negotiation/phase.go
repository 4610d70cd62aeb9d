package negotiation

import "fmt"

// Phase is the progress of one negotiation. Phases only move forward.
type Phase int32

const (
	PhaseNew Phase = iota
	PhaseOfferCreated
	PhaseGathering
	PhaseOfferSent
	PhaseAnswerReceived
	PhaseAnswerSent
	PhaseConnected
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseOfferCreated:
		return "offer_created"
	case PhaseGathering:
		return "gathering"
	case PhaseOfferSent:
		return "offer_sent"
	case PhaseAnswerReceived:
		return "answer_received"
	case PhaseAnswerSent:
		return "answer_sent"
	case PhaseConnected:
		return "connected"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}
