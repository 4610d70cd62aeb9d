package negotiation

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

var (
	ErrClosed     = errors.New("negotiation closed")
	ErrNotStarted = errors.New("negotiation not started")
)

// Description is a session description plus the candidates gathered for it.
type Description struct {
	SDP        webrtc.SessionDescription
	Candidates []webrtc.ICECandidateInit
}

// state is shared by both roles: the phase, the candidate logs and the
// gather-once latch.
type state struct {
	neg webrtcpeer.Negotiator

	mu              sync.Mutex
	phase           Phase
	local           *webrtc.SessionDescription
	localCands      []webrtc.ICECandidateInit
	localCollected  bool
	remote          *webrtc.SessionDescription
	remoteCands     []webrtc.ICECandidateInit
	remoteCollected bool

	gathered atomic.Bool
}

// advance moves to p unless the negotiation is already at or past it.
func (s *state) advance(p Phase) {
	s.mu.Lock()
	if p > s.phase {
		s.phase = p
	}
	s.mu.Unlock()
}

func (s *state) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *state) closedLocked() bool {
	return s.phase == PhaseClosed
}

// LocalCandidates returns the candidates gathered locally so far and whether
// gathering has finished.
func (s *state) LocalCandidates() ([]webrtc.ICECandidateInit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), s.localCands...), s.localCollected
}

// RemoteCandidates returns the candidates received from the other side.
func (s *state) RemoteCandidates() ([]webrtc.ICECandidateInit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), s.remoteCands...), s.remoteCollected
}

// armGathering installs the candidate and gathering callbacks. done runs at
// most once, on the first completion signal, whether that arrives as the nil
// candidate or as the complete gathering state.
func (s *state) armGathering(done func(Description)) {
	fire := func() {
		if !s.gathered.CompareAndSwap(false, true) {
			return
		}
		s.mu.Lock()
		s.localCollected = true
		cands := append([]webrtc.ICECandidateInit(nil), s.localCands...)
		local := s.local
		closed := s.closedLocked()
		s.mu.Unlock()
		if closed {
			return
		}

		// The current local description carries every gathered candidate.
		if d := s.neg.LocalDescription(); d != nil {
			local = d
		}
		if local == nil {
			return
		}
		done(Description{SDP: *local, Candidates: cands})
	}

	s.neg.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			fire()
			return
		}
		s.mu.Lock()
		if !s.localCollected {
			s.localCands = append(s.localCands, *c)
		}
		s.mu.Unlock()
	})
	s.neg.OnICEGatheringStateChange(func(g webrtc.ICEGatheringState) {
		if g == webrtc.ICEGatheringStateComplete {
			fire()
		}
	})
}

// applyRemote sets the remote description and adds its candidates. Empty
// end-of-candidates markers are skipped. A rejected candidate does not stop
// the others; those failures come back as candErr.
func (s *state) applyRemote(d Description) (candErr error, err error) {
	s.mu.Lock()
	if s.closedLocked() {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	sdp := d.SDP
	s.remote = &sdp
	s.remoteCands = append(s.remoteCands, d.Candidates...)
	s.remoteCollected = true
	s.mu.Unlock()

	if err := s.neg.SetRemoteDescription(d.SDP); err != nil {
		return nil, fmt.Errorf("set remote %s: %w", d.SDP.Type, err)
	}
	var errs []error
	for i, c := range d.Candidates {
		if c.Candidate == "" {
			continue
		}
		if err := s.neg.AddICECandidate(c); err != nil {
			errs = append(errs, fmt.Errorf("candidate %d: %w", i, err))
		}
	}
	return errors.Join(errs...), nil
}

func (s *state) setLocal(d webrtc.SessionDescription) error {
	if err := s.neg.SetLocalDescription(d); err != nil {
		return fmt.Errorf("set local %s: %w", d.Type, err)
	}
	s.mu.Lock()
	s.local = &d
	s.mu.Unlock()
	return nil
}

// MarkConnected records that the data channel opened.
func (s *state) MarkConnected() {
	s.advance(PhaseConnected)
}

// Close closes the underlying negotiator. Repeated calls are no-ops.
func (s *state) Close() error {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return nil
	}
	s.phase = PhaseClosed
	s.mu.Unlock()
	return s.neg.Close()
}

// Initiator is the offering side.
type Initiator struct {
	state
	label   string
	onOffer func(Description)
	started atomic.Bool
}

// NewInitiator prepares a negotiation that opens a data channel named label.
// onOffer receives the gathered offer once.
func NewInitiator(neg webrtcpeer.Negotiator, label string, onOffer func(Description)) *Initiator {
	return &Initiator{state: state{neg: neg}, label: label, onOffer: onOffer}
}

// Start creates the data channel and the offer and begins gathering.
func (i *Initiator) Start() (webrtcpeer.DataChannel, error) {
	if !i.started.CompareAndSwap(false, true) {
		return nil, errors.New("negotiation already started")
	}
	if i.Phase() == PhaseClosed {
		return nil, ErrClosed
	}

	dc, err := i.neg.CreateDataChannel(i.label)
	if err != nil {
		return nil, fmt.Errorf("create datachannel %q: %w", i.label, err)
	}

	i.armGathering(func(d Description) {
		i.advance(PhaseOfferSent)
		if i.onOffer != nil {
			i.onOffer(d)
		}
	})

	offer, err := i.neg.CreateOffer()
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	i.advance(PhaseOfferCreated)
	if err := i.setLocal(offer); err != nil {
		return nil, err
	}
	i.advance(PhaseGathering)
	return dc, nil
}

// Accept applies the remote answer and its candidates. Rejected candidates
// are reported after the answer has been applied.
func (i *Initiator) Accept(answer Description) error {
	if !i.started.Load() {
		return ErrNotStarted
	}
	candErr, err := i.applyRemote(answer)
	if err != nil {
		return err
	}
	i.advance(PhaseAnswerReceived)
	return candErr
}

// Responder is the answering side.
type Responder struct {
	state
	onAnswer func(Description)
	started  atomic.Bool
}

// NewResponder prepares a negotiation that answers a remote offer. onAnswer
// receives the gathered answer once.
func NewResponder(neg webrtcpeer.Negotiator, onAnswer func(Description)) *Responder {
	return &Responder{state: state{neg: neg}, onAnswer: onAnswer}
}

// Respond applies offer, creates the answer and begins gathering. Only the
// first call has any effect. Rejected offer candidates are reported once the
// answer is in place.
func (r *Responder) Respond(offer Description) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("negotiation already answered")
	}

	r.armGathering(func(d Description) {
		r.advance(PhaseAnswerSent)
		if r.onAnswer != nil {
			r.onAnswer(d)
		}
	})

	candErr, err := r.applyRemote(offer)
	if err != nil {
		return err
	}
	answer, err := r.neg.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := r.setLocal(answer); err != nil {
		return err
	}
	r.advance(PhaseGathering)
	return candErr
}
