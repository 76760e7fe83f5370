package acquistor

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// FrameObserver sees every aligned frame after it has been handed to the
// sink. Observers must not retain or mutate the frame's blocks.
type FrameObserver interface {
	ObserveFrame(*AlignedFrame)
}

// AcquisitionController owns the whole lifecycle of one acquisition
// session: Idle → Configuring → Armed → Running → Draining → Stopped, with
// Error reachable from any state. All coordination between the per-card
// polling tasks, the synchronizer task, and the pipeline task happens
// through explicit signals (stop, abort, faults); the only shared mutable
// structures are the per-card stream buffers.
type AcquisitionController struct {
	cfg      AcqConfig
	adapters []DeviceAdapter
	medium   BatchMedium

	session      *Session
	buffers      []*StreamBuffer
	synchronizer *CardSynchronizer
	sink         *StorageSink
	bp           *BackpressureCoordinator
	observers    []FrameObserver

	stateLock sync.Mutex
	state     SessionState

	stop         chan struct{} // one-way graceful stop signal
	abort        chan struct{} // harsher signal: discard rather than drain
	stopOnce     sync.Once
	abortOnce    sync.Once
	finalOnce    sync.Once
	faults       chan error
	pipelineDone chan struct{}
	done         chan struct{} // closed once the result is final
	runnersDone  sync.WaitGroup
	cardsAtLimit atomic.Int32 // cards that produced their MaxBlocks budget

	result SessionResult
}

// NewAcquisitionController binds a controller to its device adapters and
// storage medium. No session exists until Configure succeeds.
func NewAcquisitionController(adapters []DeviceAdapter, medium BatchMedium) *AcquisitionController {
	return &AcquisitionController{
		adapters: adapters,
		medium:   medium,
		state:    Idle,
	}
}

// State returns the controller's state machine position, race-free.
func (ac *AcquisitionController) State() SessionState {
	ac.stateLock.Lock()
	defer ac.stateLock.Unlock()
	return ac.state
}

func (ac *AcquisitionController) setState(s SessionState) {
	ac.stateLock.Lock()
	ac.state = s
	ac.stateLock.Unlock()
}

// AddObserver registers a frame observer (live preview, channel auditor).
// Must be called before Start.
func (ac *AcquisitionController) AddObserver(obs FrameObserver) {
	ac.observers = append(ac.observers, obs)
}

// SetMedium attaches the storage medium. It may be deferred until after
// Configure, so file-based media can put the session ID in their headers,
// but must happen before Start.
func (ac *AcquisitionController) SetMedium(m BatchMedium) {
	ac.medium = m
}

// Aborted exposes the session's abort signal, for observers that need to
// shut down with the session.
func (ac *AcquisitionController) Aborted() <-chan struct{} {
	return ac.abort
}

// Configure validates the requested configuration against every card's
// capabilities and opens the cards. On success the Session exists; on
// failure the controller is in Errored and no Session was ever created.
func (ac *AcquisitionController) Configure(cfg AcqConfig) error {
	if st := ac.State(); st != Idle {
		return fmt.Errorf("cannot Configure a controller that's %v, not Idle", st)
	}
	ac.setState(Configuring)

	// Failures here finalize immediately: no session exists, but the
	// controller must still deliver its terminal result to Stop and Wait.
	if len(ac.adapters) != len(cfg.Cards) {
		err := fmt.Errorf("have %d device adapters for %d configured cards",
			len(ac.adapters), len(cfg.Cards))
		ac.finalize(Errored, err)
		return err
	}
	caps := make([]DeviceCapabilities, len(ac.adapters))
	for i, a := range ac.adapters {
		caps[i] = a.Capabilities()
	}
	if err := cfg.Validate(caps); err != nil {
		err = fmt.Errorf("configuration error: %v", err)
		ac.finalize(Errored, err)
		return err
	}
	for i, a := range ac.adapters {
		if err := a.Open(cfg.Cards[i]); err != nil {
			err = fmt.Errorf("configuration error: %v",
				&DeviceError{Card: cfg.Cards[i].ID, Op: "open", Err: err})
			ac.finalize(Errored, err)
			return err
		}
	}

	ac.cfg = cfg
	ac.session = newSession(cfg)
	loss := &ac.session.Loss

	ac.stop = make(chan struct{})
	ac.abort = make(chan struct{})
	ac.faults = make(chan error, len(ac.adapters)+2)
	ac.pipelineDone = make(chan struct{})
	ac.done = make(chan struct{})

	ac.buffers = make([]*StreamBuffer, len(ac.adapters))
	for i := range ac.adapters {
		ac.buffers[i] = NewStreamBuffer(cfg.BufferCapacity, cfg.Overrun, loss)
	}
	ac.synchronizer = NewCardSynchronizer(ac.adapters, ac.buffers, &ac.cfg, loss, ac.abort)
	ac.bp = NewBackpressureCoordinator(cfg.Backpressure)

	UpdateLogger.Printf("configured session %s:\n%s", ac.session.ID, spew.Sdump(cfg.Cards))
	return nil
}

// Arm runs the synchronizer's arm barrier: every card must report armed
// within the timeout before any is started. Failure aborts the whole
// session before any data flows.
func (ac *AcquisitionController) Arm() error {
	if st := ac.State(); st != Configuring {
		return fmt.Errorf("cannot Arm a controller that's %v, not Configuring", st)
	}
	if err := ac.synchronizer.ArmAll(ac.cfg.ArmTimeout); err != nil {
		ac.finalize(Errored, fmt.Errorf("arming failed: %v", err))
		return err
	}
	ac.setState(Armed)
	return nil
}

// Start issues the synchronized start dispatch and launches the pipeline:
// one polling task per card, the synchronizer task, and the sink task.
func (ac *AcquisitionController) Start() error {
	if st := ac.State(); st != Armed {
		return fmt.Errorf("cannot Start a controller that's %v, not Armed", st)
	}
	if ac.medium == nil {
		ac.finalize(Errored, fmt.Errorf("no storage medium attached"))
		return fmt.Errorf("no storage medium attached")
	}
	ac.sink = NewStorageSink(ac.medium, ac.cfg.Sink, &ac.session.Loss)
	if err := ac.synchronizer.StartAll(); err != nil {
		ac.finalize(Errored, fmt.Errorf("start dispatch failed: %v", err))
		return err
	}
	ac.setState(Running)

	for i := range ac.adapters {
		ac.runnersDone.Add(1)
		go ac.runCard(i)
	}
	go func() {
		if err := ac.synchronizer.Run(); err != nil {
			ac.fault(err)
		}
	}()
	go ac.runPipeline()
	go ac.supervise()
	return nil
}

// Stop requests a graceful stop and waits for the terminal result. It is
// idempotent: a second Stop returns the same result as the first.
func (ac *AcquisitionController) Stop() SessionResult {
	ac.stateLock.Lock()
	if ac.state == Idle || ac.state == Configuring || ac.state == Armed {
		// No tasks are running yet; tear down directly.
		ac.stateLock.Unlock()
		ac.finalize(Stopped, nil)
		return ac.result
	}
	ac.stateLock.Unlock()
	ac.requestStop()
	return ac.Wait()
}

// Wait blocks until the session reaches a terminal state and returns the
// single terminal result.
func (ac *AcquisitionController) Wait() SessionResult {
	<-ac.done
	return ac.result
}

// Result returns the terminal result if the session has finished.
func (ac *AcquisitionController) Result() (SessionResult, bool) {
	select {
	case <-ac.done:
		return ac.result, true
	default:
		return SessionResult{}, false
	}
}

// Session returns the live session, or nil before Configure.
func (ac *AcquisitionController) Session() *Session {
	return ac.session
}

// requestStop is the one-way stop signal, observed by every task at its
// next suspension point.
func (ac *AcquisitionController) requestStop() {
	ac.stateLock.Lock()
	if ac.state == Running {
		ac.state = Draining
	}
	ac.stateLock.Unlock()
	if ac.stop != nil {
		ac.stopOnce.Do(func() { close(ac.stop) })
	}
}

func (ac *AcquisitionController) requestAbort() {
	if ac.abort != nil {
		ac.abortOnce.Do(func() { close(ac.abort) })
	}
}

// fault reports a session-fatal error; only the first is kept.
func (ac *AcquisitionController) fault(err error) {
	select {
	case ac.faults <- err:
	default:
	}
}

// runCard is the polling task for one card. Transient poll timeouts are
// absorbed here with a bounded retry count; exceeding it is card-fatal.
// On stop, the adapter is told to stop producing and the task drains the
// blocks the hardware already captured before closing the stream buffer.
func (ac *AcquisitionController) runCard(i int) {
	defer ac.runnersDone.Done()
	defer ac.buffers[i].Close()
	a := ac.adapters[i]
	card := ac.cfg.Cards[i].ID

	retries := 0
	produced := 0
	for {
		select {
		case <-ac.stop:
			a.Stop()
			ac.drainCard(i)
			return
		default:
		}

		blk, err := a.Poll(ac.cfg.PollTimeout)
		switch {
		case errors.Is(err, ErrPollTimeout):
			retries++
			if retries > ac.cfg.PollRetryLimit {
				ac.fault(&DeviceError{Card: card, Op: "poll",
					Err: fmt.Errorf("%d consecutive timeouts", retries)})
				return
			}
			continue
		case err == io.EOF:
			return
		case err != nil:
			ac.fault(&DeviceError{Card: card, Op: "poll", Err: err})
			return
		}
		retries = 0

		if err := ac.buffers[i].Push(blk); err != nil {
			return
		}
		produced++
		if ac.cfg.MaxBlocks > 0 && produced >= ac.cfg.MaxBlocks {
			a.Stop()
			// The bounded run drains once every card has met its budget;
			// stopping earlier would truncate the slower cards.
			if int(ac.cardsAtLimit.Add(1)) == len(ac.adapters) {
				ac.requestStop()
			}
			return
		}
	}
}

// drainCard moves blocks the hardware captured before Stop from the
// adapter into the stream buffer, until the device reports end of data.
func (ac *AcquisitionController) drainCard(i int) {
	for {
		select {
		case <-ac.abort:
			return
		default:
		}
		blk, err := ac.adapters[i].Poll(ac.cfg.PollTimeout)
		if err != nil {
			return
		}
		if ac.buffers[i].Push(blk) != nil {
			return
		}
	}
}

// runPipeline is the single backpressure/sink task: it gates aligned
// frames through the coordinator and into the sink, and drives the sink's
// latency flush.
func (ac *AcquisitionController) runPipeline() {
	defer close(ac.pipelineDone)

	tick := ac.cfg.Sink.MaxLatency / 4
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	stallPause := ac.cfg.blockPeriod()
	if stallPause > 5*time.Millisecond {
		stallPause = 5 * time.Millisecond
	}

	frames := ac.synchronizer.Frames()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				if err := ac.sink.Flush(); err != nil {
					ac.fault(err)
				}
				return
			}
			mode := ac.bp.Observe(ac.occupancy(), ac.sink.LastLatency())
			switch mode {
			case ModeStall:
				// Let the stream buffers fill; their overrun policy
				// takes over. Acceptable only for short bursts.
				time.Sleep(stallPause)
			case ModeShed:
				ac.sink.ShedOldest(1)
			}
			if err := ac.sink.Submit(frame, ac.bp.BatchSize(ac.cfg.Sink.BatchSize)); err != nil {
				ac.fault(err)
				return
			}
			for _, obs := range ac.observers {
				obs.ObserveFrame(frame)
			}

		case <-ticker.C:
			if err := ac.sink.MaybeFlush(); err != nil {
				ac.fault(err)
				return
			}

		case <-ac.abort:
			ac.sink.DiscardPending()
			for range frames {
				ac.session.Loss.discardedFrames.Add(1)
			}
			return
		}
	}
}

// occupancy aggregates stream buffer occupancy across all cards.
func (ac *AcquisitionController) occupancy() float64 {
	size, capacity := 0, 0
	for _, sb := range ac.buffers {
		size += sb.Size()
		capacity += sb.Capacity()
	}
	if capacity == 0 {
		return 0
	}
	return float64(size) / float64(capacity)
}

// supervise watches for pipeline completion, faults, and the drain
// deadline, and produces the single terminal result.
func (ac *AcquisitionController) supervise() {
	var fault error
	var drainDeadline <-chan time.Time
	stop := ac.stop

	for {
		select {
		case err := <-ac.faults:
			if fault == nil {
				fault = err
			}
			// Halt all tasks via the cancellation signals. No task is
			// interrupted mid-write; each observes these at its next
			// suspension point. Closing the buffers releases any
			// producer blocked by the BlockCaller policy.
			ac.requestStop()
			ac.requestAbort()
			ac.closeBuffers()

		case <-stop:
			if drainDeadline == nil {
				drainDeadline = time.After(ac.cfg.DrainTimeout)
			}
			stop = nil // select on a nil channel blocks; handled once

		case <-drainDeadline:
			ProblemLogger.Printf("session %s: drain did not complete within %v; discarding buffered data",
				ac.session.ID, ac.cfg.DrainTimeout)
			ac.requestAbort()
			ac.closeBuffers()
			drainDeadline = nil

		case <-ac.pipelineDone:
			ac.runnersDone.Wait()
			ac.sweepBuffers()
			select {
			case err := <-ac.faults:
				if fault == nil {
					fault = err
				}
			default:
			}
			if fault != nil {
				ac.finalize(Errored, fault)
			} else {
				ac.finalize(Stopped, nil)
			}
			return
		}
	}
}

func (ac *AcquisitionController) closeBuffers() {
	for _, sb := range ac.buffers {
		sb.Close()
	}
}

// sweepBuffers counts any blocks still sitting in stream buffers after the
// pipeline ended. Nonzero only after an aborted drain.
func (ac *AcquisitionController) sweepBuffers() {
	for _, sb := range ac.buffers {
		for {
			if _, err := sb.Pop(); err != nil {
				break
			}
			ac.session.Loss.discardedFrames.Add(1)
		}
	}
}

// finalize releases all session resources and publishes the terminal
// result exactly once.
func (ac *AcquisitionController) finalize(state SessionState, fault error) {
	ac.finalOnce.Do(func() { ac.finalizeLocked(state, fault) })
}

func (ac *AcquisitionController) finalizeLocked(state SessionState, fault error) {
	for _, a := range ac.adapters {
		a.Close()
	}
	if ac.sink != nil {
		if err := ac.sink.Close(); err != nil {
			ProblemLogger.Printf("error closing storage medium: %v", err)
		}
	} else if ac.medium != nil {
		ac.medium.Close()
	}
	ac.setState(state)
	ac.result = SessionResult{
		FinalState: state,
		Fault:      fault,
	}
	if ac.session != nil {
		ac.result.SessionID = ac.session.ID
		ac.result.Loss = ac.session.Loss.Snapshot()
	}
	if ac.done == nil {
		ac.done = make(chan struct{})
	}
	close(ac.done)
}
