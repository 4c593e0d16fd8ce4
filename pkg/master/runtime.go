package master

import (
	"context"
	"sync"
	"time"
)

// CycleInterval is the default IDLE-phase cooperative tick.
const CycleInterval = time.Millisecond

// Runtime schedules a Master's cyclic FSM: a background goroutine
// ticking the cyclic state machine, started/stopped/waited through a
// context.CancelFunc and a sync.WaitGroup.
// Two phases: in IDLE the Runtime itself runs Receive, Tick and Send on
// every tick (cooperative scheduling). In OPERATION the application's
// own real-time loop calls Receive, Tick and Send each cycle; Start does
// not spawn the ticking goroutine in that phase.
type Runtime struct {
	Master   *Master
	Interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	phase  Phase
}

// Phase selects the Runtime's scheduling model.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseOperation
)

// NewRuntime builds a Runtime over master, defaulting to IDLE phase and
// CycleInterval.
func NewRuntime(master *Master) *Runtime {
	return &Runtime{Master: master, Interval: CycleInterval, phase: PhaseIdle}
}

// SetPhase switches between IDLE and OPERATION scheduling. Changing
// phase while running takes effect on the next Start.
func (r *Runtime) SetPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

// Start spawns the background cyclic goroutine (IDLE phase only;
// OPERATION phase expects the application to call Tick itself from its
// own real-time loop) and returns immediately.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return nil // already running
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	phase := r.phase
	r.mu.Unlock()

	if phase == PhaseOperation {
		return nil
	}

	r.wg.Add(1)
	go r.background(runCtx)
	return nil
}

func (r *Runtime) background(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			r.Receive(now)
			r.Tick()
			_ = r.Send(now)
		}
	}
}

func (r *Runtime) interval() time.Duration {
	if r.Interval <= 0 {
		return CycleInterval
	}
	return r.Interval
}

// Tick runs exactly one pass of the master FSM's cyclic states:
// Broadcast, Validate (gated scan), ReadSlaveStates, Configure one
// slave round-robin, ServiceRequests. The application calls this
// directly, once per cycle, in OPERATION phase; in IDLE phase the
// background goroutine calls it on Interval.
func (r *Runtime) Tick() {
	m := r.Master
	result, err := m.Broadcast()
	if err != nil {
		return
	}
	if m.Validate(result) {
		_ = m.Scan(result.RespondingCount)
	}
	_ = m.ReadSlaveStates()
	_, _ = m.ConfigureNext()
	m.ServiceRequests()
}

// Receive runs the receive half of one cycle, per link device. Received
// frames are dispatched onto their datagrams by each link's receive hook
// as they arrive; what remains here is retiring datagrams whose reply
// window has passed, and failing everything in flight on a downed link.
// In OPERATION phase the application's real-time loop calls this first,
// before Tick.
func (r *Runtime) Receive(now time.Time) {
	for _, e := range r.Master.Engines() {
		e.CheckTimeouts(now)
	}
}

// Send runs the send half of one cycle: the DC alignment datagrams and
// the external-datagram ring drain into their link devices' engines,
// then every engine's pending datagrams go out on the wire. A down
// backup link does not stop the main link's flush (or vice versa); the
// first error is reported after every device has been served. In
// OPERATION phase the application's real-time loop calls this last,
// after queuing its domains.
func (r *Runtime) Send(now time.Time) error {
	if err := r.Master.QueueDCDatagrams(); err != nil {
		return err
	}
	if _, err := r.Master.ring.Drain(r.Master, now); err != nil {
		return err
	}
	var firstErr error
	for _, e := range r.Master.Engines() {
		if err := e.Flush(now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop cancels the background goroutine. It does not block; call Wait
// to observe termination.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Wait blocks until the background goroutine (if any was started) has
// returned.
func (r *Runtime) Wait() error {
	r.wg.Wait()
	return nil
}
