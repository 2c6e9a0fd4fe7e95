package journal

import (
	"context"
	"time"

	"github.com/google/uuid"

	"framesched/internal/eventbus"
	logx "framesched/pkg/logx"
)

const appendTimeout = 2 * time.Second

// Journaled lists the bus topics the Recorder persists.
var Journaled = []string{
	eventbus.TaskFaulted,
	eventbus.TaskCancelled,
	eventbus.TaskSlow,
	eventbus.TriggerSkipped,
	eventbus.FrameSlow,
}

// Recorder copies journaled bus events into a Store. Every entry carries the
// recorder's session id so runs can be told apart.
type Recorder struct {
	store   Store
	bus     eventbus.Bus
	log     logx.Logger
	session string
	buffer  int
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	return &Recorder{
		store:   store,
		bus:     bus,
		log:     log.With(logx.String("comp", "journal")),
		session: uuid.New().String(),
		buffer:  256,
	}
}

func (r *Recorder) Session() string { return r.session }

// Run records events until ctx is done. Store errors are logged and the event dropped.
func (r *Recorder) Run(ctx context.Context) error {
	events, unsub := r.bus.Subscribe(r.buffer)
	defer unsub()
	keep := eventbus.Filter(Journaled...)

	r.log.Info("journal recording", logx.String("session", r.session))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !keep(ev) {
				continue
			}
			e, ok := r.entry(ev)
			if !ok {
				continue
			}
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
			err := r.store.Append(actx, e)
			cancel()
			if err != nil {
				r.log.Warn("journal append failed", logx.String("kind", e.Kind), logx.Err(err))
			}
		}
	}
}

func (r *Recorder) entry(ev eventbus.Event) (Entry, bool) {
	e := Entry{At: ev.Time, Session: r.session, Kind: ev.Type}
	switch d := ev.Data.(type) {
	case eventbus.TaskEvent:
		e.TaskID = d.ID
		e.Name = d.Name
		e.Stage = d.Stage
		e.Async = d.Async
		e.TookMS = d.Duration.Milliseconds()
		e.Error = d.Error
		e.Panic = d.Panic
	case eventbus.TriggerEvent:
		e.Name = d.Name
		e.Error = d.Reason
	case eventbus.FrameEvent:
		e.Frame = d.Frame
		e.TookMS = d.Duration.Milliseconds()
	default:
		return Entry{}, false
	}
	return e, true
}
