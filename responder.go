package beacon

import "sync"

// Responder is the one-shot reply handle for a single service call
// (spec.md §4.5). Exactly one of RespondOK/RespondErr takes effect; any
// further call, or an ensure() fallback if neither was ever called, is a
// no-op beyond the first. Go has no destructor to run on drop, so the
// *sync* and *blocking* handler wrappers defer ensure() themselves; an
// *async* handler's Responder is guarded the same way by the dispatcher
// goroutine that invokes it, not by caller discipline, since the
// dispatcher already owns that goroutine's lifetime.
type Responder struct {
	once    sync.Once
	reply   func(ok bool, data []byte, errMsg string)
	release func()
}

func newResponder(reply func(ok bool, data []byte, errMsg string), release func()) *Responder {
	return &Responder{reply: reply, release: release}
}

// RespondOK fulfils the call with a successful, already-encoded payload.
func (r *Responder) RespondOK(data []byte) {
	r.once.Do(func() {
		r.reply(true, data, "")
		r.release()
	})
}

// RespondErr fulfils the call with an application-level error message.
func (r *Responder) RespondErr(msg string) {
	r.once.Do(func() {
		r.reply(false, nil, msg)
		r.release()
	})
}

// ensure fulfils the call with the default "handler dropped without
// responding" error if neither RespondOK nor RespondErr was ever called.
func (r *Responder) ensure() {
	r.once.Do(func() {
		r.reply(false, nil, "handler dropped without responding")
		r.release()
	})
}
