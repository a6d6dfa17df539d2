package kernel

import (
	"time"

	"github.com/GriffinCanCode/l4core/internal/abi"
)

// route is the resolved destination of a send.
type route struct {
	dst    *Thread
	label  uint64
	via    *Gate
	obj    Object
	rights abi.Rights
}

// route resolves dest in t's capability table. Caller holds k.mu.
func (k *Kernel) route(t *Thread, dest abi.Cap, tag abi.Tag) (route, bool) {
	o, rights, ok := t.task.caps.ResolveCap(dest)
	if !ok {
		return route{}, false
	}
	switch obj := o.(type) {
	case *Thread:
		if tag.Label() == abi.ProtoThread {
			return route{obj: obj, rights: rights}, true
		}
		return route{dst: obj}, true
	case *Gate:
		if tag.Label() == abi.ProtoKobject {
			return route{obj: obj, rights: rights}, true
		}
		if obj.thread == nil || obj.thread.state == StateDead {
			return route{}, false
		}
		return route{
			dst:   obj.thread,
			label: obj.label | uint64(rights&(abi.RightW|abi.RightS)),
			via:   obj,
		}, true
	default:
		return route{obj: o, rights: rights}, true
	}
}

// Call sends tag to dest and waits for the reply in one system call. The
// reply is awaited only from the thread that received the message.
func (t *Thread) Call(dest abi.Cap, tag abi.Tag, to abi.Timeouts) abi.Tag {
	started := time.Now()
	k := t.k
	defer k.reap()

	k.mu.Lock()
	if t.state == StateDead {
		k.mu.Unlock()
		return t.finish("call", 0, abi.IPCNotExistent, started)
	}
	r, ok := k.route(t, dest, tag)
	if !ok {
		k.mu.Unlock()
		return t.finish("call", 0, abi.IPCNotExistent, started)
	}
	if r.obj != nil {
		k.mu.Unlock()
		return t.finish("call", k.invoke(t, r.obj, r.rights, tag), abi.IPCOK, started)
	}

	res, err := k.call(t, r, tag, to)
	k.mu.Unlock()
	return t.finish("call", res.tag, err, started)
}

// call runs both phases of a call. Caller holds k.mu.
func (k *Kernel) call(t *Thread, r route, tag abi.Tag, to abi.Timeouts) (result, abi.IPCError) {
	p := &pending{tag: tag, label: r.label, via: r.via, call: true}
	if err := k.sendPhase(t, r.dst, p, to.Send()); err != abi.IPCOK {
		return result{}, err
	}
	if t.state == StateReceiveBlocked {
		timer, expired := k.timer(t, to.Receive())
		if expired {
			k.abort(t, abi.IPCRecvTimeout)
		} else {
			k.block(t, StateReceiveBlocked, timer, abi.IPCRecvTimeout)
		}
	}
	return t.res, t.res.err
}

// Send delivers tag to dest without waiting for an answer.
func (t *Thread) Send(dest abi.Cap, tag abi.Tag, to abi.Timeout) abi.Tag {
	started := time.Now()
	k := t.k
	defer k.reap()

	k.mu.Lock()
	if t.state == StateDead {
		k.mu.Unlock()
		return t.finish("send", 0, abi.IPCNotExistent, started)
	}
	r, ok := k.route(t, dest, tag)
	if !ok {
		k.mu.Unlock()
		return t.finish("send", 0, abi.IPCNotExistent, started)
	}
	if r.obj != nil {
		k.mu.Unlock()
		reply := k.invoke(t, r.obj, r.rights, tag)
		return t.finish("send", reply, abi.IPCOK, started)
	}

	err := k.sendPhase(t, r.dst, &pending{tag: tag, label: r.label, via: r.via}, to)
	k.mu.Unlock()
	return t.finish("send", 0, err, started)
}

// Receive waits for a message from the thread named by src only.
func (t *Thread) Receive(src abi.Cap, to abi.Timeout) abi.Tag {
	started := time.Now()
	k := t.k
	defer k.reap()

	k.mu.Lock()
	if t.state == StateDead {
		k.mu.Unlock()
		return t.finish("receive", 0, abi.IPCNotExistent, started)
	}
	o, _, ok := t.task.caps.ResolveCap(src)
	from, isThread := o.(*Thread)
	if !ok || !isThread {
		k.mu.Unlock()
		return t.finish("receive", 0, abi.IPCNotExistent, started)
	}
	err := k.receivePhase(t, from, to)
	res := t.res
	k.mu.Unlock()
	return t.finish("receive", res.tag, err, started)
}

// Wait waits for a message from any sender. It returns the message tag
// and the label of the gate the message came through (zero for direct
// thread IPC).
func (t *Thread) Wait(to abi.Timeout) (abi.Tag, uint64) {
	started := time.Now()
	k := t.k
	defer k.reap()

	k.mu.Lock()
	if t.state == StateDead {
		k.mu.Unlock()
		return t.finish("wait", 0, abi.IPCNotExistent, started), 0
	}
	err := k.receivePhase(t, nil, to)
	res := t.res
	k.mu.Unlock()
	return t.finish("wait", res.tag, err, started), res.label
}

// Reply answers the thread whose call was received last. It never blocks.
func (t *Thread) Reply(tag abi.Tag) abi.Tag {
	started := time.Now()
	k := t.k
	defer k.reap()

	k.mu.Lock()
	err := k.reply(t, tag)
	k.mu.Unlock()
	return t.finish("reply", 0, err, started)
}

func (k *Kernel) reply(t *Thread, tag abi.Tag) abi.IPCError {
	for {
		c := t.caller
		if t.state == StateDead || c == nil || c.state != StateReceiveBlocked || c.partner != t {
			t.caller = nil
			return abi.IPCNotExistent
		}
		p := &pending{tag: tag}
		out, code, again := k.deliver(t, c, p, t)
		if again {
			continue
		}
		t.caller = nil
		k.complete(t, c, p, out, code, t)
		return code.Send()
	}
}

// ReplyAndWait replies and then waits for the next message from any
// sender. When the reply fails its error is returned without waiting.
func (t *Thread) ReplyAndWait(tag abi.Tag, to abi.Timeout) (abi.Tag, uint64) {
	started := time.Now()
	k := t.k
	defer k.reap()

	k.mu.Lock()
	if err := k.reply(t, tag); err != abi.IPCOK {
		k.mu.Unlock()
		return t.finish("reply_and_wait", 0, err, started), 0
	}
	err := k.receivePhase(t, nil, to)
	res := t.res
	k.mu.Unlock()
	return t.finish("reply_and_wait", res.tag, err, started), res.label
}

// accepts reports whether a receive-blocked t takes a message from s.
func (t *Thread) accepts(s *Thread) bool {
	return t.state == StateReceiveBlocked && (t.partner == nil || t.partner == s)
}

// sendPhase offers p to dst. On success of a call, t is left receive
// blocked on dst (or already holds the reply). Caller holds k.mu.
func (k *Kernel) sendPhase(t, dst *Thread, p *pending, to abi.Timeout) abi.IPCError {
	var timer *time.Timer
	armed := false
	for {
		if dst.state == StateDead {
			return abi.IPCNotExistent
		}
		if dst.accepts(t) {
			out, code, again := k.deliver(t, dst, p, t)
			if again {
				continue
			}
			k.complete(t, dst, p, out, code, t)
			return code.Send()
		}

		if !armed {
			var expired bool
			timer, expired = k.timer(t, to)
			if expired {
				return abi.IPCSendTimeout
			}
			armed = true
		}
		t.state = StateSendBlocked
		t.sendTo = dst
		t.pending = p
		t.sndErr = abi.IPCOK
		dst.senders = append(dst.senders, t)
		k.block(t, StateSendBlocked, timer, abi.IPCSendTimeout)
		return t.sndErr
	}
}

// receivePhase waits for a message, from any sender when from is nil.
// The outcome is left in t.res. Caller holds k.mu.
func (k *Kernel) receivePhase(t, from *Thread, to abi.Timeout) abi.IPCError {
	t.res = result{}
	for {
		if from == nil && len(t.irqs) > 0 {
			irq := t.irqs[0]
			t.irqs = t.irqs[1:]
			irq.queued = false
			t.res = irq.notification()
			return abi.IPCOK
		}

		if s := t.firstSender(from); s != nil {
			p := s.pending
			out, code, again := k.deliver(s, t, p, t)
			if again {
				continue
			}
			t.dequeue(s)
			k.complete(s, t, p, out, code, t)
			return t.res.err
		}

		if from != nil && from.state == StateDead {
			return abi.IPCNotExistent
		}
		timer, expired := k.timer(t, to)
		if expired {
			return abi.IPCRecvTimeout
		}
		t.state = StateReceiveBlocked
		t.partner = from
		k.block(t, StateReceiveBlocked, timer, abi.IPCRecvTimeout)
		return t.res.err
	}
}

func (t *Thread) firstSender(from *Thread) *Thread {
	for _, s := range t.senders {
		if from == nil || s == from {
			return s
		}
	}
	return nil
}

func (t *Thread) dequeue(s *Thread) {
	for i, q := range t.senders {
		if q == s {
			t.senders = append(t.senders[:i], t.senders[i+1:]...)
			return
		}
	}
}

// complete finishes a rendezvous: both sides get the outcome, the blocked
// side is woken, and a successful call leaves the sender waiting for the
// receiver's reply.
func (k *Kernel) complete(snd, rcv *Thread, p *pending, out abi.Tag, code abi.IPCError, running *Thread) {
	rcv.res = result{tag: out, label: p.label, err: code.Recv()}
	rcv.state = StateReady
	rcv.partner = nil

	snd.sendTo = nil
	snd.pending = nil
	snd.sndErr = code.Send()
	if code == abi.IPCOK && p.call {
		snd.state = StateReceiveBlocked
		snd.partner = rcv
		snd.res = result{}
		rcv.caller = snd
	} else {
		snd.state = StateReady
	}

	if rcv != running {
		wakeup(rcv)
	}
	if snd != running {
		wakeup(snd)
	}
}

// abort ends a blocked operation with code, in the variant matching the
// phase the thread is blocked in. Caller holds k.mu.
func (k *Kernel) abort(t *Thread, code abi.IPCError) {
	switch t.state {
	case StateSendBlocked:
		if t.sendTo != nil {
			t.sendTo.dequeue(t)
		}
		t.sendTo = nil
		t.pending = nil
		t.sndErr = code.Send()
	case StateReceiveBlocked:
		if t.partner != nil && t.partner.caller == t {
			t.partner.caller = nil
		}
		t.partner = nil
		t.res = result{err: code.Recv()}
	default:
		return
	}
	t.state = StateReady
	wakeup(t)
}

// block waits until t leaves state. Caller holds k.mu; it is released
// while waiting.
func (k *Kernel) block(t *Thread, state ThreadState, timer *time.Timer, code abi.IPCError) {
	var expired <-chan time.Time
	if timer != nil {
		expired = timer.C
		defer timer.Stop()
	}
	for t.state == state {
		timedOut := false
		k.mu.Unlock()
		select {
		case <-t.wake:
		case <-expired:
			timedOut = true
			expired = nil
		}
		k.mu.Lock()
		if timedOut && t.state == state {
			k.abort(t, code)
		}
	}
	select {
	case <-t.wake:
	default:
	}
}

// timer converts a timeout into a timer. A nil timer never fires;
// expired reports a timeout that has already passed.
func (k *Kernel) timer(t *Thread, to abi.Timeout) (*time.Timer, bool) {
	switch {
	case to.IsNever():
		return nil, false
	case to.IsZero():
		return nil, true
	case to.IsAbsolute():
		at := k.start.Add(time.Duration(t.utcb.BR[to.BR()]) * time.Microsecond)
		d := time.Until(at)
		if d <= 0 {
			return nil, true
		}
		return time.NewTimer(d), false
	default:
		d := to.Duration()
		if d <= 0 {
			return nil, true
		}
		return time.NewTimer(d), false
	}
}
