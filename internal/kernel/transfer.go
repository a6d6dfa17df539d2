package kernel

import (
	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/utcb"
)

// deliver copies p from snd to rcv. Page faults on string items are
// resolved first, with k.mu released; again reports that the partner went
// away meanwhile and matching must start over. Caller holds k.mu.
func (k *Kernel) deliver(snd, rcv *Thread, p *pending, running *Thread) (out abi.Tag, code abi.IPCError, again bool) {
	for attempt := 0; ; attempt++ {
		f := k.preflight(snd, rcv, p)
		if f == nil {
			out, code = k.transfer(snd, rcv, p.tag)
			return out, code, false
		}
		if attempt >= k.cfg.PagerRetries {
			k.observeFault("exhausted")
			return 0, f.timeoutCode(), false
		}

		k.mu.Unlock()
		code = k.resolveFault(f, snd, rcv)
		k.mu.Lock()

		if !paired(snd, rcv, p, running) {
			return 0, 0, true
		}
		if code != abi.IPCOK {
			return 0, code, false
		}
	}
}

// paired reports whether the blocked side of a rendezvous is still
// waiting for the running side.
func paired(snd, rcv *Thread, p *pending, running *Thread) bool {
	if running == snd {
		return rcv.accepts(snd)
	}
	return snd.state == StateSendBlocked && snd.sendTo == rcv && snd.pending == p
}

// matcher hands out receive buffers to items in order. A compound item
// keeps the current buffer for the next item.
type matcher struct {
	bufs   []abi.Item
	cursor int
	used   uint64
}

func (m *matcher) next() (abi.Item, uint64, bool) {
	if m.cursor >= len(m.bufs) {
		return abi.Item{}, 0, false
	}
	return m.bufs[m.cursor], m.used, true
}

func (m *matcher) advance(it abi.Item, n uint64) {
	if it.IsCompound() {
		m.used += n
		return
	}
	m.cursor++
	m.used = 0
}

// stringSpan returns how many bytes of a string item fit into buf at off.
func stringSpan(it, buf abi.Item, off uint64) uint64 {
	room := uint64(0)
	if buf.Len() > off {
		room = buf.Len() - off
	}
	return min(it.Len(), room)
}

// preflight walks the string items the transfer will copy and reports
// the first page that is missing in either address space.
func (k *Kernel) preflight(snd, rcv *Thread, p *pending) *fault {
	tag := p.tag
	if tag.Items() == 0 || tag.Footprint() > utcb.MRCount {
		return nil
	}
	m := matcher{bufs: rcv.utcb.Buffers()}
	for i := 0; i < tag.Items(); i++ {
		it := snd.utcb.Item(tag.Words(), i)
		buf, off, ok := m.next()
		if !ok {
			return nil
		}
		if it.IsString() {
			if !buf.IsString() {
				return nil
			}
			n := stringSpan(it, buf, off)
			if addr, bad := snd.task.space.fault(it.Addr(), n, false); bad {
				return &fault{thread: snd, task: snd.task, addr: addr, sender: true}
			}
			if addr, bad := rcv.task.space.fault(buf.Addr()+off, n, true); bad {
				return &fault{thread: rcv, task: rcv.task, addr: addr, write: true}
			}
			m.advance(it, n)
			continue
		}
		m.advance(it, 0)
	}
	return nil
}

// transfer copies the message registers and applies the items in order.
// The first failing item stops the transfer; items applied before it
// stay in effect. Caller holds k.mu.
func (k *Kernel) transfer(snd, rcv *Thread, tag abi.Tag) (abi.Tag, abi.IPCError) {
	su, ru := snd.utcb, rcv.utcb
	words := tag.Words()

	if tag.Footprint() > utcb.MRCount {
		n := min(words, utcb.MRCount)
		copy(ru.MR[:n], su.MR[:n])
		return abi.NewTag(tag.Label(), n, 0, tag.Flags()), abi.IPCSendMsgCut
	}
	copy(ru.MR[:words], su.MR[:words])

	m := matcher{bufs: ru.Buffers()}
	for i := 0; i < tag.Items(); i++ {
		it := su.Item(words, i)
		got, code := k.transferItem(snd, rcv, it, &m)
		ru.SetItem(words, i, got)
		if code != abi.IPCOK {
			return abi.NewTag(tag.Label(), words, i+1, tag.Flags()), code
		}
	}
	return abi.NewTag(tag.Label(), words, tag.Items(), tag.Flags()), abi.IPCOK
}

// transferItem applies one item and returns the descriptor the receiver
// sees in its message registers.
func (k *Kernel) transferItem(snd, rcv *Thread, it abi.Item, m *matcher) (abi.Item, abi.IPCError) {
	switch {
	case it.IsString():
		buf, off, ok := m.next()
		if !ok || !buf.IsString() {
			return abi.Item{}, abi.IPCSendMsgCut
		}
		n := stringSpan(it, buf, off)
		data := make([]byte, n)
		if err := snd.task.space.read(it.Addr(), data); err != nil {
			return abi.Item{}, abi.IPCSendSndPFTimeout
		}
		if err := rcv.task.space.write(buf.Addr()+off, data); err != nil {
			return abi.Item{}, abi.IPCSendRcvPFTimeout
		}
		m.advance(it, n)
		got := abi.Item{Desc: n<<abi.ItemDataShift | abi.ItemString | abi.ItemReceived, Data: buf.Addr() + off}
		if n < it.Len() {
			return got, abi.IPCSendMsgCut
		}
		return got, abi.IPCOK

	case it.IsMap():
		fp := it.Fpage()
		if fp.Type() == abi.FpageSpecial {
			// Void item: consumes nothing.
			return abi.Item{Desc: abi.ItemMap | abi.ItemReceived}, abi.IPCOK
		}
		buf, _, ok := m.next()
		if !ok || !buf.IsMap() {
			return abi.Item{}, abi.IPCSendMapFailed
		}
		win := buf.Fpage()
		if !fp.Valid() || !win.Valid() || win.Type() != fp.Type() {
			return abi.Item{}, abi.IPCSendMapFailed
		}
		src, dst, order := hotSpot(fp, win, it.SndBase())
		if err := k.mapRange(snd.task, rcv.task, fp.Type(), src, dst, order, fp.Rights(), it.IsGrant()); err != nil {
			return abi.Item{}, abi.IPCSendMapFailed
		}
		m.advance(it, 0)
		desc := abi.ItemMap | abi.ItemReceived
		if it.IsGrant() {
			desc |= abi.ItemGrant
		}
		return abi.Item{Desc: desc, Data: fpageAt(fp.Type(), dst, order, fp.Rights()).Raw()}, abi.IPCOK

	default:
		return abi.Item{}, abi.IPCSendMapFailed
	}
}

func unitMask(order uint) uint64 {
	if order >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<order - 1
}

// hotSpot applies the send base to a send fpage and a receive window of
// different sizes. The larger one is narrowed to the size of the smaller
// one at the position the send base selects. Results are in units.
func hotSpot(fp, win abi.Fpage, sndBase uint64) (src, dst uint64, order uint) {
	so, wo := fp.UnitOrder(), win.UnitOrder()
	snd := sndBase >> abi.PageShift
	src, dst = fp.Unit(), win.Unit()
	if so > wo {
		return src + snd&unitMask(so)&^unitMask(wo), dst, wo
	}
	return src, dst + snd&unitMask(wo)&^unitMask(so), so
}

func fpageAt(t abi.FpageType, unit uint64, order uint, rights uint8) abi.Fpage {
	switch t {
	case abi.FpageMemory:
		return abi.MemFpage(unit<<abi.PageShift, order+abi.PageShift, rights)
	case abi.FpageIO:
		return abi.IOFpage(unit, order, rights)
	default:
		return abi.ObjFpage(unit, order, abi.Rights(rights))
	}
}
