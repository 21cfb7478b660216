/*
NAME
  descramble.go - batched descrambling of scrambled MPEG-TS packets.

DESCRIPTION
  See Readme.md

AUTHORS
  Saxon A. Nelson-Milton <saxon.milton@gmail.com>
  Trek Hopton <trek@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package descramble provides a stream-processing stage that descrambles DVB
// transport-stream packets in real time. Packets tagged with a transport
// scrambling control value are decrypted with the control word of the
// matching parity and emitted with the field cleared; everything else passes
// through untouched. Output order always equals arrival order: eligible
// packets may be held briefly so that the cipher's fixed per-call cost is
// amortised over a batch, and everything received meanwhile is queued behind
// them.
package descramble

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ausocean/utils/logging"
	"github.com/pkg/errors"

	"github.com/avutil/dvb/container/mts"
	"github.com/avutil/dvb/csa"
)

// ExpectedFlowDef is the input flow definition prefix this stage accepts.
const ExpectedFlowDef = "block.mpegts."

// csaLatency is the approximate worst descrambling latency of a full batch
// on normal hardware.
const csaLatency = 5 * time.Millisecond

// Mode selects the cipher backend a key was installed for.
type Mode int

const (
	// ModeSingle descrambles each packet synchronously on arrival.
	ModeSingle Mode = iota
	// ModeBatched accumulates packets and descrambles them in bulk.
	ModeBatched
	// ModeAES decrypts each packet with AES-CBC (CISSA) on arrival.
	ModeAES
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeBatched:
		return "batched"
	case ModeAES:
		return "aes"
	}
	return "unknown"
}

// FlowFormat describes the negotiated format of the stream flowing through
// the stage.
type FlowFormat struct {
	Def     string        // Format definition, e.g. "block.mpegts.".
	Latency time.Duration // Accumulated pipeline latency.
}

// Item is one unit flowing through the stage: a TS packet, or an in-band
// flow format marker when Format is non-nil.
type Item struct {
	Format *FlowFormat
	Data   []byte
}

// Sink receives the stage's output in delivery order. Format is called when
// a format change is committed; Packet receives every data packet.
type Sink interface {
	Format(*FlowFormat) error
	Packet([]byte) error
}

// Stats counts per-Engine packet outcomes.
type Stats struct {
	Emitted     uint64 // Packets delivered downstream.
	Descrambled uint64 // Packets run through a cipher backend.
	Dropped     uint64 // Malformed packets discarded.
}

// Config holds the parameters used to construct an Engine.
type Config struct {
	// Logger is used for all Engine logging. Required.
	Logger logging.Logger

	// Sink receives the Engine's output. Required.
	Sink Sink

	// Format, when non-nil, is the initial flow format of the stream. Its
	// presence selects batched descrambling; its latency figure seeds the
	// stage's latency budget.
	Format *FlowFormat

	// Context is the PID/latency state shared with sibling stages working
	// on the same stream. A private context is created when nil.
	Context *StreamContext

	// BatchSize bounds the number of packets accumulated before a batched
	// descramble. Defaults to the cipher's advised batch size.
	BatchSize int
}

// Engine descrambles one transport stream. Engines are created with New
// and must be closed with Close, which forces out any packets still held
// for batching.
type Engine struct {
	mu  sync.Mutex
	log logging.Logger
	dst Sink
	ctx *StreamContext

	// batched is the batching posture fixed at construction; mode tracks
	// the backend the current key was installed for.
	batched bool
	mode    Mode
	keys    keySlots

	// The open batch. Entries in batch and mapped correspond 1:1 and all
	// share the parity in odd. The extra slot in batch holds the zero
	// terminator the bulk transform expects.
	batchCap int
	batch    []csa.BatchEntry
	mapped   []*Item
	current  int
	odd      bool

	// pending holds everything received since the last flush, in arrival
	// order. It is the ordering backbone: packets only ever leave it from
	// the front, during a flush.
	pending []*Item

	timer  *time.Timer
	format *FlowFormat
	stats  Stats
}

// New returns an Engine configured with cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		return nil, errors.New("no logger provided")
	}
	if cfg.Sink == nil {
		return nil, errors.New("no sink provided")
	}
	if err := csa.Ready(); err != nil {
		return nil, errors.Wrap(err, "cipher library unusable")
	}

	ctx := cfg.Context
	if ctx == nil {
		ctx = NewStreamContext()
	}

	bc := cfg.BatchSize
	if bc <= 0 {
		bc = csa.BatchSize()
	}

	e := &Engine{
		log:      cfg.Logger,
		dst:      cfg.Sink,
		ctx:      ctx,
		mode:     ModeSingle,
		batchCap: bc,
		batch:    make([]csa.BatchEntry, bc+1),
		mapped:   make([]*Item, bc),
	}

	if cfg.Format != nil {
		e.batched = true
		e.mode = ModeBatched
		e.ctx.SetMaxLatency(cfg.Format.Latency)
	}
	e.log.Debug("descrambler created", "mode", e.mode.String(), "batchSize", bc)

	return e, nil
}

// Context returns the stream context, so that a sibling stage can share it.
func (e *Engine) Context() *StreamContext { return e.ctx }

// AddPID adds pid to the set of PIDs targeted for descrambling.
func (e *Engine) AddPID(pid uint16) { e.ctx.AddPID(pid) }

// DelPID removes pid from the set of PIDs targeted for descrambling.
func (e *Engine) DelPID(pid uint16) { e.ctx.DelPID(pid) }

// Stats returns a snapshot of the Engine's packet counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// SetFormat negotiates a new input flow format. The format is routed through
// the normal input path so that its position relative to surrounding packets
// is preserved.
func (e *Engine) SetFormat(f *FlowFormat) error {
	if !strings.HasPrefix(f.Def, ExpectedFlowDef) {
		return fmt.Errorf("unexpected flow definition: %q", f.Def)
	}
	dup := *f
	e.Submit(&Item{Format: &dup})
	return nil
}

// Submit feeds one item into the Engine, which takes ownership of it and
// may hold it until a later flush. Data packets are classified,
// descrambled as configured and emitted downstream in arrival order; format
// markers are committed in their place in the stream.
func (e *Engine) Submit(it *Item) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submit(it)
}

func (e *Engine) submit(it *Item) {
	first := len(e.pending) == 0

	// Handle a new flow format.
	if it.Format != nil {
		if first {
			e.commitFormat(it.Format)
		} else {
			e.pending = append(e.pending, it)
		}
		return
	}

	// Without an even key the stage is a passthrough.
	if !e.keys.evenSet(e.mode) {
		if !first {
			e.flush()
		}
		e.emit(it.Data)
		return
	}

	info, err := mts.Classify(it.Data)
	if err != nil {
		e.log.Error("could not read TS header", "error", err.Error())
		e.stats.Dropped++
		return
	}

	var odd bool
	valid := false
	switch info.Scrambling {
	case mts.ScramblingEven:
		valid = true
	case mts.ScramblingOdd:
		odd = true
		valid = e.keys.oddSet(e.mode)
	}

	if !valid || !info.HasPayload || !e.ctx.CheckPID(info.PID) {
		if first {
			e.emit(it.Data)
		} else {
			e.pending = append(e.pending, it)
		}
		return
	}

	off, err := mts.PayloadOffset(it.Data, info)
	if err != nil {
		e.log.Warning("dropping malformed packet", "error", err.Error(), "pid", info.PID)
		e.stats.Dropped++
		return
	}

	// The cipher works in place and the packet's storage may be shared with
	// other consumers, so work on an independent copy.
	data := make([]byte, len(it.Data))
	copy(data, it.Data)
	mts.SetScrambling(data, mts.ScramblingClear)
	it.Data = data

	switch e.mode {
	case ModeAES:
		e.decryptAES(data[off:], odd)
		e.emit(data)
		return
	case ModeSingle:
		e.keys.single[parity(odd)].Decrypt(data[off:])
		e.stats.Descrambled++
		e.emit(data)
		return
	}

	// Batched: a batch holds entries of one parity only, so a parity switch
	// forces the open batch out first.
	if !first && e.odd != odd {
		e.flush()
		first = true
	}
	e.odd = odd

	e.batch[e.current] = csa.BatchEntry{Data: data[off:]}
	e.mapped[e.current] = it
	e.current++
	e.pending = append(e.pending, it)

	if first {
		// First buffered item since the last flush; bound its delay.
		e.timer = time.AfterFunc(e.ctx.MaxLatency()+csaLatency, e.Flush)
	}

	if e.current >= e.batchCap {
		e.flush()
	}
}

// Flush descrambles any open batch and drains everything held for ordering.
// It is a no-op if nothing is buffered. Flush is called by the deferred
// timer when a batch does not fill within the latency budget, and may also
// be called directly.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flush()
}

func (e *Engine) flush() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	// Descramble remaining packets.
	if current := e.current; current > 0 {
		e.current = 0
		e.batch[current] = csa.BatchEntry{}
		before := time.Now()
		e.keys.bs[parity(e.odd)].Decrypt(e.batch[:current+1])
		elapsed := time.Since(before)
		if elapsed > csaLatency {
			e.log.Warning("descramble latency too high", "latency", elapsed.String())
		} else {
			e.log.Debug("batch descrambled", "packets", current, "latency", elapsed.String())
		}
		e.stats.Descrambled += uint64(current)
		for i := 0; i < current; i++ {
			e.mapped[i] = nil
		}
	}

	// Output, strictly in arrival order.
	for _, it := range e.pending {
		if it.Format != nil {
			e.commitFormat(it.Format)
		} else {
			e.emit(it.Data)
		}
	}
	e.pending = e.pending[:0]
}

// Close forces a final flush so that no buffered packet is lost, then
// releases the key material. The Engine must not be used afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flush()
	e.keys.clear()
	return nil
}

func (e *Engine) commitFormat(f *FlowFormat) {
	if e.mode == ModeBatched {
		f.Latency += e.ctx.MaxLatency() + csaLatency
	}
	e.format = f
	e.log.Debug("flow format committed", "def", f.Def, "latency", f.Latency.String())
	if err := e.dst.Format(f); err != nil {
		e.log.Error("could not output flow format", "error", err.Error())
	}
}

func (e *Engine) emit(b []byte) {
	if err := e.dst.Packet(b); err != nil {
		e.log.Error("could not output packet", "error", err.Error())
		return
	}
	e.stats.Emitted++
}

func parity(odd bool) int {
	if odd {
		return 1
	}
	return 0
}
