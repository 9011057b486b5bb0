// Package rpc implements the RPC dispatch layer: a closed enumeration of
// request identifiers, each handled locally or forwarded to another
// core's shared URPC ring pair, with a local fast path for capability-
// bearing requests and a remote retry path for RAM requests that exhaust
// the local pool.
//
// Reply matching on a link is positional (a reply is matched to the most
// recent outstanding request, not by correlation id), so concurrent calls
// in both directions on the same link can deadlock. Known limitation.
package rpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aos-course/init-runtime/internal/capref"
	"github.com/aos-course/init-runtime/internal/errs"
	"github.com/aos-course/init-runtime/internal/kernelabi"
	"github.com/aos-course/init-runtime/internal/proctable"
	"github.com/aos-course/init-runtime/internal/ram"
	"github.com/aos-course/init-runtime/internal/ringbuf"
	"github.com/aos-course/init-runtime/internal/spawn"
)

// Identifier is the closed enumeration of request kinds: user RPCs
// followed by internal (core-to-core) RPCs.
type Identifier uint8

const (
	Number Identifier = iota
	String
	RAMRequest
	Spawn
	GetName
	GetAllPIDs
	TerminalRead
	TerminalWrite
	NameserverRequest
	CapTransfer

	// Internal RPCs: only ever sent/received over a URPC link, never
	// issued directly by a user-facing caller.
	BindCoreURPC
	RemoteRAMRequest
	RemoteCapTransfer
	RemoteBindNameserver
	GetLocalPIDs
)

// RAMPerCore is the minimum chunk requested from core 0 on a remote RAM
// miss, so repeated small misses don't each pay a round trip.
const RAMPerCore = 16 * 1024 * 1024

const (
	ackByte byte = iota
	nackByte
)

// Terminal is the terminal driver collaborator; TerminalRead/
// TerminalWrite are thin pass-throughs to it.
type Terminal interface {
	ReadByte() (byte, error)
	WriteByte(b byte) error
}

// Nameserver is the nameserver collaborator.
type Nameserver interface {
	Register(name string, pid uint32) error
	Resolve(name string) (uint32, error)
}

// Link is one core-to-core URPC connection: two single-direction ring
// buffers living in one shared frame. Out is this side's
// send ring; In is this side's receive ring. The peer's Link has them
// swapped, since both ends address the same two physical rings.
type Link struct {
	Out *ringbuf.Ring
	In  *ringbuf.Ring
}

// NewLinkPair builds the two cross-wired Links for a URPC connection
// between a local core and a peer, standing in for forging the shared
// frame from a FrameIdentity: the real forge step belongs to the kernel
// shim, so tests and cmd/init construct the ring pair directly instead of
// round-tripping through a frame identity.
func NewLinkPair() (local, peer *Link) {
	aToB := ringbuf.New(nil)
	bToA := ringbuf.New(nil)
	return &Link{Out: aToB, In: bToA}, &Link{Out: bToA, In: aToB}
}

// Dispatcher is the per-core RPC dispatch layer over the RAM manager,
// process table, and spawner, with ring-buffer links for cross-core
// traffic.
type Dispatcher struct {
	Core  capref.CoreID
	Kernel kernelabi.Kernel
	Slots  kernelabi.SlotAllocator
	RAM    *ram.Manager
	Procs  *proctable.Table
	Spawner *spawn.Spawner

	Terminal   Terminal
	Nameserver Nameserver

	links     map[capref.CoreID]*Link
	mailboxes map[uint32]chan capref.Ref
}

// New returns a Dispatcher for the given core with no links bound yet.
func New(core capref.CoreID, kernel kernelabi.Kernel, slots kernelabi.SlotAllocator, ramMgr *ram.Manager, procs *proctable.Table, spawner *spawn.Spawner) *Dispatcher {
	return &Dispatcher{
		Core:      core,
		Kernel:    kernel,
		Slots:     slots,
		RAM:       ramMgr,
		Procs:     procs,
		Spawner:   spawner,
		links:     make(map[capref.CoreID]*Link),
		mailboxes: make(map[uint32]chan capref.Ref),
	}
}

// BindLink registers the URPC link to core.
func (d *Dispatcher) BindLink(core capref.CoreID, link *Link) {
	d.links[core] = link
}

// ServeLink runs the request-service loop for the link to core until ctx
// is canceled: it polls the inbound ring for forwarded requests,
// dispatches each locally to completion, and writes back an ACK/NACK-
// framed reply on the outbound ring. The poll and reply-write halves run
// as two goroutines under an errgroup so a slow reply never stalls
// draining the next request out of the ring; messages on one link stay
// FIFO.
func (d *Dispatcher) ServeLink(ctx context.Context, core capref.CoreID) error {
	link, ok := d.links[core]
	if !ok {
		return errs.New(errs.KindPIDNotFound, "rpc: no link bound to that core")
	}

	g, ctx := errgroup.WithContext(ctx)
	requests := make(chan []byte)

	g.Go(func() error {
		defer close(requests)
		for {
			frame, ok := link.In.TryConsumerRecv()
			if !ok {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(time.Millisecond):
					continue
				}
			}
			select {
			case requests <- frame:
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		for frame := range requests {
			reply := d.serveOne(frame)
			link.Out.ProducerTransmit(reply)
		}
		return nil
	})

	return g.Wait()
}

// serveOne dispatches one forwarded request frame (identifier byte +
// payload) and renders the reply frame: an ACK identifier followed by the
// handler output, or a NACK identifier carrying a 4-byte error value.
func (d *Dispatcher) serveOne(frame []byte) []byte {
	if len(frame) == 0 {
		return []byte{nackByte, 0, 0, 0, 0}
	}
	id := Identifier(frame[0])
	out, err := d.dispatchLocal(id, frame[1:])
	if err != nil {
		code := make([]byte, 4)
		binary.LittleEndian.PutUint32(code, errCode(err))
		return append([]byte{nackByte}, code...)
	}
	return append([]byte{ackByte}, out...)
}

// forward writes (identifier, payload) to the outgoing ring of the link
// to core and awaits the ACK/NACK reply on the incoming ring.
func (d *Dispatcher) forward(core capref.CoreID, id Identifier, payload []byte) ([]byte, error) {
	link, ok := d.links[core]
	if !ok {
		return nil, errs.New(errs.KindPIDNotFound, "rpc: no link to target core")
	}
	frame := make([]byte, 1+len(payload))
	frame[0] = byte(id)
	copy(frame[1:], payload)
	link.Out.ProducerTransmit(frame)

	reply := link.In.ConsumerRecv()
	if len(reply) == 0 {
		return nil, errs.New(errs.KindInvalidPayload, "rpc: empty reply frame")
	}
	switch reply[0] {
	case ackByte:
		return reply[1:], nil
	case nackByte:
		if len(reply) < 5 {
			return nil, errs.New(errs.KindInvalidPayload, "rpc: truncated NACK frame")
		}
		return nil, errs.New(errs.KindTransient, "rpc: remote NACK")
	default:
		return nil, errs.New(errs.KindInvalidPayload, "rpc: unrecognized reply framing byte")
	}
}

// dispatchLocal executes one identifier's handler against purely local
// state; it never forwards, since a request only reaches here after
// already having been routed to the correct core (either because it
// originated locally and targeted this core, or because it arrived over a
// link from forward on the peer side).
func (d *Dispatcher) dispatchLocal(id Identifier, payload []byte) ([]byte, error) {
	switch id {
	case Number:
		if len(payload) < 8 {
			return nil, errs.New(errs.KindInvalidPayload, "rpc: number payload shorter than 8 bytes")
		}
		return payload[:8], nil
	case String:
		if bytes.IndexByte(payload, 0) < 0 {
			return nil, errs.New(errs.KindNonTerminating, "rpc: string payload has no terminator")
		}
		return nil, nil
	case RemoteRAMRequest:
		return d.handleRemoteRAMRequest(payload)
	case RemoteCapTransfer:
		return nil, d.handleRemoteCapTransfer(payload)
	case Spawn:
		pid, err := d.spawnLocal(string(payload))
		if err != nil {
			return nil, err
		}
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, pid)
		return out, nil
	case GetLocalPIDs:
		return encodePIDs(d.Procs.AllPIDs()), nil
	default:
		return nil, errs.New(errs.KindInvalidPayload, "rpc: identifier not locally dispatchable")
	}
}

// RequestRAM is the user-facing RAM RPC: try local allocation first; on
// exhaustion, request a larger chunk from core 0, add it to the local
// manager, and retry locally.
func (d *Dispatcher) RequestRAM(size, align uint64) (capref.Ref, error) {
	cap, err := d.allocLocalRAM(size, align)
	if err == nil {
		return cap, nil
	}
	if !errs.Is(err, errs.KindNoMemory) {
		return capref.Nil, err
	}

	reqSize := size * 2
	if reqSize < RAMPerCore {
		reqSize = RAMPerCore
	}
	reply, ferr := d.forward(0, RemoteRAMRequest, encodeRAMReq(reqSize, align))
	if ferr != nil {
		return capref.Nil, errs.Wrap(errs.KindNoMemory, ferr, "rpc: remote RAM request failed")
	}
	id, derr := decodeFrameIdentity(reply)
	if derr != nil {
		return capref.Nil, errs.Wrap(errs.KindInvalidPayload, derr, "rpc: malformed remote RAM reply")
	}
	d.RAM.Add(id.Base, id.Bytes)

	return d.allocLocalRAM(size, align)
}

func (d *Dispatcher) allocLocalRAM(size, align uint64) (capref.Ref, error) {
	base, err := d.RAM.Alloc(size, align)
	if err != nil {
		return capref.Nil, err
	}
	dest, err := d.Slots.AllocSlot()
	if err != nil {
		return capref.Nil, errs.Wrap(errs.KindSlotEmpty, err, "rpc: no slot for RAM cap")
	}
	if err := d.Kernel.ForgeRAM(dest, capref.FrameIdentity{Base: base, Bytes: size, Owner: d.Core}); err != nil {
		return capref.Nil, errs.Wrap(errs.KindVnodeCreate, err, "rpc: ram_forge failed")
	}
	return dest, nil
}

// handleRemoteRAMRequest serves a RemoteRAMRequest on the receiving core:
// allocate locally and hand back the frame identity. Core 0 is expected
// to hold the bulk of the machine's RAM.
func (d *Dispatcher) handleRemoteRAMRequest(payload []byte) ([]byte, error) {
	size, align, err := decodeRAMReq(payload)
	if err != nil {
		return nil, err
	}
	base, err := d.RAM.Alloc(size, align)
	if err != nil {
		return nil, errs.Wrap(errs.KindNoMemory, err, "rpc: remote RAM request could not be satisfied")
	}
	return encodeFrameIdentity(capref.FrameIdentity{Base: base, Bytes: size, Owner: d.Core}), nil
}

// TransferCap is the user-facing cap-transfer RPC: local fast path via
// the target's LMP mailbox, or serialize the frame identity and forward
// to the owning core, which forges a matching local cap.
func (d *Dispatcher) TransferCap(pid uint32, cap capref.Ref, objType capref.ObjType) error {
	core := proctable.CoreOf(pid)
	if core == d.Core {
		return d.putCap(pid, cap)
	}

	id, err := d.Kernel.Identify(cap)
	if err != nil {
		return errs.Wrap(errs.KindInvalidPayload, err, "rpc: cap_identify failed before transfer")
	}
	payload := encodeCapMsg(pid, objType, id)
	if _, err := d.forward(core, RemoteCapTransfer, payload); err != nil {
		return errs.Wrap(errs.KindCapRefused, err, "rpc: remote cap transfer failed")
	}
	return nil
}

// handleRemoteCapTransfer serves a RemoteCapTransfer on the owning core:
// forge a local capability of the same object type and deliver it through
// the target's LMP mailbox.
func (d *Dispatcher) handleRemoteCapTransfer(payload []byte) error {
	pid, objType, id, err := decodeCapMsg(payload)
	if err != nil {
		return err
	}
	dest, err := d.Slots.AllocSlot()
	if err != nil {
		return errs.Wrap(errs.KindSlotEmpty, err, "rpc: no slot for forged cap")
	}
	switch objType {
	case capref.ObjTypeFrame:
		err = d.Kernel.Forge(dest, id)
	case capref.ObjTypeDevFrame:
		err = d.Kernel.ForgeDevFrame(dest, id)
	case capref.ObjTypeRAM:
		err = d.Kernel.ForgeRAM(dest, id)
	default:
		return errs.New(errs.KindCapRefused, "rpc: unsupported cap type for transfer")
	}
	if err != nil {
		return errs.Wrap(errs.KindVnodeCreate, err, "rpc: forge failed for transferred cap")
	}
	return d.putCap(pid, dest)
}

// putCap delivers cap into pid's LMP mailbox, non-blocking: a full
// mailbox surfaces as a transient error to the caller.
func (d *Dispatcher) putCap(pid uint32, cap capref.Ref) error {
	node := d.Procs.Lookup(pid)
	if node == nil {
		return errs.New(errs.KindPIDNotFound, "rpc: cap transfer target PID not found")
	}
	box, ok := d.mailboxes[pid]
	if !ok {
		box = make(chan capref.Ref, 1)
		d.mailboxes[pid] = box
	}
	select {
	case box <- cap:
		return nil
	default:
		return errs.New(errs.KindTransient, "rpc: target mailbox full, retry")
	}
}

// RecvCap drains one capability delivered to pid's mailbox, if any.
func (d *Dispatcher) RecvCap(pid uint32) (capref.Ref, bool) {
	box, ok := d.mailboxes[pid]
	if !ok {
		return capref.Nil, false
	}
	select {
	case cap := <-box:
		return cap, true
	default:
		return capref.Nil, false
	}
}

// RequestSpawn is the user-facing spawn RPC: spawn locally, or forward
// the command line to the target core.
func (d *Dispatcher) RequestSpawn(core capref.CoreID, cmdline string) (uint32, error) {
	if core == d.Core {
		return d.spawnLocal(cmdline)
	}
	reply, err := d.forward(core, Spawn, []byte(cmdline))
	if err != nil {
		return 0, errs.Wrap(errs.KindFindModule, err, "rpc: remote spawn failed")
	}
	if len(reply) < 4 {
		return 0, errs.New(errs.KindInvalidPayload, "rpc: truncated spawn reply")
	}
	return binary.LittleEndian.Uint32(reply), nil
}

func (d *Dispatcher) spawnLocal(cmdline string) (uint32, error) {
	argv := strings.Fields(cmdline)
	if len(argv) == 0 {
		return 0, errs.New(errs.KindFindModule, "rpc: empty spawn command line")
	}
	return d.Spawner.Spawn(argv, capref.Nil)
}

// ReadTerminal serves the terminal-read RPC by passing through to the
// terminal driver.
func (d *Dispatcher) ReadTerminal() (byte, error) {
	if d.Terminal == nil {
		return 0, errs.New(errs.KindInvalidPayload, "rpc: no terminal driver attached")
	}
	return d.Terminal.ReadByte()
}

// WriteTerminal serves the terminal-write RPC by passing through to the
// terminal driver.
func (d *Dispatcher) WriteTerminal(b byte) error {
	if d.Terminal == nil {
		return errs.New(errs.KindInvalidPayload, "rpc: no terminal driver attached")
	}
	return d.Terminal.WriteByte(b)
}

// RegisterName serves the nameserver-register RPC.
func (d *Dispatcher) RegisterName(name string, pid uint32) error {
	if d.Nameserver == nil {
		return errs.New(errs.KindInvalidPayload, "rpc: no nameserver attached")
	}
	return d.Nameserver.Register(name, pid)
}

// ResolveName serves the nameserver-resolve RPC.
func (d *Dispatcher) ResolveName(name string) (uint32, error) {
	if d.Nameserver == nil {
		return 0, errs.New(errs.KindInvalidPayload, "rpc: no nameserver attached")
	}
	return d.Nameserver.Resolve(name)
}

// GetName returns the binary name owning pid.
func (d *Dispatcher) GetName(pid uint32) (string, error) {
	node := d.Procs.Lookup(pid)
	if node == nil {
		return "", errs.New(errs.KindPIDNotFound, "rpc: get-name: no such PID")
	}
	return node.Name, nil
}

// GetAllPIDs returns every PID known locally.
func (d *Dispatcher) GetAllPIDs() []uint32 {
	return d.Procs.AllPIDs()
}

func errCode(err error) uint32 {
	kinds := errs.Kinds(err)
	if len(kinds) == 0 {
		return 0
	}
	var code uint32
	for _, b := range []byte(kinds[0]) {
		code = code*31 + uint32(b)
	}
	return code
}

func encodeRAMReq(size, align uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], size)
	binary.LittleEndian.PutUint64(buf[8:16], align)
	return buf
}

func decodeRAMReq(b []byte) (size, align uint64, err error) {
	if len(b) < 16 {
		return 0, 0, errs.New(errs.KindInvalidPayload, "rpc: short RAM request payload")
	}
	return binary.LittleEndian.Uint64(b[0:8]), binary.LittleEndian.Uint64(b[8:16]), nil
}

func encodeFrameIdentity(id capref.FrameIdentity) []byte {
	buf := make([]byte, 17)
	binary.LittleEndian.PutUint64(buf[0:8], id.Base)
	binary.LittleEndian.PutUint64(buf[8:16], id.Bytes)
	buf[16] = byte(id.Owner)
	return buf
}

func decodeFrameIdentity(b []byte) (capref.FrameIdentity, error) {
	if len(b) < 17 {
		return capref.FrameIdentity{}, errs.New(errs.KindInvalidPayload, "rpc: short frame identity payload")
	}
	return capref.FrameIdentity{
		Base:  binary.LittleEndian.Uint64(b[0:8]),
		Bytes: binary.LittleEndian.Uint64(b[8:16]),
		Owner: capref.CoreID(b[16]),
	}, nil
}

func encodeCapMsg(pid uint32, objType capref.ObjType, id capref.FrameIdentity) []byte {
	buf := make([]byte, 4+1+17)
	binary.LittleEndian.PutUint32(buf[0:4], pid)
	buf[4] = byte(objType)
	copy(buf[5:], encodeFrameIdentity(id))
	return buf
}

func decodeCapMsg(b []byte) (pid uint32, objType capref.ObjType, id capref.FrameIdentity, err error) {
	if len(b) < 5+17 {
		return 0, 0, capref.FrameIdentity{}, errs.New(errs.KindInvalidPayload, "rpc: short cap transfer payload")
	}
	pid = binary.LittleEndian.Uint32(b[0:4])
	objType = capref.ObjType(b[4])
	id, err = decodeFrameIdentity(b[5:])
	return pid, objType, id, err
}

func encodePIDs(pids []uint32) []byte {
	buf := make([]byte, 4*len(pids))
	for i, p := range pids {
		binary.LittleEndian.PutUint32(buf[i*4:], p)
	}
	return buf
}
