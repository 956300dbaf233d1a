package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/MatthiasKunnen/go-wayland/wayland/client"
	extlock "github.com/MatthiasKunnen/go-wayland/wayland/staging/ext-session-lock-v1"
	"golang.org/x/sys/unix"

	"veillock/internal/config"
	"veillock/internal/state"
	"veillock/internal/wake"
)

// eventKind discriminates the events the connection goroutine hands to
// the loop goroutine.
type eventKind int

const (
	evKeystroke eventKind = iota
	evLocked
	evFinished
	evFault
)

type event struct {
	kind eventKind
	key  state.Keystroke
	err  error
}

// lockOutput is one wl_output with its lock surface and the painted
// background buffer keeping its pixels alive.
type lockOutput struct {
	output  *client.Output
	name    string
	surface *client.Surface
	lock    *extlock.ExtSessionLockSurface
	image   string
	buf     *shmBuffer
}

// Wayland implements Binding on the compositor's ext-session-lock-v1
// protocol.
//
// The library dispatches events on whichever goroutine calls into it,
// and its protocol handlers run inline there. A dedicated connection
// goroutine does all the reading; handlers translate protocol events
// into the queue and poke the notify pipe, which is the descriptor the
// main loop polls. Surface configuration is acknowledged and painted
// directly on the connection goroutine since it needs no state the
// loop owns.
type Wayland struct {
	display  *client.Display
	registry *client.Registry

	compositor *client.Compositor
	shm        *client.Shm
	seat       *client.Seat
	keyboard   *client.Keyboard
	manager    *extlock.ExtSessionLockManager
	lock       *extlock.ExtSessionLock

	outputs map[uint32]*lockOutput

	handlers Handlers
	images   *config.ImageSet
	bg       config.RGBA
	log      *slog.Logger

	keymap Keymap

	notify *wake.Pipe
	mu     sync.Mutex
	queue  []event

	locked   bool
	stopping bool
	reading  bool
	done     chan struct{}
}

// NewWayland connects to the compositor named by WAYLAND_DISPLAY and
// discovers the globals the lock needs. The lock itself is not yet
// requested; that is BeginLock's job so the caller can finish dropping
// privileges and spawning the worker first.
func NewWayland(handlers Handlers, images *config.ImageSet, bg config.RGBA, log *slog.Logger) (*Wayland, error) {
	notify, err := wake.NewPipe()
	if err != nil {
		return nil, err
	}

	w := &Wayland{
		outputs:  make(map[uint32]*lockOutput),
		handlers: handlers,
		images:   images,
		bg:       bg,
		log:      log.With("component", "wayland"),
		notify:   notify,
		done:     make(chan struct{}),
	}

	w.display, err = client.Connect("")
	if err != nil {
		notify.Close()
		return nil, fmt.Errorf("%w: connect: %v", ErrSessionFault, err)
	}

	w.registry, err = w.display.GetRegistry()
	if err != nil {
		w.teardownConn()
		return nil, fmt.Errorf("%w: registry: %v", ErrSessionFault, err)
	}
	w.registry.SetGlobalHandler(w.handleGlobal)
	w.registry.SetGlobalRemoveHandler(w.handleGlobalRemove)

	// Two roundtrips: the first surfaces the globals, the second the
	// events of the objects bound by the first (output names, seat
	// capabilities).
	for i := 0; i < 2; i++ {
		if err := w.display.Roundtrip(); err != nil {
			w.teardownConn()
			return nil, fmt.Errorf("%w: roundtrip: %v", ErrSessionFault, err)
		}
	}

	if w.compositor == nil || w.shm == nil {
		w.teardownConn()
		return nil, fmt.Errorf("%w: compositor is missing core globals", ErrSessionFault)
	}
	if w.manager == nil {
		w.teardownConn()
		return nil, fmt.Errorf("%w: compositor does not support ext-session-lock-v1", ErrSessionFault)
	}
	return w, nil
}

func (w *Wayland) ctx() *client.Context {
	return w.display.Context()
}

func (w *Wayland) handleGlobal(e client.RegistryGlobalEvent) {
	switch e.Interface {
	case client.CompositorInterfaceName:
		compositor := client.NewCompositor(w.ctx())
		if err := w.registry.Bind(e.Name, e.Interface, e.Version, compositor); err != nil {
			w.post(event{kind: evFault, err: fmt.Errorf("bind %s: %w", e.Interface, err)})
			return
		}
		w.compositor = compositor
	case client.ShmInterfaceName:
		shm := client.NewShm(w.ctx())
		if err := w.registry.Bind(e.Name, e.Interface, e.Version, shm); err != nil {
			w.post(event{kind: evFault, err: fmt.Errorf("bind %s: %w", e.Interface, err)})
			return
		}
		w.shm = shm
	case client.SeatInterfaceName:
		seat := client.NewSeat(w.ctx())
		if err := w.registry.Bind(e.Name, e.Interface, e.Version, seat); err != nil {
			w.post(event{kind: evFault, err: fmt.Errorf("bind %s: %w", e.Interface, err)})
			return
		}
		seat.SetCapabilitiesHandler(w.handleSeatCapabilities)
		w.seat = seat
	case client.OutputInterfaceName:
		output := client.NewOutput(w.ctx())
		if err := w.registry.Bind(e.Name, e.Interface, e.Version, output); err != nil {
			w.post(event{kind: evFault, err: fmt.Errorf("bind %s: %w", e.Interface, err)})
			return
		}
		lo := &lockOutput{output: output}
		output.SetNameHandler(func(ne client.OutputNameEvent) {
			lo.name = ne.Name
		})
		w.outputs[e.Name] = lo
		if w.lock != nil {
			// Hot-plugged while locked: the new output must be covered
			// before the compositor will show anything on it.
			w.coverOutput(lo)
		}
	case extlock.ExtSessionLockManagerInterfaceName:
		manager := extlock.NewExtSessionLockManager(w.ctx())
		if err := w.registry.Bind(e.Name, e.Interface, e.Version, manager); err != nil {
			w.post(event{kind: evFault, err: fmt.Errorf("bind %s: %w", e.Interface, err)})
			return
		}
		w.manager = manager
	}
}

func (w *Wayland) handleGlobalRemove(e client.RegistryGlobalRemoveEvent) {
	lo, ok := w.outputs[e.Name]
	if !ok {
		return
	}
	delete(w.outputs, e.Name)
	w.releaseOutput(lo)
}

func (w *Wayland) handleSeatCapabilities(e client.SeatCapabilitiesEvent) {
	hasKeyboard := e.Capabilities&uint32(client.SeatCapabilityKeyboard) != 0
	switch {
	case hasKeyboard && w.keyboard == nil:
		kb, err := w.seat.GetKeyboard()
		if err != nil {
			w.post(event{kind: evFault, err: fmt.Errorf("get keyboard: %w", err)})
			return
		}
		kb.SetKeyHandler(w.handleKey)
		w.keyboard = kb
	case !hasKeyboard && w.keyboard != nil:
		w.keyboard.Release()
		w.keyboard = nil
	}
}

func (w *Wayland) handleKey(e client.KeyboardKeyEvent) {
	pressed := e.State == uint32(client.KeyboardKeyStatePressed)
	k, ok := w.keymap.HandleKey(e.Key, pressed)
	if !ok {
		return
	}
	w.post(event{kind: evKeystroke, key: k})
}

// BeginLock asks the compositor for the session lock and covers every
// known output. The lock is not confirmed until the locked event
// arrives through DispatchPending.
func (w *Wayland) BeginLock() error {
	lock, err := w.manager.Lock()
	if err != nil {
		return fmt.Errorf("%w: lock request: %v", ErrSessionFault, err)
	}
	w.lock = lock

	lock.SetLockedHandler(func(extlock.ExtSessionLockLockedEvent) {
		w.post(event{kind: evLocked})
	})
	lock.SetFinishedHandler(func(extlock.ExtSessionLockFinishedEvent) {
		w.post(event{kind: evFinished})
	})

	for _, lo := range w.outputs {
		w.coverOutput(lo)
	}

	// Settle the lock surfaces' first configure before handing the
	// descriptor to the loop, so a compositor that refuses the lock
	// fails here rather than mid-loop.
	if err := w.display.Roundtrip(); err != nil {
		return fmt.Errorf("%w: roundtrip: %v", ErrSessionFault, err)
	}

	w.reading = true
	go w.readLoop()
	return nil
}

// coverOutput creates the lock surface for one output. Runs on
// whichever goroutine owns the connection at the time: the main
// goroutine during BeginLock, the connection goroutine for hot-plugs.
func (w *Wayland) coverOutput(lo *lockOutput) {
	surface, err := w.compositor.CreateSurface()
	if err != nil {
		w.post(event{kind: evFault, err: fmt.Errorf("create surface: %w", err)})
		return
	}
	lo.surface = surface

	ls, err := w.lock.GetLockSurface(surface, lo.output)
	if err != nil {
		w.post(event{kind: evFault, err: fmt.Errorf("lock surface: %w", err)})
		return
	}
	lo.lock = ls

	if path, ok := w.images.Lookup(lo.name); ok {
		lo.image = path
	}

	ls.SetConfigureHandler(func(e extlock.ExtSessionLockSurfaceConfigureEvent) {
		w.configureOutput(lo, e)
	})
}

// configureOutput acknowledges a configure and paints the surface at
// the granted size. Every configure must be acked even when the size
// did not change.
func (w *Wayland) configureOutput(lo *lockOutput, e extlock.ExtSessionLockSurfaceConfigureEvent) {
	if err := lo.lock.AckConfigure(e.Serial); err != nil {
		w.post(event{kind: evFault, err: fmt.Errorf("ack configure: %w", err)})
		return
	}
	if err := w.paint(lo, int32(e.Width), int32(e.Height)); err != nil {
		w.post(event{kind: evFault, err: err})
		return
	}
	w.log.Debug("output covered",
		"output", lo.name, "width", e.Width, "height", e.Height,
		"image", lo.image)
}

// paint fills the surface with the background color. Image file
// contents are the renderer's business; the association is resolved
// here so the chosen path rides along with the surface.
func (w *Wayland) paint(lo *lockOutput, width, height int32) error {
	buf, err := newShmBuffer(w.shm, width, height, w.bg)
	if err != nil {
		return fmt.Errorf("shm buffer: %w", err)
	}
	if lo.buf != nil {
		lo.buf.destroy()
	}
	lo.buf = buf

	if err := lo.surface.Attach(buf.buffer, 0, 0); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	if err := lo.surface.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (w *Wayland) releaseOutput(lo *lockOutput) {
	if lo.lock != nil {
		lo.lock.Destroy()
	}
	if lo.surface != nil {
		lo.surface.Destroy()
	}
	if lo.buf != nil {
		lo.buf.destroy()
	}
	lo.output.Release()
}

// readLoop is the connection goroutine. Each iteration blocks on the
// socket until one message is dispatched; handlers post into the queue.
func (w *Wayland) readLoop() {
	defer close(w.done)
	ctx := w.ctx()
	for {
		if err := ctx.GetDispatch()(); err != nil {
			w.mu.Lock()
			stopping := w.stopping
			w.mu.Unlock()
			if !stopping {
				w.post(event{kind: evFault, err: err})
			}
			return
		}
	}
}

// post enqueues an event for the loop goroutine and pokes the notify
// pipe.
func (w *Wayland) post(ev event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	w.notify.Poke()
}

// Fd returns the notify pipe's read end for the poll set.
func (w *Wayland) Fd() int {
	return w.notify.ReadFd()
}

// DispatchPending drains the queue and delivers events to the
// handlers. A finished event or a dead connection surfaces as an error
// wrapping ErrSessionFault.
func (w *Wayland) DispatchPending() error {
	w.notify.Drain()
	w.mu.Lock()
	pending := w.queue
	w.queue = nil
	w.mu.Unlock()

	for _, ev := range pending {
		switch ev.kind {
		case evKeystroke:
			if w.handlers.Keystroke != nil {
				w.handlers.Keystroke(ev.key)
			}
		case evLocked:
			w.locked = true
			w.log.Info("session locked")
			if w.handlers.Locked != nil {
				w.handlers.Locked()
			}
		case evFinished:
			return fmt.Errorf("%w: compositor finished the lock", ErrSessionFault)
		case evFault:
			return fmt.Errorf("%w: %v", ErrSessionFault, ev.err)
		}
	}
	return nil
}

// Flush is a no-op: the transport writes requests out as they are
// issued.
func (w *Wayland) Flush() error {
	return nil
}

// sessionUnlocker is the teardown slice of the session-lock proxy.
type sessionUnlocker interface {
	UnlockAndDestroy() error
	Destroy() error
}

// releaseLock picks the legal teardown request. unlock_and_destroy is
// only valid once the locked event has arrived; before that (a refused
// lock, the finished path) the object must be destroyed plainly.
func releaseLock(lock sessionUnlocker, locked bool) error {
	if locked {
		return lock.UnlockAndDestroy()
	}
	return lock.Destroy()
}

// EndLock releases the session lock so the compositor resumes normal
// rendering.
func (w *Wayland) EndLock() error {
	if w.lock == nil {
		return nil
	}
	lock := w.lock
	wasLocked := w.locked
	w.lock = nil
	w.locked = false
	if err := releaseLock(lock, wasLocked); err != nil {
		return fmt.Errorf("%w: unlock: %v", ErrSessionFault, err)
	}
	return nil
}

// Close tears down the connection and the notify pipe.
func (w *Wayland) Close() error {
	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()

	// Stop the connection goroutine before touching anything it
	// mutates: registry events add and remove outputs until the read
	// loop exits.
	err := w.teardownConn()
	if w.reading {
		<-w.done
	}

	for _, lo := range w.outputs {
		w.releaseOutput(lo)
	}
	w.notify.Close()
	return err
}

func (w *Wayland) teardownConn() error {
	var first error
	if w.seat != nil {
		if err := w.seat.Release(); err != nil && first == nil {
			first = err
		}
	}
	if w.display != nil {
		if err := w.display.Destroy(); err != nil && first == nil {
			first = err
		}
		if err := w.display.Context().Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// shmBuffer is a single-format ARGB wl_buffer over an anonymous memfd.
type shmBuffer struct {
	buffer *client.Buffer
	data   []byte
	fd     int
}

func newShmBuffer(shm *client.Shm, width, height int32, color config.RGBA) (*shmBuffer, error) {
	stride := width * 4
	size := int(stride * height)

	fd, err := unix.MemfdCreate("veillock-buffer", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	fillARGB(data, color)

	pool, err := shm.CreatePool(fd, int32(size))
	if err != nil {
		unix.Munmap(data)
		unix.Close(fd)
		return nil, err
	}
	buffer, err := pool.CreateBuffer(0, width, height, stride, uint32(client.ShmFormatArgb8888))
	// The pool can go away as soon as the buffer exists; the buffer
	// keeps the backing pages alive.
	pool.Destroy()
	if err != nil {
		unix.Munmap(data)
		unix.Close(fd)
		return nil, err
	}
	return &shmBuffer{buffer: buffer, data: data, fd: fd}, nil
}

// fillARGB writes the 0xRRGGBBAA config color as little-endian ARGB8888
// pixels, which is B, G, R, A in memory order.
func fillARGB(data []byte, color config.RGBA) {
	v := uint32(color)
	var px [4]byte
	px[0] = byte(v >> 8)  // B
	px[1] = byte(v >> 16) // G
	px[2] = byte(v >> 24) // R
	px[3] = byte(v)       // A
	for i := 0; i+4 <= len(data); i += 4 {
		copy(data[i:i+4], px[:])
	}
}

func (b *shmBuffer) destroy() {
	b.buffer.Destroy()
	unix.Munmap(b.data)
	unix.Close(b.fd)
}
