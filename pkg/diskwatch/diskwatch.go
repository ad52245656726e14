// Package diskwatch maintains a running estimate of the disk usage of a
// directory tree, using inotify. Which turns out to be harder than it
// should be.
package diskwatch

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const watchFlags = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MODIFY |
	unix.IN_MOVED_FROM | unix.IN_MOVED_TO |
	unix.IN_DONT_FOLLOW | unix.IN_ONLYDIR | unix.IN_EXCL_UNLINK

const changeMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MODIFY | unix.IN_MOVE

// debounceDelay batches noisy updates from bulk I/O before notifying
// listeners. This is just for a display anyway.
const debounceDelay = 100 * time.Millisecond

// statRecordSize approximates the per-entry directory overhead.
const statRecordSize = uint64(unsafe.Sizeof(unix.Stat_t{}))

var errRestart = fmt.Errorf("inotify queue overflow")

// Watcher watches a directory tree and counts up the total disk usage,
// waking listeners when it changes.
type Watcher struct {
	root string

	mu           sync.Mutex
	fd           int
	closed       bool
	totalSize    uint64
	lastNotified uint64
	watches      map[int]*watchInfo
	listeners    []chan struct{}

	// Directories we would like to watch, but can't just yet: the
	// current event batch may still reference the current descriptor
	// table, so installation waits until the batch is fully processed.
	// Treated as a stack for depth-first traversal.
	pending []string
}

// watchInfo tracks one watched directory. path is relative to the root;
// the empty string is the root itself.
type watchInfo struct {
	path     string
	children map[string]uint64
}

// New creates a watcher for the tree rooted at the current directory
// when root is empty, or at root otherwise. Run must be called to start
// it.
func New(root string) *Watcher {
	return &Watcher{
		root:         root,
		fd:           -1,
		lastNotified: math.MaxUint64,
	}
}

// Size returns the current total usage estimate.
func (w *Watcher) Size() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalSize
}

// SizeWhenChanged returns a channel that yields the current size once it
// differs from oldSize, but only after a debounce delay from the change
// so heavy disk I/O does not stream updates.
func (w *Watcher) SizeWhenChanged(oldSize uint64) <-chan uint64 {
	ch := make(chan uint64, 1)
	go func() {
		// A flush only means the size moved since the previous flush, not
		// necessarily away from oldSize, so recheck after every wakeup.
		for {
			w.mu.Lock()
			if w.totalSize != oldSize {
				w.mu.Unlock()
				break
			}
			trigger := make(chan struct{})
			w.listeners = append(w.listeners, trigger)
			w.mu.Unlock()
			<-trigger
		}
		time.Sleep(debounceDelay)
		ch <- w.Size()
	}()
	return ch
}

// Run watches until a fatal error. On inotify queue overflow all state
// is discarded and watching restarts from scratch.
func (w *Watcher) Run() error {
	for {
		if err := w.init(); err != nil {
			if w.isClosed() {
				return nil
			}
			return err
		}
		err := w.readLoop()
		w.teardown()
		if err == errRestart {
			continue
		}
		if w.isClosed() {
			return nil
		}
		return err
	}
}

// Close stops the watcher; Run returns nil.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.fd >= 0 {
		unix.Close(w.fd)
		w.fd = -1
	}
}

func (w *Watcher) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Watcher) teardown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fd >= 0 {
		unix.Close(w.fd)
		w.fd = -1
	}
}

// init allocates the notification fd and enqueues the root for
// watching. Also used to restart from scratch after a queue overflow.
func (w *Watcher) init() error {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("inotify_init1: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		unix.Close(fd)
		return fmt.Errorf("watcher closed")
	}
	w.fd = fd
	w.totalSize = 0
	w.watches = make(map[int]*watchInfo)
	w.pending = w.pending[:0]
	w.pending = append(w.pending, "") // root directory
	return nil
}

func (w *Watcher) readLoop() error {
	// big enough for at least one event with a NAME_MAX name
	buffer := make([]byte, 4096)
	for {
		w.mu.Lock()
		err := w.addPendingWatches()
		if err == nil {
			w.maybeFireListeners()
		}
		fd := w.fd
		w.mu.Unlock()
		if err != nil {
			return err
		}

		if err := w.waitReadable(fd); err != nil {
			return err
		}

		for {
			n, err := unix.Read(fd, buffer)
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				break
			}
			if err != nil {
				return fmt.Errorf("read inotify: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("inotify EOF?")
			}
			if err := w.processEvents(buffer[:n]); err != nil {
				return err
			}
		}
	}
}

// waitReadable blocks until fd is readable or the watcher is closed.
// Closing the fd from another goroutine does not wake a poll already
// blocked on it, so the wait is sliced and the closed flag rechecked.
func (w *Watcher) waitReadable(fd int) error {
	for {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 100)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll inotify: %w", err)
		}
		if w.isClosed() {
			return fmt.Errorf("watcher closed")
		}
		if n > 0 {
			return nil
		}
	}
}

// processEvents walks one batch of raw inotify events.
func (w *Watcher) processEvents(buf []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(buf) > 0 {
		if len(buf) < unix.SizeofInotifyEvent {
			return fmt.Errorf("inotify returned partial event?")
		}
		wd := int(int32(binary.NativeEndian.Uint32(buf[0:])))
		mask := binary.NativeEndian.Uint32(buf[4:])
		nameLen := int(binary.NativeEndian.Uint32(buf[12:]))
		eventSize := unix.SizeofInotifyEvent + nameLen
		if eventSize > len(buf) {
			return fmt.Errorf("inotify returned partial event?")
		}
		name := nullTerminated(buf[unix.SizeofInotifyEvent:eventSize])
		buf = buf[eventSize:]

		if mask&unix.IN_Q_OVERFLOW != 0 {
			// Queue overflow; start over from scratch.
			return errRestart
		}

		info, ok := w.watches[wd]
		if !ok {
			return fmt.Errorf("inotify gave unknown watch descriptor?")
		}

		if mask&changeMask != 0 {
			if err := w.childEvent(info, name); err != nil {
				return err
			}
		}

		if mask&unix.IN_IGNORED != 0 {
			// The watch descriptor is being removed, probably because the
			// directory was deleted. There shouldn't be any children
			// left, but if there are, go ahead and un-count them.
			for _, size := range info.children {
				w.totalSize -= size
			}
			delete(w.watches, wd)
		}
	}
	return nil
}

// addPendingWatches installs watches from the pending stack, giving DFS
// traversal of the directory tree. Caller holds the lock.
func (w *Watcher) addPendingWatches() error {
	for len(w.pending) > 0 {
		path := w.pending[len(w.pending)-1]
		w.pending = w.pending[:len(w.pending)-1]
		if err := w.addWatch(path); err != nil {
			return err
		}
	}
	return nil
}

// addWatch starts watching path. Idempotent: safe to watch the same path
// multiple times. Caller holds the lock.
func (w *Watcher) addWatch(path string) error {
	target := path
	if target == "" {
		target = "."
	}
	if w.root != "" {
		target = w.root + "/" + target
	}
	for {
		wd, err := unix.InotifyAddWatch(w.fd, target, watchFlags)
		if err == nil {
			// inotify_add_watch may have returned a pre-existing
			// descriptor if the directory was already watched under
			// another path. Stale path implies stale accounting, so
			// clear out the old children either way.
			if old, ok := w.watches[wd]; ok {
				for _, size := range old.children {
					w.totalSize -= size
				}
			}
			info := &watchInfo{path: path, children: make(map[string]uint64)}
			w.watches[wd] = info

			// Repopulate by listing the directory.
			entries, err := os.ReadDir(target)
			if err != nil {
				// The directory vanished between watch and list.
				return nil
			}
			for _, entry := range entries {
				if err := w.childEvent(info, entry.Name()); err != nil {
					return err
				}
			}
			return nil
		}

		switch err {
		case unix.EINTR:
			// keep trying
		case unix.ENOENT, unix.ENOTDIR:
			// Apparently there is no longer a directory at this path.
			// Perhaps it was deleted. No matter.
			return nil
		default:
			// ENOSPC (out of inotify watches) lands here too; there is
			// no polling fallback.
			return fmt.Errorf("inotify_add_watch %s: %w", target, err)
		}
	}
}

// childEvent updates the child table after a change hint for name. The
// event mask is mostly useless: the event may be arbitrarily old and the
// node may have been replaced since. Only the current on-disk state
// counts. Caller holds the lock.
func (w *Watcher) childEvent(info *watchInfo, name string) error {
	usage, err := w.diskUsage(info.path, name)
	if err != nil {
		return err
	}
	w.totalSize += usage.bytes

	old, present := info.children[name]
	switch {
	case usage.bytes == 0:
		// No longer a child by this name on disk.
		if present {
			w.totalSize -= old
			delete(info.children, name)
		}
	case !present:
		info.children[name] = usage.bytes
	default:
		w.totalSize -= old
		info.children[name] = usage.bytes
	}

	// A directory event here is create or moved-in (modify events are
	// not generated for subdirectories, and for delete/moved-from the
	// node no longer exists so usage.isDir is false). Either way the
	// directory needs a (re-)watch, but not until the current event
	// batch is fully processed.
	if usage.isDir {
		w.pending = append(w.pending, usage.path)
	}
	return nil
}

type diskUsage struct {
	path  string
	bytes uint64
	isDir bool
}

// diskUsage estimates the on-disk footprint of the named child: the size
// rounded up to 4k blocks, divided by the link count so hardlinked files
// aren't overcounted, plus a per-entry overhead for the stat record and
// the word-rounded name. A vanished file reports zero.
func (w *Watcher) diskUsage(parent, name string) (diskUsage, error) {
	path := name
	if parent != "" {
		path = parent + "/" + name
	}
	target := path
	if w.root != "" {
		target = w.root + "/" + path
	}
	for {
		var st unix.Stat_t
		err := unix.Lstat(target, &st)
		if err == nil {
			bytes := (uint64(st.Size) + 4095) &^ 4095
			if st.Nlink != 0 {
				bytes /= uint64(st.Nlink)
				bytes += statRecordSize + uint64(len(name)+8)&^7
			} else {
				// The link count really can be zero, e.g. for the
				// temporary files git rapidly creates and unlinks.
				bytes = 0
			}
			return diskUsage{
				path:  path,
				bytes: bytes,
				isDir: st.Mode&unix.S_IFMT == unix.S_IFDIR,
			}, nil
		}
		switch err {
		case unix.EINTR:
			// continue loop
		case unix.ENOENT, unix.ENOTDIR:
			// File no longer exists, or a parent directory was replaced.
			return diskUsage{path: path}, nil
		default:
			return diskUsage{}, fmt.Errorf("lstat %s: %w", target, err)
		}
	}
}

// maybeFireListeners wakes listeners if the size changed since the last
// flush. Caller holds the lock.
func (w *Watcher) maybeFireListeners() {
	if w.totalSize != w.lastNotified {
		for _, listener := range w.listeners {
			close(listener)
		}
		w.listeners = nil
		w.lastNotified = w.totalSize
	}
}

func nullTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
