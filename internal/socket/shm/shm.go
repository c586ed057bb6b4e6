//go:build linux

// Package shm maps the backing file a client process shares with the
// stack daemon: a small control header (the daemon and client PIDs, per
// NSTACK_SHMEM_SIZE's layout) followed by an ingress and an egress
// ring.ControlBlock, each with its own backing array. It owns the raw
// mapping and the wakeup signal; the ring discipline itself lives
// in package ring so the same code backs both this shared-memory layout and
// an in-process pair for tests.
package shm

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/jserv/nstack/internal/config"
	"github.com/jserv/nstack/internal/socket/ring"
)

// WakeupSignal is the signal the stack uses to notify a client
// that new ingress data is available, mirroring the original's SIGUSR2
// convention.
const WakeupSignal = unix.SIGUSR2

// ctrlHeaderSize is the fixed per-socket control header in front of the two
// rings: ctrl.pid_inetd at offset 0, ctrl.pid_client at offset 4, the rest
// reserved/zeroed, matching the original's ctrl struct.
const ctrlHeaderSize = 64

// Size is the total shared-memory region size per socket: the control
// header plus two ring control blocks plus their backing arrays, matching
// NSTACK_SHMEM_SIZE.
const Size = ctrlHeaderSize + 2*ring.HeaderSize + 2*config.DatagramBufSize

// Region is an mmap'd shared-memory socket control region.
type Region struct {
	data []byte
	fd   int
}

// Create opens (creating if necessary) path, sizes it to Size, maps it
// shared read-write, zeroes it, and stamps the calling process's own PID
// into the control header's pid_inetd field, mirroring the daemon startup
// sequence: "open, mmap RW, zero, lay out control+rings ... store the
// daemon PID".
func Create(path string) (*Region, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0o666)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, Size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
	}

	data, err := unix.Mmap(fd, 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	for i := range data {
		data[i] = 0
	}

	r := &Region{data: data, fd: fd}
	r.setPidInetd(os.Getpid())
	return r, nil
}

// Open maps an already-sized region at path without truncating it, the
// path a client process's listen(path) takes to attach to a region the
// daemon already laid out via Create.
func Open(path string) (*Region, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}

	data, err := unix.Mmap(fd, 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &Region{data: data, fd: fd}, nil
}

// Rings carves the mapped region's two ring.ControlBlocks (ingress then
// egress) out of the bytes following the control header, sized per
// config.DatagramSizeMax/DatagramBufSize, matching ip_config's
// block_size/array_size convention for socket rings.
func (r *Region) Rings() (ingress, egress *ring.ControlBlock) {
	off := ctrlHeaderSize
	ingress = ring.Attach(
		r.data[off:off+ring.HeaderSize],
		r.data[off+ring.HeaderSize:off+ring.HeaderSize+config.DatagramBufSize],
		config.DatagramSizeMax,
	)
	off += ring.HeaderSize + config.DatagramBufSize
	egress = ring.Attach(
		r.data[off:off+ring.HeaderSize],
		r.data[off+ring.HeaderSize:off+ring.HeaderSize+config.DatagramBufSize],
		config.DatagramSizeMax,
	)
	return ingress, egress
}

func (r *Region) setPidInetd(pid int) {
	binary.LittleEndian.PutUint32(r.data[0:4], uint32(pid))
}

// PidClient returns ctrl.pid_client, the PID a client process stamped in
// when it attached via listen(path), or 0 if none has attached yet.
func (r *Region) PidClient() int {
	return int(binary.LittleEndian.Uint32(r.data[4:8]))
}

// WakeClient signals the attached client process that new ingress data is
// ready, mirroring dgram_input's "commit; signal ctrl.pid_client" step. It
// is a no-op until a client has attached and recorded its PID.
func (r *Region) WakeClient() error {
	pid := r.PidClient()
	if pid == 0 {
		return nil
	}
	return Wake(pid)
}

// Bytes exposes the mapped region, e.g. for a client's own ring.Attach call
// against the same layout Rings carves here.
func (r *Region) Bytes() []byte { return r.data }

// Close unmaps and closes the backing file.
func (r *Region) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		return err
	}
	return unix.Close(r.fd)
}

// Wake signals pid that new data is ready to be read.
func Wake(pid int) error {
	return unix.Kill(pid, WakeupSignal)
}

// Unlink removes the backing file once no process needs it anymore.
func Unlink(path string) error {
	return os.Remove(path)
}
