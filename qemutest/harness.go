// Package qemutest is the hosted integration harness for spec.md §8's
// scenarios: it boots the kernel binary under qemu-system-riscv64, feeds it
// UART input, and asserts on UART output and process exit codes the same
// way the kernel's own test program would report them over the serial
// console.
//
// Grounded on original_source/qemu-infra/src/qemu.rs's QemuInstance
// (spawn a wrapper script, keep stdin/stdout pipes open, assert against a
// buffered reader with a timeout) and read_asserter.rs's
// ReadAsserter.assert_read_until, translated from tokio's async process
// handling to plain os/exec plus goroutines — this package's model has no
// async runtime to hang callbacks off, so a single background reader
// goroutine feeds a channel of newly-arrived bytes instead.
//
// golang.org/x/sys/unix appears here for the same reason it appears in
// yaumn-gvisor__pgalloc.go: talking to the host kernel directly, in this
// case sending SIGKILL to QEMU in Kill. A free UDP port for QEMU's
// user-mode network backend is picked with a bound net.UDPConn instead,
// the way qemu.rs's find_available_port does with a bound std socket.
package qemutest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Options mirrors qemu.rs's QemuOptions: which optional devices/features
// this run's QEMU instance should carry.
type Options struct {
	Network bool
	SMP     int // 0 means "let QEMU pick a default of 1"
}

// Instance is the Go analogue of QemuInstance: a running QEMU child process
// plus buffered access to its UART stdout stream.
type Instance struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	buf         *lineBuffer
	networkPort int
}

// lineBuffer accumulates bytes read from QEMU's stdout on a background
// goroutine so AssertReadUntil can block on a channel instead of racing
// direct reads against the OS pipe, mirroring assert_read_until's
// find-in-buffer-else-read-more loop.
type lineBuffer struct {
	mu   sync.Mutex
	data []byte
	cond *sync.Cond
	err  error
}

func newLineBuffer() *lineBuffer {
	b := &lineBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *lineBuffer) pump(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		b.mu.Lock()
		if n > 0 {
			b.data = append(b.data, buf[:n]...)
		}
		if err != nil {
			b.err = err
			b.cond.Broadcast()
			b.mu.Unlock()
			return
		}
		b.cond.Broadcast()
		b.mu.Unlock()
	}
}

// findAndRemove mirrors SearchableBuffer's find_and_remove: if needle is
// present, everything up to and including it is returned and dropped from
// the buffer.
func (b *lineBuffer) findAndRemove(needle string) ([]byte, bool) {
	idx := strings.Index(string(b.data), needle)
	if idx < 0 {
		return nil, false
	}
	end := idx + len(needle)
	front := append([]byte(nil), b.data[:end]...)
	b.data = b.data[end:]
	return front, true
}

// assertReadUntil blocks until needle appears in the stream (returning the
// bytes up to and including it) or the deadline passes, matching
// assert_read_until's 30-second timeout-then-panic behavior via a returned
// error instead of a panic, since Go tests prefer t.Fatalf at the call site.
func (b *lineBuffer) assertReadUntil(ctx context.Context, needle string) ([]byte, error) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
		close(done)
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if front, ok := b.findAndRemove(needle); ok {
			return front, nil
		}
		if b.err != nil {
			return nil, fmt.Errorf("qemu stdout closed (%v) while waiting for %q; buffered: %q", b.err, needle, b.data)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for %q; buffered: %q", needle, b.data)
		default:
		}
		b.cond.Wait()
	}
}

func findAvailableUDPPort() (int, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port, nil
}

// KernelBinary locates the built kernel ELF, honoring SENTIENTOS_KERNEL_BIN
// the way the original honors an env var to point at a prebuilt release
// artifact rather than rebuilding one per test run.
func KernelBinary() (string, error) {
	if p := os.Getenv("SENTIENTOS_KERNEL_BIN"); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("SENTIENTOS_KERNEL_BIN not set; qemutest needs a prebuilt kernel ELF to boot")
}

// Start boots QEMU against kernelPath, wiring stdio the same way
// QemuInstance::start_with does: a piped stdin, a piped (buffered, pumped)
// stdout, and stderr inherited so QEMU's own diagnostics reach the test
// runner's console directly.
func Start(ctx context.Context, kernelPath string, opts Options) (*Instance, error) {
	args := []string{
		"-machine", "virt",
		"-bios", "default",
		"-nographic",
		"-kernel", kernelPath,
	}
	smp := opts.SMP
	if smp <= 0 {
		smp = 1
	}
	args = append(args, "-smp", strconv.Itoa(smp))

	networkPort := 0
	if opts.Network {
		port, err := findAvailableUDPPort()
		if err != nil {
			return nil, fmt.Errorf("allocating network port: %w", err)
		}
		networkPort = port
		args = append(args,
			"-netdev", fmt.Sprintf("user,id=net0,hostfwd=udp::%d-:1234", port),
			"-device", "virtio-net-device,netdev=net0",
		)
	}

	cmd := exec.CommandContext(ctx, "qemu-system-riscv64", args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting qemu-system-riscv64: %w", err)
	}

	buf := newLineBuffer()
	go buf.pump(bufio.NewReader(stdout))

	return &Instance{cmd: cmd, stdin: stdin, buf: buf, networkPort: networkPort}, nil
}

// AssertReadUntil waits up to timeout for needle to appear on the kernel's
// UART output.
func (in *Instance) AssertReadUntil(needle string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return in.buf.assertReadUntil(ctx, needle)
}

// SendBytes writes raw bytes to the kernel's UART input, used both for
// ordinary command lines and for out-of-band control bytes like ctrl-c
// (0x03).
func (in *Instance) SendBytes(b []byte) error {
	_, err := in.stdin.Write(b)
	return err
}

// SendLine writes text followed by a newline, mirroring run_prog's
// `format!("{}\n", prog_name)`.
func (in *Instance) SendLine(text string) error {
	return in.SendBytes([]byte(text + "\n"))
}

// NetworkPort returns the host-side UDP port QEMU forwards to the guest's
// port 1234, or 0 if this instance wasn't started with Options.Network.
func (in *Instance) NetworkPort() int {
	return in.networkPort
}

// Wait closes stdin (so the guest isn't left blocked reading from a UART
// that will never receive more input) and waits for QEMU to exit, returning
// its exit code the way wait_for_qemu_to_exit does.
func (in *Instance) Wait() (int, error) {
	in.stdin.Close()
	err := in.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Kill terminates QEMU immediately, for tests that assert on partial output
// and don't care about a clean shutdown; sent via unix.Kill directly (like
// kill_on_drop, this doesn't wait for a graceful exit) rather than through
// os.Process.Kill so the same SIGKILL path is used on every platform this
// harness targets.
func (in *Instance) Kill() error {
	in.stdin.Close()
	if in.cmd.Process == nil {
		return nil
	}
	return unix.Kill(in.cmd.Process.Pid, unix.SIGKILL)
}
