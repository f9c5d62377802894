package vm

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"go.uber.org/multierr"

	"github.com/covertrace/vmfuzz/internal/exec"
	"github.com/covertrace/vmfuzz/internal/logger"
)

const snapshotTag = "mtcfuzz-snapshot"

// Params describes one worker's emulator invocation:
// derived per-worker ports, sockets, and paths, plus target-specific
// extra flags supplied by FuzzerTarget.ExtraVMParams.
type Params struct {
	Binary           string
	KernelPath       string
	InitrdPath       string
	BaseDiskImage    string
	OverlayPath      string
	OverlaySizeGB    int
	Memory           string
	CPU              string
	Machine          string
	ControlSocket    string
	SerialSockets    []string
	NetHostFwdPort   int
	GDBPort          int // 0 disables the GDB server.
	SnapshotMarkerPath string
	ExtraArgs        []string
}

// Controller owns one worker's emulator process and its live-snapshot
// lifecycle. Call sequence across a worker's life: CreateSnapshotStorage
// once, Start, WaitReady, then alternate SaveSnapshot (first iteration)
// / LoadSnapshot (subsequent iterations) around TraceOn/TraceOff and
// RemoteHarness calls owned by the caller.
type Controller struct {
	params  Params
	spawner exec.Spawner
	control *ControlChannel

	proc *exec.Process
	pid  int
}

// NewController builds a Controller for the given per-worker parameters.
func NewController(params Params, spawner exec.Spawner) *Controller {
	return &Controller{
		params:  params,
		spawner: spawner,
		control: NewControlChannel(params.ControlSocket, 2*time.Second),
		pid:     -1,
	}
}

// CreateSnapshotStorage creates the copy-on-write overlay disk if it
// does not already exist. Returns false if it already existed.
func (c *Controller) CreateSnapshotStorage(executor exec.Executor) (bool, error) {
	if _, err := os.Stat(c.params.OverlayPath); err == nil {
		return false, nil
	}
	size := fmt.Sprintf("%dG", c.params.OverlaySizeGB)
	res, err := executor.Run("qemu-img", "create", "-f", "qcow2", "-F", "qcow2",
		"-b", c.params.BaseDiskImage, c.params.OverlayPath, size)
	if err != nil {
		return false, fmt.Errorf("vm: failed to create overlay disk: %w", err)
	}
	if res.ExitCode != 0 {
		return false, fmt.Errorf("vm: qemu-img create exited %d: %s", res.ExitCode, res.Stderr)
	}
	return true, nil
}

// buildArgs derives the emulator command line from Params. A
// virtio-rng device is always appended so the guest does not stall
// waiting on entropy during fuzzing (supplemented from the original
// tool's qemu_fuzzer.py, which always adds this device).
func (c *Controller) buildArgs() []string {
	args := []string{
		"-kernel", c.params.KernelPath,
		"-drive", fmt.Sprintf("file=%s,if=virtio", c.params.OverlayPath),
		"-m", c.params.Memory,
		"-device", "virtio-rng-pci",
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", c.params.ControlSocket),
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-:22", c.params.NetHostFwdPort),
		"-device", "virtio-net-pci,netdev=net0",
	}
	if c.params.InitrdPath != "" {
		args = append(args, "-initrd", c.params.InitrdPath)
	}
	if c.params.CPU != "" {
		args = append(args, "-cpu", c.params.CPU)
	}
	if c.params.Machine != "" {
		args = append(args, "-machine", c.params.Machine)
	}
	for i, sock := range c.params.SerialSockets {
		args = append(args, "-chardev", fmt.Sprintf("socket,id=serial%d,path=%s,server,nowait", i, sock))
		args = append(args, "-serial", fmt.Sprintf("chardev:serial%d", i))
	}
	if c.params.GDBPort != 0 {
		args = append(args, "-s", "-gdb", fmt.Sprintf("tcp::%d", c.params.GDBPort))
	}
	args = append(args, c.params.ExtraArgs...)
	return args
}

// Start launches the emulator and records its PID.
func (c *Controller) Start() error {
	proc, err := c.spawner.Start(c.params.Binary, c.buildArgs()...)
	if err != nil {
		return fmt.Errorf("vm: failed to start emulator: %w", err)
	}
	c.proc = proc
	c.pid = proc.PID()
	return nil
}

// WaitReady gives the emulator time to boot with a fixed sleep; it does
// not probe the control channel. If a snapshot-created marker file
// exists from a prior restart, the fast path sleeps 0.1s; otherwise it
// sleeps the full timeout.
func (c *Controller) WaitReady(timeout time.Duration) {
	if _, err := os.Stat(c.params.SnapshotMarkerPath); err == nil {
		time.Sleep(100 * time.Millisecond)
		return
	}
	time.Sleep(timeout)
}

// Stop kills the emulator process (SIGKILL), waits up to 2 seconds,
// and removes the snapshot overlay and marker file.
func (c *Controller) Stop() error {
	if c.proc != nil {
		done := make(chan struct{})
		go func() {
			_ = c.proc.Kill()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			logger.Warn("vm: timed out waiting for pid %d to die", c.pid)
		}
	}
	c.pid = -1

	var err error
	if rmErr := os.Remove(c.params.OverlayPath); rmErr != nil && !os.IsNotExist(rmErr) {
		err = multierr.Append(err, fmt.Errorf("vm: failed to remove overlay disk: %w", rmErr))
	}
	if rmErr := os.Remove(c.params.SnapshotMarkerPath); rmErr != nil && !os.IsNotExist(rmErr) {
		err = multierr.Append(err, fmt.Errorf("vm: failed to remove snapshot marker: %w", rmErr))
	}
	return err
}

// IsAlive reports whether the emulator process is still running.
func (c *Controller) IsAlive() bool {
	return exec.IsAlive(c.pid)
}

func randomJobID() string {
	return fmt.Sprintf("job-%08x", rand.Uint32())
}

func (c *Controller) blockNodeName() (string, error) {
	resp, err := c.control.Send(Command{Execute: "query-block"})
	if err != nil {
		return "", err
	}
	devices, _ := resp.Return["devices"].([]interface{})
	for _, d := range devices {
		dev, ok := d.(map[string]interface{})
		if !ok {
			continue
		}
		if name, ok := dev["device"].(string); ok && name != "" {
			return name, nil
		}
	}
	return "", fmt.Errorf("vm: query-block returned no device node")
}

// SaveSnapshot pauses the VM, saves a live snapshot tagged
// snapshotTag, creates the marker file, then resumes. Returns an error
// (rather than panicking the worker) so the caller can decide to abort
// since a failed snapshot save means the worker can't safely continue.
func (c *Controller) SaveSnapshot() error {
	node, err := c.blockNodeName()
	if err != nil {
		return err
	}
	if _, err := c.control.Send(Command{Execute: "stop"}); err != nil {
		return err
	}
	jobID := randomJobID()
	if _, err := c.control.Send(Command{Execute: "snapshot-save", Arguments: map[string]interface{}{
		"job-id":  jobID,
		"tag":     snapshotTag,
		"vmstate": node,
		"devices": []string{node},
	}}); err != nil {
		return err
	}
	if err := os.WriteFile(c.params.SnapshotMarkerPath, []byte("1"), 0644); err != nil {
		return fmt.Errorf("vm: failed to write snapshot marker: %w", err)
	}
	if _, err := c.control.Send(Command{Execute: "cont"}); err != nil {
		return err
	}
	return nil
}

// LoadSnapshot pauses the VM, restores the live snapshot, then resumes.
func (c *Controller) LoadSnapshot() error {
	node, err := c.blockNodeName()
	if err != nil {
		return err
	}
	if _, err := c.control.Send(Command{Execute: "stop"}); err != nil {
		return err
	}
	jobID := randomJobID()
	if _, err := c.control.Send(Command{Execute: "snapshot-load", Arguments: map[string]interface{}{
		"job-id":  jobID,
		"tag":     snapshotTag,
		"vmstate": node,
		"devices": []string{node},
	}}); err != nil {
		return err
	}
	if _, err := c.control.Send(Command{Execute: "cont"}); err != nil {
		return err
	}
	return nil
}

// DeleteSnapshot removes the tagged snapshot and its marker.
func (c *Controller) DeleteSnapshot() error {
	node, err := c.blockNodeName()
	if err != nil {
		return err
	}
	jobID := randomJobID()
	if _, err := c.control.Send(Command{Execute: "snapshot-delete", Arguments: map[string]interface{}{
		"job-id":  jobID,
		"tag":     snapshotTag,
		"devices": []string{node},
	}}); err != nil {
		return err
	}
	if err := os.Remove(c.params.SnapshotMarkerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vm: failed to remove snapshot marker: %w", err)
	}
	return nil
}

// TraceOn starts PC tracing to path via the vendor control command.
func (c *Controller) TraceOn(path string) error {
	_, err := c.control.Send(Command{Execute: "mtcfuzz-trace-start", Arguments: map[string]interface{}{"filename": path}})
	return err
}

// TraceOff stops PC tracing.
func (c *Controller) TraceOff() error {
	_, err := c.control.Send(Command{Execute: "mtcfuzz-trace-stop"})
	return err
}
