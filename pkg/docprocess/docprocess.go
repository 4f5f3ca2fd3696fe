// Package docprocess implements the Default Process Sandbox (C12): a
// concrete, swappable worker.ProcessFunc that runs a configured
// document-processing image per job through containerd, adapted from
// the reference control plane's container runtime adapter but scoped to
// a single one-shot task per job instead of a long-lived service.
package docprocess

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/cuemby/jobfabric/pkg/log"
	"github.com/cuemby/jobfabric/pkg/types"
	"github.com/cuemby/jobfabric/pkg/worker"
)

const (
	// Namespace scopes every container this sandbox creates within
	// containerd, mirroring the reference runtime adapter's own
	// single-namespace convention.
	Namespace = "jobfabric"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Config configures the sandbox's resource limits and processing image.
type Config struct {
	SocketPath    string
	Image         string
	CPULimitCores float64
	MemoryLimit   int64
	InputMount    string // in-container path the job's file is mounted at
	OutputMount   string // in-container path results are written to
	GraceShutdown time.Duration
}

// Runtime wraps a containerd client and implements worker.ProcessFunc.
type Runtime struct {
	client *containerd.Client
	cfg    Config
}

// NewRuntime dials the configured containerd socket.
func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.InputMount == "" {
		cfg.InputMount = "/input"
	}
	if cfg.OutputMount == "" {
		cfg.OutputMount = "/output"
	}
	if cfg.GraceShutdown == 0 {
		cfg.GraceShutdown = 30 * time.Second
	}

	client, err := containerd.New(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("docprocess: connect to containerd: %w", err)
	}

	return &Runtime{client: client, cfg: cfg}, nil
}

// Close releases the containerd client connection.
func (r *Runtime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Process implements worker.ProcessFunc: pull the configured image,
// create a container scoped to this job with job.FileRef mounted
// read-only, run it to completion, and return its combined stdout and
// stderr as the result. Any containerd-level failure is returned as a
// plain error, which the Worker's Classify treats as Transient (the job
// is requeued with an attempt increment).
func (r *Runtime) Process(ctx context.Context, job *types.Job) (worker.Result, error) {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	logger := log.WithJobID(job.JobID)

	image, err := r.client.Pull(ctx, r.cfg.Image, containerd.WithPullUnpack)
	if err != nil {
		return worker.Result{}, fmt.Errorf("docprocess: pull image %s: %w", r.cfg.Image, err)
	}

	containerID := "job-" + job.JobID

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithMounts([]specs.Mount{
			{Source: job.FileRef, Destination: r.cfg.InputMount, Type: "bind", Options: []string{"ro", "bind"}},
		}),
	}
	if r.cfg.CPULimitCores > 0 {
		shares := uint64(r.cfg.CPULimitCores * 1024)
		quota := int64(r.cfg.CPULimitCores * 100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}
	if r.cfg.MemoryLimit > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(r.cfg.MemoryLimit)))
	}

	cont, err := r.client.NewContainer(
		ctx,
		containerID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(containerID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return worker.Result{}, fmt.Errorf("docprocess: create container: %w", err)
	}
	defer func() {
		cleanupCtx := namespaces.WithNamespace(context.Background(), Namespace)
		if err := cont.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil {
			logger.Warn().Err(err).Str("container_id", containerID).Msg("container cleanup failed")
		}
	}()

	var stdout outputBuffer
	task, err := cont.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, &stdout, &stdout)))
	if err != nil {
		return worker.Result{}, fmt.Errorf("docprocess: create task: %w", err)
	}
	defer task.Delete(namespaces.WithNamespace(context.Background(), Namespace))

	statusC, err := task.Wait(ctx)
	if err != nil {
		return worker.Result{}, fmt.Errorf("docprocess: wait on task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return worker.Result{}, fmt.Errorf("docprocess: start task: %w", err)
	}

	select {
	case status := <-statusC:
		if status.ExitCode() != 0 {
			return worker.Result{}, fmt.Errorf("docprocess: container exited %d: %s", status.ExitCode(), stdout.String())
		}
		return worker.Result{ResultRef: stdout.String()}, nil

	case <-ctx.Done():
		return worker.Result{}, r.terminate(task, statusC)
	}
}

// terminate implements the SIGTERM-then-SIGKILL grace sequence after job
// cancellation, matching the reference runtime adapter's stop sequence.
func (r *Runtime) terminate(task containerd.Task, statusC <-chan containerd.ExitStatus) error {
	stopCtx := namespaces.WithNamespace(context.Background(), Namespace)
	killCtx, cancel := context.WithTimeout(stopCtx, r.cfg.GraceShutdown)
	defer cancel()

	if err := task.Kill(killCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("docprocess: sigterm task: %w", err)
	}

	select {
	case <-statusC:
		return context.Canceled
	case <-killCtx.Done():
		if err := task.Kill(stopCtx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("docprocess: sigkill task: %w", err)
		}
		return context.Canceled
	}
}

// outputBuffer is an io.Writer that accumulates a task's combined
// stdout/stderr as the job's opaque result blob.
type outputBuffer struct {
	buf []byte
}

func (o *outputBuffer) Write(p []byte) (int, error) {
	o.buf = append(o.buf, p...)
	return len(p), nil
}

func (o *outputBuffer) String() string { return string(o.buf) }

var _ io.Writer = (*outputBuffer)(nil)

// NullRuntime is a no-op ProcessFunc for tests and for operators who
// supply their own processing step without a containerd dependency.
type NullRuntime struct {
	ResultRef string
	Err       error
	Delay     time.Duration
}

// Process implements worker.ProcessFunc.
func (n *NullRuntime) Process(ctx context.Context, job *types.Job) (worker.Result, error) {
	if n.Delay > 0 {
		select {
		case <-time.After(n.Delay):
		case <-ctx.Done():
			return worker.Result{}, ctx.Err()
		}
	}
	if n.Err != nil {
		return worker.Result{}, n.Err
	}
	return worker.Result{ResultRef: n.ResultRef}, nil
}
