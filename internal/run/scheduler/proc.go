package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ndhoang/lanerun/internal/core/domain"
	"github.com/ndhoang/lanerun/internal/infra/endpoint"
	"github.com/ndhoang/lanerun/internal/run/collector"
	"github.com/ndhoang/lanerun/internal/run/executor"
	"github.com/ndhoang/lanerun/internal/run/ratelimit"
	"github.com/ndhoang/lanerun/internal/store/aggregate"
)

// ShardSpec is the complete, explicit configuration handed to a shard
// subprocess. Nothing a shard needs is inherited ambiently: the parent
// serializes this spec to a file and the child reads it back, so a
// config value that is not in the spec is a bug, not a surprise.
type ShardSpec struct {
	Shard     domain.Shard     `json:"shard"`
	Lane      domain.Lane      `json:"lane"`
	Exec      executor.Config  `json:"exec"`
	Collector collector.Config `json:"collector"`
	Limiter   ratelimit.Config `json:"limiter"`
	Store     aggregate.Config `json:"store"`
	TailDir   string           `json:"tail_dir"`
	Endpoint  endpoint.Config  `json:"endpoint"`

	// Credential is resolved by the parent from the lane's credential
	// ref; the child never consults its own environment for it.
	Credential string `json:"credential,omitempty"`
}

// SpecFunc builds the subprocess spec for one shard.
type SpecFunc func(shard domain.Shard) (ShardSpec, error)

// ProcRunner executes each shard as its own OS process: the same binary
// re-invoked in shard mode. The child publishes progress to a status
// file the parent polls; the parent never blocks on a child. Concurrent
// shards on the same lane are gated by the lane's concurrency budget,
// exactly as the in-process runner gates them.
type ProcRunner struct {
	mu    sync.Mutex
	procs map[string]*shardProc

	slots   map[string]*semaphore.Weighted
	exePath string
	runDir  string
	spec    SpecFunc
	log     *slog.Logger
}

type shardProc struct {
	shard      domain.Shard
	cmd        *exec.Cmd
	statusPath string
	exited     bool
	exitErr    error
}

// NewProcRunner creates a subprocess shard runner rooted at runDir.
func NewProcRunner(exePath, runDir string, lanes []domain.Lane, spec SpecFunc, log *slog.Logger) (*ProcRunner, error) {
	for _, sub := range []string{"specs", "status", "logs"} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("scheduler: create run dir: %w", err)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	slots := make(map[string]*semaphore.Weighted, len(lanes))
	for _, lane := range lanes {
		n := int64(lane.MaxConcurrency)
		if n < 1 {
			n = 1
		}
		slots[lane.ID] = semaphore.NewWeighted(n)
	}
	return &ProcRunner{
		procs:   make(map[string]*shardProc),
		slots:   slots,
		exePath: exePath,
		runDir:  runDir,
		spec:    spec,
		log:     log,
	}, nil
}

// StatusPath returns where a shard's report file lives.
func (r *ProcRunner) StatusPath(shardID string) string {
	return filepath.Join(r.runDir, "status", shardID+".json")
}

// Start implements ShardRunner.
func (r *ProcRunner) Start(ctx context.Context, shard domain.Shard) error {
	slot, ok := r.slots[shard.LaneID]
	if !ok {
		return errUnknownLane(shard.LaneID)
	}

	spec, err := r.spec(shard)
	if err != nil {
		return fmt.Errorf("scheduler: build spec for %s: %w", shard.ID, err)
	}

	specPath := filepath.Join(r.runDir, "specs", shard.ID+".json")
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("scheduler: encode spec: %w", err)
	}
	// Spec may carry a resolved credential; keep it private.
	if err := os.WriteFile(specPath, data, 0o600); err != nil {
		return fmt.Errorf("scheduler: write spec: %w", err)
	}

	statusPath := r.StatusPath(shard.ID)
	logFile, err := os.Create(filepath.Join(r.runDir, "logs", shard.ID+".log"))
	if err != nil {
		return fmt.Errorf("scheduler: create shard log: %w", err)
	}

	cmd := exec.Command(r.exePath, "shard", "--spec", specPath, "--status", statusPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Explicit minimal environment; shard configuration travels in the
	// spec file, not the process environment.
	cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + os.Getenv("HOME")}

	proc := &shardProc{shard: shard, cmd: cmd, statusPath: statusPath}
	r.mu.Lock()
	r.procs[shard.ID] = proc
	r.mu.Unlock()

	go func() {
		defer func() { _ = logFile.Close() }()

		if shard.Stagger > 0 {
			select {
			case <-ctx.Done():
				r.mu.Lock()
				proc.exited = true
				proc.exitErr = ctx.Err()
				r.mu.Unlock()
				return
			case <-time.After(shard.Stagger):
			}
		}

		// A lane slot is held for the life of the child process, so a
		// lane never has more than its budget of shards running at once.
		if err := slot.Acquire(ctx, 1); err != nil {
			r.mu.Lock()
			proc.exited = true
			proc.exitErr = err
			r.mu.Unlock()
			return
		}
		defer slot.Release(1)

		if err := cmd.Start(); err != nil {
			r.mu.Lock()
			proc.exited = true
			proc.exitErr = err
			r.mu.Unlock()
			return
		}
		r.log.Info("shard process started",
			"shard", shard.ID, "lane", shard.LaneID, "pid", cmd.Process.Pid)

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		select {
		case err := <-done:
			r.mu.Lock()
			proc.exited = true
			proc.exitErr = err
			r.mu.Unlock()
		case <-ctx.Done():
			// Ask the child to stop intake and flush; it records what it
			// can before exiting.
			_ = cmd.Process.Signal(syscall.SIGTERM)
			err := <-done
			r.mu.Lock()
			proc.exited = true
			proc.exitErr = err
			r.mu.Unlock()
		}
	}()

	return nil
}

// Status implements ShardRunner by reading the child's status file. A
// child that exited without a terminal status file is reported failed.
func (r *ProcRunner) Status(shardID string) (domain.ShardReport, bool) {
	r.mu.Lock()
	proc, ok := r.procs[shardID]
	var exited bool
	var exitErr error
	if ok {
		exited = proc.exited
		exitErr = proc.exitErr
	}
	r.mu.Unlock()
	if !ok {
		return domain.ShardReport{}, false
	}

	rep, err := readReport(proc.statusPath)
	if err == nil {
		if rep.State.Terminal() {
			return rep, true
		}
		if exited {
			// Child died between status writes.
			rep.State = domain.ShardFailed
			rep.Reason = exitReason(exitErr)
			return rep, true
		}
		return rep, true
	}

	if exited {
		return domain.ShardReport{
			ShardID:   shardID,
			LaneID:    proc.shard.LaneID,
			State:     domain.ShardFailed,
			Reason:    exitReason(exitErr),
			TaskCount: len(proc.shard.Tasks),
			UpdatedAt: time.Now(),
		}, true
	}

	return domain.ShardReport{
		ShardID:   shardID,
		LaneID:    proc.shard.LaneID,
		State:     domain.ShardPending,
		TaskCount: len(proc.shard.Tasks),
		UpdatedAt: time.Now(),
	}, true
}

func exitReason(err error) string {
	if err == nil {
		return "exited without terminal status"
	}
	return "process exited: " + err.Error()
}

func readReport(path string) (domain.ShardReport, error) {
	var rep domain.ShardReport
	data, err := os.ReadFile(path)
	if err != nil {
		return rep, err
	}
	if err := json.Unmarshal(data, &rep); err != nil {
		return rep, err
	}
	return rep, nil
}

// WriteReport atomically publishes a shard report to a status file; the
// shard subprocess calls this from its OnUpdate hook.
func WriteReport(path string, rep domain.ShardReport) error {
	data, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
