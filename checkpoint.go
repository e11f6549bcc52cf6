package dlchat

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// CheckpointState is the save state shared by the training loop and the
// shutdown handler.
type CheckpointState int32

const (
	// StateNone is the state before training starts. It never recurs.
	StateNone CheckpointState = iota
	// StateReady means no save is running or pending.
	StateReady
	// StateSaving means a save is in progress.
	StateSaving
	// StateSaveNow asks the training loop to save and stop at the next
	// macrobatch boundary.
	StateSaveNow
)

func (s CheckpointState) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateReady:
		return "READY"
	case StateSaving:
		return "SAVING"
	case StateSaveNow:
		return "SAVENOW"
	}
	return "UNKNOWN"
}

// CheckpointController persists a model without losing the previous copy and
// coordinates saving with process shutdown.
type CheckpointController struct {
	fs           afero.Fs
	path         string
	backupPath   string
	pollInterval time.Duration
	log          *zap.Logger

	state    atomic.Int32
	shutdown atomic.Bool
	finished atomic.Bool
	mu       sync.Mutex // held by saves and training steps
}

// CheckpointOption configures a CheckpointController.
type CheckpointOption func(*CheckpointController)

// WithPollInterval sets how often RequestShutdown checks the state.
func WithPollInterval(d time.Duration) CheckpointOption {
	return func(c *CheckpointController) { c.pollInterval = d }
}

// WithCheckpointLogger sets the logger.
func WithCheckpointLogger(log *zap.Logger) CheckpointOption {
	return func(c *CheckpointController) { c.log = orNop(log) }
}

// NewCheckpointController returns a controller saving to path and keeping the
// previous save at backupPath.
func NewCheckpointController(fs afero.Fs, path, backupPath string, opts ...CheckpointOption) *CheckpointController {
	c := &CheckpointController{
		fs:           fs,
		path:         path,
		backupPath:   backupPath,
		pollInterval: 100 * time.Millisecond,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *CheckpointController) State() CheckpointState {
	return CheckpointState(c.state.Load())
}

// Start marks the beginning of training.
func (c *CheckpointController) Start() {
	c.state.CompareAndSwap(int32(StateNone), int32(StateReady))
}

// Finish marks the end of the training loop. A pending or future
// RequestShutdown returns without waiting for a save.
func (c *CheckpointController) Finish() {
	c.finished.Store(true)
}

// RequestShutdown asks the training loop to save and stop, then blocks until
// the save has completed. It is safe to call from a signal handler goroutine.
// A request that arrives during a periodic save waits for that save and then
// asks for another one. It returns immediately if training has not started or
// has already finished.
func (c *CheckpointController) RequestShutdown() {
	requested := false
	for !c.finished.Load() {
		switch c.State() {
		case StateNone:
			return
		case StateReady:
			if requested {
				return
			}
			if c.state.CompareAndSwap(int32(StateReady), int32(StateSaveNow)) {
				c.shutdown.Store(true)
				requested = true
				c.log.Info("waiting for the current macrobatch to end, then the model will be saved")
				continue
			}
		case StateSaveNow:
			// ours or a concurrent request; either way the next READY is the
			// save we are waiting for
			requested = true
		}
		time.Sleep(c.pollInterval)
	}
}

// ShutdownRequested reports whether RequestShutdown was called after training
// started. It stays true after the requested save, so a periodic save that
// happens to consume the SAVENOW state does not lose the request.
func (c *CheckpointController) ShutdownRequested() bool {
	return c.State() == StateSaveNow || c.shutdown.Load()
}

// Guard runs fn while holding the lock that saves hold, so fn never overlaps
// a save.
func (c *CheckpointController) Guard(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn()
}

// Save writes m to the model path. An existing model file is first moved to
// the backup path, replacing an older backup. The model is written to a
// temporary file that is renamed into place once complete, so a failed save
// never touches the backup. The state returns to READY whether or not the
// save succeeds.
func (c *CheckpointController) Save(m Model) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		prev := c.State()
		if prev != StateReady && prev != StateSaveNow {
			return errors.Errorf("cannot save in state %s", prev)
		}
		if c.state.CompareAndSwap(int32(prev), int32(StateSaving)) {
			break
		}
	}
	defer c.state.Store(int32(StateReady))

	start := time.Now()
	c.log.Info("saving the model", zap.String("path", c.path))
	if err := c.backup(); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := c.write(tmp, m); err != nil {
		c.fs.Remove(tmp)
		return err
	}
	if err := c.fs.Rename(tmp, c.path); err != nil {
		c.fs.Remove(tmp)
		return ioError("rename", tmp, err)
	}

	fields := []zap.Field{zap.Duration("took", time.Since(start))}
	if fi, err := c.fs.Stat(c.path); err == nil {
		fields = append(fields, zap.String("size", humanize.Bytes(uint64(fi.Size()))))
	}
	c.log.Info("model saved", fields...)
	return nil
}

func (c *CheckpointController) backup() error {
	exists, err := afero.Exists(c.fs, c.path)
	if err != nil {
		return ioError("stat", c.path, err)
	}
	if !exists {
		return nil
	}
	if err := c.fs.Remove(c.backupPath); err != nil && !os.IsNotExist(err) {
		return ioError("remove", c.backupPath, err)
	}
	if err := c.fs.Rename(c.path, c.backupPath); err != nil {
		return ioError("rename", c.path, err)
	}
	return nil
}

func (c *CheckpointController) write(path string, m Model) error {
	f, err := c.fs.Create(path)
	if err != nil {
		return ioError("create", path, err)
	}
	if err := m.Save(f); err != nil {
		f.Close()
		return ioError("write", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ioError("sync", path, err)
	}
	if err := f.Close(); err != nil {
		return ioError("close", path, err)
	}
	return nil
}

// Exists reports whether a saved model or its backup exists.
func (c *CheckpointController) Exists() bool {
	for _, p := range []string{c.path, c.backupPath} {
		if ok, _ := afero.Exists(c.fs, p); ok {
			return true
		}
	}
	return false
}

// Load reads m from the model path, falling back to the backup when the model
// file is missing, as it is after a save that failed midway. It returns
// ErrNoModel when neither file exists.
func (c *CheckpointController) Load(m Model) error {
	for _, p := range []string{c.path, c.backupPath} {
		f, err := c.fs.Open(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return ioError("open", p, err)
		}
		if p == c.backupPath {
			c.log.Warn("model file is missing, loading the backup", zap.String("path", p))
		}
		err = m.Load(f)
		f.Close()
		if err != nil {
			return ioError("load", p, err)
		}
		return nil
	}
	return ErrNoModel
}
