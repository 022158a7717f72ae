package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tessara/warden/internal/artifact"
	"github.com/tessara/warden/internal/config"
	"github.com/tessara/warden/internal/console"
	"github.com/tessara/warden/internal/history"
	"github.com/tessara/warden/internal/logger"
	"github.com/tessara/warden/internal/metrics"
)

// State is the worker lifecycle state.
//
// State Machine:
// Offline -> Starting -> Online -> Stopping -> Offline
type State int32

const (
	StateOffline State = iota
	StateStarting
	StateOnline
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateStarting:
		return "starting"
	case StateOnline:
		return "online"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Options configures the supervised worker.
type Options struct {
	WorkDir        string
	PropertiesPath string
	ServerPort     int
	// ReadyMarker is matched against console output to detect that the
	// worker finished starting. This is a best-effort heuristic, not a
	// handshake: a worker that never prints the marker stays in Starting
	// until it exits.
	ReadyMarker  string
	StopCommand  string
	RestartGrace time.Duration
	StopWait     time.Duration
	ConsoleLog   logger.Config
	// BuildCommand overrides how the worker command line is assembled.
	// When nil the default java invocation is used.
	BuildCommand func(cfg config.Config, binary string) *exec.Cmd
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionForward
	actionApplyConfig
	actionInstallDone
	actionExited
	actionReady
	actionKill
	actionShutdown
)

type command struct {
	action  commandAction
	reply   chan error
	text    string
	update  config.Update
	run     int64
	err     error
	version string
}

// Supervisor owns the worker process lifecycle. All state transitions run on
// a single goroutine fed by a command channel; public methods enqueue
// commands and wait for a reply. The worker handle is never shared: at most
// one OS process exists at a time, enforced here rather than by the OS.
type Supervisor struct {
	opts      Options
	store     *config.Store
	installer *artifact.Installer
	hub       *console.Hub
	log       *slog.Logger

	cmdChan  chan command
	doneChan chan struct{}

	// Loop-owned; only the state machine goroutine touches these.
	cmd              *exec.Cmd
	stdin            io.WriteCloser
	consoleW         io.WriteCloser
	runSeq           int64
	waitDone         chan struct{}
	installing       bool
	pendingAutostart bool
	reinstallPending bool
	reinstallVersion string

	// Snapshot fields, guarded by mu for concurrent Status readers.
	mu             sync.RWMutex
	state          State
	pid            int
	startedAt      time.Time
	stoppedAt      time.Time
	exitErr        error
	runningVersion string
	historySinks   []history.Sink
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	State          string    `json:"state"`
	PID            int       `json:"pid,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	StoppedAt      time.Time `json:"stopped_at,omitempty"`
	ExitError      string    `json:"exit_error,omitempty"`
	TargetVersion  string    `json:"target_version"`
	RunningVersion string    `json:"running_version,omitempty"`
	Installed      bool      `json:"installed"`
}

// New creates a Supervisor and starts its state machine goroutine.
func New(opts Options, store *config.Store, installer *artifact.Installer, hub *console.Hub, log *slog.Logger) *Supervisor {
	if opts.RestartGrace <= 0 {
		opts.RestartGrace = 5 * time.Second
	}
	if opts.StopWait <= 0 {
		opts.StopWait = 10 * time.Second
	}
	if opts.StopCommand == "" {
		opts.StopCommand = "stop"
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		opts:      opts,
		store:     store,
		installer: installer,
		hub:       hub,
		log:       log,
		cmdChan:   make(chan command, 16), // buffered to prevent blocking
		doneChan:  make(chan struct{}),
		state:     StateOffline,
	}
	go s.run()
	return s
}

// SetHistory configures history sinks (thread-safe).
func (s *Supervisor) SetHistory(sinks ...history.Sink) {
	s.mu.Lock()
	s.historySinks = append([]history.Sink(nil), sinks...)
	s.mu.Unlock()
}

// Start brings the worker Online. A start issued while the worker is not
// Offline is a no-op. When the binary artifact is missing, installation runs
// first and the actual start is deferred until it completes.
func (s *Supervisor) Start() error { return s.send(command{action: actionStart}) }

// Stop requests a graceful shutdown. No-op when Offline.
func (s *Supervisor) Stop() error { return s.send(command{action: actionStop}) }

// Restart stops the worker and schedules a start after the configured grace
// delay. The delay timer is not cancellable once scheduled.
func (s *Supervisor) Restart() error { return s.send(command{action: actionRestart}) }

// Forward writes a line to the worker's stdin. No-op when no process is
// running; delivery is fire-and-forget.
func (s *Supervisor) Forward(text string) error {
	return s.send(command{action: actionForward, text: text})
}

// ApplyConfig merges and persists the update. A changed target version
// triggers the coordinated reinstall flow (stop, delete artifact, install,
// start), broadcasting status at each step.
func (s *Supervisor) ApplyConfig(u config.Update) error {
	return s.send(command{action: actionApplyConfig, update: u})
}

// Shutdown terminates the worker (gracefully, then by force) and stops the
// state machine.
func (s *Supervisor) Shutdown() error { return s.send(command{action: actionShutdown}) }

func (s *Supervisor) send(c command) error {
	c.reply = make(chan error, 1)
	select {
	case s.cmdChan <- c:
		return <-c.reply
	case <-s.doneChan:
		return fmt.Errorf("supervisor shutting down")
	}
}

// trySend delivers internal events without blocking a sender forever when
// the loop has already exited.
func (s *Supervisor) trySend(c command) {
	select {
	case s.cmdChan <- c:
	case <-s.doneChan:
	}
}

// Status returns the current snapshot.
func (s *Supervisor) Status() Status {
	cfg := s.store.Get()
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		State:          s.state.String(),
		PID:            s.pid,
		StartedAt:      s.startedAt,
		StoppedAt:      s.stoppedAt,
		TargetVersion:  cfg.TargetVersion,
		RunningVersion: s.runningVersion,
		Installed:      s.installer.Exists(),
	}
	if s.exitErr != nil {
		st.ExitError = s.exitErr.Error()
	}
	return st
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) run() {
	defer close(s.doneChan)
	for c := range s.cmdChan {
		switch c.action {
		case actionStart:
			s.reply(c, s.handleStart())
		case actionStop:
			s.reply(c, s.handleStop())
		case actionRestart:
			s.reply(c, s.handleRestart())
		case actionForward:
			s.reply(c, s.handleForward(c.text))
		case actionApplyConfig:
			s.reply(c, s.handleApplyConfig(c.update))
		case actionInstallDone:
			s.handleInstallDone(c.version, c.err)
		case actionExited:
			s.handleExited(c.run, c.err)
		case actionReady:
			s.handleReady(c.run)
		case actionKill:
			s.handleKill(c.run)
		case actionShutdown:
			s.handleShutdown()
			s.reply(c, nil)
			return
		}
	}
}

func (s *Supervisor) reply(c command, err error) {
	if c.reply != nil {
		c.reply <- err
	}
}

func (s *Supervisor) handleStart() error {
	if s.installing {
		// Install already underway; autostart once it lands.
		s.pendingAutostart = true
		return nil
	}
	if s.State() != StateOffline {
		// Not re-entrant: a second start while Starting/Online/Stopping
		// is a no-op, not an error.
		s.log.Debug("start ignored", "state", s.State().String())
		return nil
	}
	cfg := s.store.Get()
	if !s.installer.Exists() {
		s.beginInstall(cfg.TargetVersion, true)
		return nil
	}
	return s.spawn(cfg)
}

func (s *Supervisor) beginInstall(version string, autostart bool) {
	s.installing = true
	s.pendingAutostart = autostart
	s.hub.Broadcast(console.Event{Kind: console.KindStatus, Text: "installing"})
	s.console(fmt.Sprintf("installing version %q", version))
	go func() {
		err := s.installer.Install(context.Background(), version)
		s.trySend(command{action: actionInstallDone, version: version, err: err})
	}()
}

func (s *Supervisor) handleInstallDone(version string, err error) {
	s.installing = false
	if err != nil {
		// Installer failures are recoverable: stay Offline and report
		// through the console channel only.
		s.pendingAutostart = false
		s.console(fmt.Sprintf("install of %q failed: %v", version, err))
		s.log.Error("artifact install failed", "version", version, "error", err)
		s.persistEvent(history.EventInstall, fmt.Sprintf("failed: %v", err))
		s.hub.Broadcast(console.Event{Kind: console.KindStatus, Text: s.State().String()})
		return
	}
	s.console(fmt.Sprintf("installed version %q", version))
	s.persistEvent(history.EventInstall, "ok")
	if cur := s.store.Get().TargetVersion; cur != version {
		// Target moved while the install ran; converge before starting.
		s.removeAndInstall(cur)
		return
	}
	if s.pendingAutostart && s.State() == StateOffline {
		s.pendingAutostart = false
		if serr := s.spawn(s.store.Get()); serr != nil {
			s.log.Error("start after install failed", "error", serr)
		}
	}
}

// spawn writes the worker properties from Config, launches the process and
// wires its output into the hub. Caller must hold the Offline state.
func (s *Supervisor) spawn(cfg config.Config) error {
	if err := s.writeProperties(cfg); err != nil {
		s.console(fmt.Sprintf("writing properties failed: %v", err))
		return err
	}

	cmd := s.buildCommand(cfg)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.console(fmt.Sprintf("start failed: %v", err))
		return fmt.Errorf("start worker: %w", err)
	}

	s.runSeq++
	run := s.runSeq
	s.cmd = cmd
	s.stdin = stdin
	s.waitDone = make(chan struct{})
	s.consoleW = s.opts.ConsoleLog.ConsoleWriter("worker")

	s.mu.Lock()
	s.pid = cmd.Process.Pid
	s.startedAt = time.Now()
	s.stoppedAt = time.Time{}
	s.exitErr = nil
	s.runningVersion = cfg.TargetVersion
	s.mu.Unlock()

	s.setState(StateStarting)
	metrics.IncStart()
	s.persistEvent(history.EventStart, "")

	var readers sync.WaitGroup
	readers.Add(2)
	consoleW := s.consoleW
	go func() {
		defer readers.Done()
		s.readPipe(run, stdout, consoleW, "")
	}()
	go func() {
		defer readers.Done()
		s.readPipe(run, stderr, consoleW, "ERR")
	}()
	waitDone := s.waitDone
	go func() {
		// Drain both pipes before Wait closes them.
		readers.Wait()
		werr := cmd.Wait()
		close(waitDone)
		s.trySend(command{action: actionExited, run: run, err: werr})
	}()
	return nil
}

func (s *Supervisor) buildCommand(cfg config.Config) *exec.Cmd {
	binary := s.installer.Dest()
	if s.opts.BuildCommand != nil {
		cmd := s.opts.BuildCommand(cfg, binary)
		if cmd.Dir == "" {
			cmd.Dir = s.opts.WorkDir
		}
		return cmd
	}
	args := []string{
		fmt.Sprintf("-Xms%s", cfg.MinMemory),
		fmt.Sprintf("-Xmx%s", cfg.MaxMemory),
		"-jar", binary, "nogui",
	}
	java := cfg.JavaPath
	if java == "" {
		java = "java"
	}
	// #nosec G204 -- binary path is the fixed artifact destination
	cmd := exec.Command(java, args...)
	cmd.Dir = s.opts.WorkDir
	return cmd
}

// writeProperties rewrites the worker's runtime properties from Config,
// forcing the public port binding regardless of overrides.
func (s *Supervisor) writeProperties(cfg config.Config) error {
	for k, v := range cfg.Overrides {
		if err := config.UpsertProperty(s.opts.PropertiesPath, k, v); err != nil {
			return err
		}
	}
	if s.opts.ServerPort > 0 {
		if err := config.UpsertProperty(s.opts.PropertiesPath, "server-port", strconv.Itoa(s.opts.ServerPort)); err != nil {
			return err
		}
	}
	// The worker refuses to boot without an accepted EULA.
	eula := filepath.Join(s.opts.WorkDir, "eula.txt")
	if err := os.MkdirAll(s.opts.WorkDir, 0o750); err != nil {
		return err
	}
	return os.WriteFile(eula, []byte("eula=true\n"), 0o640)
}

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

func (s *Supervisor) readPipe(run int64, r io.Reader, w io.WriteCloser, prefix string) {
	readySent := false
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := ansiRegex.ReplaceAllString(scanner.Text(), "")
		if prefix != "" {
			line = "[" + prefix + "] " + line
		}
		s.hub.Append(line)
		if w != nil {
			_, _ = w.Write([]byte(line + "\n"))
		}
		if !readySent && s.opts.ReadyMarker != "" && strings.Contains(line, s.opts.ReadyMarker) {
			readySent = true
			s.trySend(command{action: actionReady, run: run})
		}
	}
}

func (s *Supervisor) handleReady(run int64) {
	if run != s.runSeq {
		return
	}
	if s.State() != StateStarting {
		return
	}
	s.setState(StateOnline)
}

func (s *Supervisor) handleStop() error {
	switch s.State() {
	case StateStarting, StateOnline:
		s.doStop()
	default:
		// Stop while Offline/Stopping is a no-op.
	}
	return nil
}

func (s *Supervisor) doStop() {
	if s.stdin != nil {
		_, _ = io.WriteString(s.stdin, s.opts.StopCommand+"\n")
	}
	s.setState(StateStopping)
	run := s.runSeq
	time.AfterFunc(s.opts.StopWait, func() {
		s.trySend(command{action: actionKill, run: run})
	})
}

func (s *Supervisor) handleKill(run int64) {
	if run != s.runSeq || s.State() != StateStopping {
		return
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.console("worker did not exit in time; killing")
		_ = s.cmd.Process.Kill()
	}
}

func (s *Supervisor) handleRestart() error {
	switch s.State() {
	case StateStarting, StateOnline:
		s.doStop()
	default:
	}
	// Fixed grace delay before the deferred start; handleStart guards
	// against the worker still being alive when it fires.
	time.AfterFunc(s.opts.RestartGrace, func() {
		s.trySend(command{action: actionStart})
	})
	return nil
}

func (s *Supervisor) handleForward(text string) error {
	if s.stdin == nil {
		return nil
	}
	_, _ = io.WriteString(s.stdin, text+"\n")
	return nil
}

func (s *Supervisor) handleApplyConfig(u config.Update) error {
	prev := s.store.Get()
	cfg, err := s.store.Set(u)
	if err != nil {
		return err
	}
	if u.TargetVersion == nil || *u.TargetVersion == prev.TargetVersion {
		// Same version: skip the reinstall entirely.
		return nil
	}

	s.console(fmt.Sprintf("target version changed %q -> %q", prev.TargetVersion, cfg.TargetVersion))
	switch s.State() {
	case StateStarting, StateOnline:
		// Continue once the exit event lands.
		s.reinstallPending = true
		s.reinstallVersion = cfg.TargetVersion
		s.doStop()
	case StateStopping:
		s.reinstallPending = true
		s.reinstallVersion = cfg.TargetVersion
	default:
		if !s.installing {
			s.removeAndInstall(cfg.TargetVersion)
		}
	}
	return nil
}

func (s *Supervisor) removeAndInstall(version string) {
	if err := s.installer.Remove(); err != nil {
		s.console(fmt.Sprintf("removing old artifact failed: %v", err))
	}
	s.beginInstall(version, true)
}

// handleExited runs exactly once per process lifetime: the run sequence
// guards against stale or duplicate exit notifications.
func (s *Supervisor) handleExited(run int64, err error) {
	if run != s.runSeq || s.cmd == nil {
		return
	}
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.consoleW != nil {
		_ = s.consoleW.Close()
	}
	s.cmd = nil
	s.stdin = nil
	s.consoleW = nil

	s.mu.Lock()
	s.pid = 0
	s.stoppedAt = time.Now()
	s.exitErr = err
	s.runningVersion = ""
	s.mu.Unlock()

	if err != nil {
		s.console(fmt.Sprintf("process exited: %v", err))
	} else {
		s.console("process exited cleanly")
	}
	s.setState(StateOffline)
	metrics.IncStop()
	s.persistEvent(history.EventStop, exitDetail(err))

	if s.reinstallPending {
		s.reinstallPending = false
		s.removeAndInstall(s.reinstallVersion)
	}
}

func (s *Supervisor) handleShutdown() {
	if s.cmd == nil {
		return
	}
	if s.stdin != nil {
		_, _ = io.WriteString(s.stdin, s.opts.StopCommand+"\n")
	}
	select {
	case <-s.waitDone:
	case <-time.After(s.opts.StopWait):
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		select {
		case <-s.waitDone:
		case <-time.After(2 * time.Second):
			// best-effort
		}
	}
	if s.consoleW != nil {
		_ = s.consoleW.Close()
	}
	s.mu.Lock()
	s.pid = 0
	s.stoppedAt = time.Now()
	s.state = StateOffline
	s.mu.Unlock()
}

// setState updates the lifecycle state and broadcasts the transition on the
// status channel.
func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	old := s.state
	s.state = next
	s.mu.Unlock()
	if old == next {
		return
	}
	metrics.RecordStateTransition(old.String(), next.String())
	metrics.SetCurrentState(old.String(), false)
	metrics.SetCurrentState(next.String(), true)
	s.log.Info("worker state", "from", old.String(), "to", next.String())
	s.hub.Broadcast(console.Event{Kind: console.KindStatus, Text: next.String()})
}

func (s *Supervisor) console(line string) {
	s.hub.Append(line)
}

func (s *Supervisor) persistEvent(t history.EventType, detail string) {
	s.mu.RLock()
	sinks := append([]history.Sink(nil), s.historySinks...)
	rec := history.Record{
		State:   s.state.String(),
		PID:     s.pid,
		Version: s.runningVersion,
		Detail:  detail,
	}
	s.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}
	evt := history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}
	for _, h := range sinks {
		_ = h.Send(context.Background(), evt)
	}
}

func exitDetail(err error) string {
	if err == nil {
		return "clean"
	}
	return err.Error()
}
