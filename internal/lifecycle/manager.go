package lifecycle

import (
	"os"
	"os/exec"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
	"golang.org/x/sync/errgroup"
)

const DefaultGracePeriod = 5 * time.Second

// CommandCreator builds the worker command. Tests swap it for a helper
// process.
type CommandCreator func(name string, args ...string) *exec.Cmd

func defaultCommandCreator(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

type ManagedAgent struct {
	ID        string
	Name      string
	PID       int
	StartedAt time.Time

	cmd  *exec.Cmd
	done chan struct{}
}

// Alive reports whether the worker process is still running. Agents whose
// launch failed are never alive.
func (a *ManagedAgent) Alive() bool {
	if a.done == nil {
		return false
	}
	select {
	case <-a.done:
		return false
	default:
		return true
	}
}

type Config struct {
	// Binary is the executable started for each worker. Defaults to the
	// running executable.
	Binary string
	// ExtraArgs are appended after the identity flags, e.g. --db and --redis.
	ExtraArgs   []string
	GracePeriod time.Duration
}

type Manager struct {
	mu             sync.Mutex
	agents         map[string]*ManagedAgent
	cfg            Config
	commandCreator CommandCreator
	logger         *zap.Logger
}

func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Binary == "" {
		if exe, err := os.Executable(); err == nil {
			cfg.Binary = exe
		} else {
			cfg.Binary = os.Args[0]
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		agents:         make(map[string]*ManagedAgent),
		cfg:            cfg,
		commandCreator: defaultCommandCreator,
		logger:         logger.With(zap.String("component", "lifecycle")),
	}
}

func (m *Manager) SetCommandCreator(cc CommandCreator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commandCreator = cc
}

// Spawn starts a worker running the agent entry point. A launch failure is
// logged and yields a tracked agent with no PID. Spawning an id whose worker
// is still running returns that worker instead of starting a second one.
func (m *Manager) Spawn(name, agentID string) *ManagedAgent {
	if agentID == "" {
		agentID = uuid.NewString()
	}
	args := append([]string{"agent", "--agent-id", agentID, "--name", name}, m.cfg.ExtraArgs...)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.agents[agentID]; ok && existing.Alive() {
		m.logger.Info("agent already running",
			zap.String("agent_id", agentID),
			zap.Int("pid", existing.PID),
		)
		return existing
	}

	agent := &ManagedAgent{ID: agentID, Name: name, StartedAt: time.Now().UTC()}
	m.agents[agentID] = agent

	log := m.logger.With(zap.String("agent_id", agentID), zap.String("name", name))
	stdout := &zapio.Writer{Log: log.With(zap.String("stream", "stdout")), Level: zap.InfoLevel}
	stderr := &zapio.Writer{Log: log.With(zap.String("stream", "stderr")), Level: zap.WarnLevel}

	cmd := m.commandCreator(m.cfg.Binary, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = m.cfg.GracePeriod
	if err := cmd.Start(); err != nil {
		log.Error("spawn agent failed", zap.String("binary", m.cfg.Binary), zap.Error(err))
		return agent
	}

	agent.cmd = cmd
	agent.PID = cmd.Process.Pid
	agent.done = make(chan struct{})
	go func() {
		err := cmd.Wait()
		_ = stdout.Close()
		_ = stderr.Close()
		close(agent.done)
		log.Info("agent process exited", zap.Int("pid", agent.PID), zap.Error(err))
	}()

	log.Info("agent spawned", zap.Int("pid", agent.PID))
	return agent
}

// Stop asks the worker to exit, kills it after the grace period and always
// forgets it. It reports false only for unknown ids.
func (m *Manager) Stop(agentID string) bool {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	delete(m.agents, agentID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	if agent.cmd == nil || agent.cmd.Process == nil {
		return true
	}

	log := m.logger.With(zap.String("agent_id", agentID), zap.Int("pid", agent.PID))
	if err := terminate(agent.cmd.Process); err != nil && agent.Alive() {
		log.Warn("terminate agent failed", zap.Error(err))
	}

	timer := time.NewTimer(m.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-agent.done:
		log.Info("agent stopped")
		return true
	case <-timer.C:
	}

	log.Warn("agent ignored terminate, killing", zap.Duration("grace", m.cfg.GracePeriod))
	if err := agent.cmd.Process.Kill(); err != nil && agent.Alive() {
		log.Error("kill agent failed", zap.Error(err))
	}
	<-agent.done
	return true
}

// StopAll stops every tracked agent concurrently and returns how many were
// stopped.
func (m *Manager) StopAll() int {
	ids := make([]string, 0)
	m.mu.Lock()
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var mu sync.Mutex
	stopped := 0
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if m.Stop(id) {
				mu.Lock()
				stopped++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return stopped
}

func (m *Manager) Get(agentID string) (*ManagedAgent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	return a, ok
}

// List returns tracked agents oldest first.
func (m *Manager) List() []*ManagedAgent {
	m.mu.Lock()
	out := make([]*ManagedAgent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agents)
}

func terminate(p *os.Process) error {
	if runtime.GOOS == "windows" {
		return p.Kill()
	}
	return p.Signal(syscall.SIGTERM)
}
