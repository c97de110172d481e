package oauth

import (
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"jihu_proxy/internal/utils"
)

// CommandReauthorizer launches a detached re-authorization command. The
// outcome of the command is only logged.
type CommandReauthorizer struct {
	argv     []string
	cooldown time.Duration
	enabled  bool
	logger   *utils.Logger

	mu         sync.Mutex
	lastLaunch time.Time
	now        func() time.Time
	start      func(argv []string) (*exec.Cmd, error)
	launches   sync.WaitGroup
}

// ReauthConfig configures CommandReauthorizer.
type ReauthConfig struct {
	Enabled  bool
	Command  string        // whitespace-separated argv; empty means DefaultReauthCommand()
	Cooldown time.Duration // minimum gap between launches
}

// DefaultReauthCommand re-runs this binary's oauth-setup command and opens
// the browser.
func DefaultReauthCommand() []string {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	return []string{self, "oauth-setup", "--open"}
}

func NewCommandReauthorizer(cfg ReauthConfig) *CommandReauthorizer {
	argv := strings.Fields(cfg.Command)
	if len(argv) == 0 {
		argv = DefaultReauthCommand()
	}
	return &CommandReauthorizer{
		argv:     argv,
		cooldown: cfg.Cooldown,
		enabled:  cfg.Enabled,
		logger:   utils.NewLogger("reauth"),
		now:      time.Now,
		start:    startDetached,
	}
}

// Trigger launches the command unless one was launched within the cooldown.
// The launch runs on its own goroutine; Trigger never waits for it.
func (r *CommandReauthorizer) Trigger() {
	if !r.enabled {
		r.logger.Warn("re-authorization needed; automatic launch is disabled, run jihu-proxy oauth-setup")
		return
	}

	r.mu.Lock()
	now := r.now()
	if !r.lastLaunch.IsZero() && now.Sub(r.lastLaunch) < r.cooldown {
		r.mu.Unlock()
		r.logger.Debug("re-authorization launched recently, skipping")
		return
	}
	r.lastLaunch = now
	r.mu.Unlock()

	r.launches.Add(1)
	go func() {
		defer r.launches.Done()
		r.launch()
	}()
}

func (r *CommandReauthorizer) launch() {
	command := strings.Join(r.argv, " ")
	cmd, err := r.start(r.argv)
	if err != nil {
		r.logger.Error("failed to launch re-authorization", "command", command, "err", err)
		return
	}
	r.logger.Info("re-authorization launched", "command", command)

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Wait(); err != nil {
			r.logger.Warn("re-authorization command exited with error", "err", err)
		}
	}
}

func startDetached(argv []string) (*exec.Cmd, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}
