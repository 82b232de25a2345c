package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/vk/forgeline/internal/ctxlog"
)

// killGrace is how long a signalled process group gets to exit cleanly
// before SIGKILL.
const killGrace = 5 * time.Second

// RunCmd runs a shell command in dir, streaming its output line by line
// through the context logger. The child is placed in its own process
// group so cancellation can signal the whole tree: SIGTERM first, then
// SIGKILL after a grace period.
func (ec *Context) RunCmd(ctx context.Context, dir, command string, env map[string]string) error {
	log := ctxlog.FromContext(ctx)

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("executor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("executor: stderr pipe: %w", err)
	}

	log.Info("Running command", "command", command, "dir", dir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("executor: starting %q: %w", command, err)
	}
	pgid := cmd.Process.Pid

	var readers sync.WaitGroup
	readers.Add(2)
	go streamLines(&readers, stdout, log, slog.LevelInfo)
	go streamLines(&readers, stderr, log, slog.LevelWarn)

	done := make(chan error, 1)
	go func() {
		readers.Wait()
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		log.Warn("Cancellation requested, signalling process group", "pgid", pgid)
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(killGrace):
			log.Warn("Process group did not exit in time, killing", "pgid", pgid)
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			<-done
		}
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("executor: command %q: %w", command, err)
		}
		return nil
	}
}

// streamLines forwards each output line to the logger at the given level.
func streamLines(wg *sync.WaitGroup, r io.Reader, log *slog.Logger, level slog.Level) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Log(context.Background(), level, scanner.Text())
	}
}
