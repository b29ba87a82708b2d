package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rshade/flowbatch/internal/executor/wire"
	"github.com/rshade/flowbatch/internal/logging"
)

const (
	executorBindTimeout = 60 * time.Second
	bindCheckInterval   = 100 * time.Millisecond
	dialTimeout         = 100 * time.Millisecond
	processWaitDelay    = 100 * time.Millisecond

	maxPortRetries    = 5
	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 2 * time.Second
	backoffMultiplier = 2
)

// EnvExecutorPort carries the assigned port to the executor process next
// to the --port flag.
const EnvExecutorPort = "FLOWBATCH_EXECUTOR_PORT"

// ErrProcessExited is returned when the executor process exits while the
// launcher is still waiting for it.
var ErrProcessExited = errors.New("executor process exited")

// Handle is a running executor.
type Handle struct {
	Conn *grpc.ClientConn
	// Close closes the connection and terminates the process.
	Close func() error
	// Done is closed when the process exits. Nil when there is no process.
	Done <-chan struct{}
}

// Launcher starts executor processes.
type Launcher interface {
	Start(ctx context.Context, command string, args ...string) (*Handle, error)
}

// ProcessLauncher starts the executor as a child process listening on a
// local TCP port.
type ProcessLauncher struct {
	bindTimeout time.Duration
	maxRetries  int
}

// NewProcessLauncher returns a launcher with default timeouts.
func NewProcessLauncher() *ProcessLauncher {
	return &ProcessLauncher{bindTimeout: executorBindTimeout, maxRetries: maxPortRetries}
}

// Start launches command and retries with backoff when the assigned port
// was taken before the executor could bind it.
func (p *ProcessLauncher) Start(ctx context.Context, command string, args ...string) (*Handle, error) {
	log := logging.FromContext(ctx)
	var lastErr error
	backoff := initialBackoff

	for attempt := range p.maxRetries {
		if attempt > 0 {
			log.Debug().
				Ctx(ctx).
				Str("component", "executor").
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("retrying executor launch after port collision")
			time.Sleep(backoff)
			backoff = min(backoff*backoffMultiplier, maxBackoff)
		}

		h, err := p.startOnce(ctx, command, args...)
		if err == nil {
			return h, nil
		}
		if !isPortCollisionError(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", p.maxRetries, lastErr)
}

func (p *ProcessLauncher) startOnce(ctx context.Context, command string, args ...string) (*Handle, error) {
	log := logging.FromContext(ctx)

	port, err := reservePort(ctx)
	if err != nil {
		return nil, err
	}

	//nolint:gosec // command comes from the flow or the running binary
	cmd := exec.Command(command, append(args, fmt.Sprintf("--port=%d", port))...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", EnvExecutorPort, port))
	var out io.Writer = os.Stderr
	if w := logging.ExecutorLogWriterFromContext(ctx); w != nil {
		out = w
	}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = processWaitDelay

	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting executor: %w", err)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	log.Debug().
		Ctx(ctx).
		Str("component", "executor").
		Str("command", command).
		Int("pid", cmd.Process.Pid).
		Int("port", port).
		Msg("executor process started")

	kill := func() {
		_ = cmd.Process.Kill()
		<-done
	}

	if err = p.waitForBind(ctx, port, done); err != nil {
		kill()
		return nil, fmt.Errorf("executor did not bind port %d: %w", port, err)
	}

	conn, err := grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", port),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(wire.ClientInterceptor()))
	if err != nil {
		kill()
		return nil, fmt.Errorf("connecting to executor: %w", err)
	}

	log.Info().
		Ctx(ctx).
		Str("component", "executor").
		Int("port", port).
		Int("pid", cmd.Process.Pid).
		Msg("executor connected")

	var once sync.Once
	var closeErr error
	closeFn := func() error {
		once.Do(func() {
			if err := conn.Close(); err != nil {
				closeErr = fmt.Errorf("closing connection: %w", err)
			}
			kill()
			log.Debug().
				Ctx(ctx).
				Str("component", "executor").
				Int("pid", cmd.Process.Pid).
				Msg("executor process terminated")
		})
		return closeErr
	}
	return &Handle{Conn: conn, Close: closeFn, Done: done}, nil
}

// reservePort picks a free local port. The listener is closed right away so
// the executor can bind it; a collision in that window is retried by Start.
func reservePort(ctx context.Context) (int, error) {
	lc := &net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("creating listener: %w", err)
	}
	defer func() { _ = listener.Close() }()

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.New("listener is not TCP address")
	}
	return tcpAddr.Port, nil
}

// waitForBind polls until something accepts on port, the process exits, or
// the bind timeout passes.
func (p *ProcessLauncher) waitForBind(ctx context.Context, port int, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, p.bindTimeout)
	defer cancel()

	ticker := time.NewTicker(bindCheckInterval)
	defer ticker.Stop()

	address := fmt.Sprintf("127.0.0.1:%d", port)
	dialer := &net.Dialer{Timeout: dialTimeout}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for executor to bind: %w", ctx.Err())
		case <-exited:
			return ErrProcessExited
		case <-ticker.C:
			conn, err := dialer.DialContext(ctx, "tcp", address)
			if err == nil {
				_ = conn.Close()
				return nil
			}
		}
	}
}

// isPortCollisionError reports whether err means the port was already in use.
func isPortCollisionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "address already in use") ||
		strings.Contains(errStr, "port is already allocated")
}
