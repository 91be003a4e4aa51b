// Package activation picks up sockets passed by systemd, so `blogsync serve`
// can run from a .socket unit and start on the first sync request.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// systemd passes descriptors starting after stdin, stdout and stderr.
const firstFD = 3

// Socket is one activated listener and the name its unit gave it.
type Socket struct {
	Name     string
	Listener net.Listener
}

// activationEnv describes the descriptors systemd announced for a process.
type activationEnv struct {
	count int
	names []string
}

// parseEnv reads LISTEN_PID, LISTEN_FDS and LISTEN_FDNAMES. A zero count
// means the process was not socket activated.
func parseEnv(getenv func(string) string, pid int) (activationEnv, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return activationEnv{}, nil
	}
	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return activationEnv{}, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return activationEnv{}, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return activationEnv{}, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return activationEnv{}, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return activationEnv{}, nil
	}

	env := activationEnv{count: count, names: make([]string, count)}
	if raw := getenv("LISTEN_FDNAMES"); raw != "" {
		copy(env.names, strings.Split(raw, ":"))
	}
	return env, nil
}

// Sockets returns every socket systemd activated this process with, or nil
// when it was started directly.
func Sockets() ([]Socket, error) {
	env, err := parseEnv(os.Getenv, os.Getpid())
	if err != nil || env.count == 0 {
		return nil, err
	}

	sockets := make([]Socket, 0, env.count)
	for i := 0; i < env.count; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}
		listener, err := net.FileListener(file)
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		sockets = append(sockets, Socket{Name: env.names[i], Listener: listener})
	}

	// Child processes such as git must not inherit the activation.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return sockets, nil
}

// Listeners returns the activated listeners named name, or all of them
// when name is empty. Unselected sockets are closed.
func Listeners(name string) ([]net.Listener, error) {
	sockets, err := Sockets()
	if err != nil {
		return nil, err
	}
	return selectListeners(sockets, name), nil
}

func selectListeners(sockets []Socket, name string) []net.Listener {
	var out []net.Listener
	for _, s := range sockets {
		if name == "" || s.Name == name {
			out = append(out, s.Listener)
			continue
		}
		_ = s.Listener.Close()
	}
	return out
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Listener.Close()
	}
}
