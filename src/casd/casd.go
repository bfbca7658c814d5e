// Package casd supervises the out-of-process storage daemon: spawning it,
// checking its version, owning its socket and log file, and tearing it down
// cleanly. It is the Go analogue of BuildStream's CASDProcessManager.
package casd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/thought-machine/plz-cas-cache/src/cacheerrors"
	"github.com/thought-machine/plz-cas-cache/src/cli/logging"
	"github.com/thought-machine/plz-cas-cache/src/process"
)

var log = logging.Log

// MaxLogFiles is the number of rotated casd log files retained per cache root.
const MaxLogFiles = 10

// RequiredVersion is the minimum (major, minor, micro) casd version accepted.
var RequiredVersion = [3]int{0, 0, 58}

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)

// RemoteCacheSpec configures the daemon's own upstream CAS remote, passed
// through verbatim to its --cas-remote family of flags.
type RemoteCacheSpec struct {
	URL             string
	InstanceName    string
	ServerCertFile  string
	ClientKeyFile   string
	ClientCertFile  string
}

// Config describes how to start the daemon.
type Config struct {
	// BinaryName is the executable looked up on PATH, e.g. "buildbox-casd".
	BinaryName string
	// ExtraSearchDirs are searched before PATH (e.g. a bundled subprojects dir).
	ExtraSearchDirs []string
	CacheRoot       string
	LogDir          string
	LogLevel        string // "warning", "info", "trace"
	CacheQuotaBytes int64  // 0 means unbounded
	ProtectSessionBlobs bool
	RemoteCache     *RemoteCacheSpec
}

// Supervisor owns a running daemon subprocess.
type Supervisor struct {
	cmd            *exec.Cmd
	executor       *process.Executor
	socketDir      string
	socketPath     string
	logPath        string
	startTime      time.Time
	died           chan struct{}
	exitCode       int
}

// Start resolves the daemon binary, version-checks it, spawns it, and
// returns a Supervisor owning it.
func Start(cfg Config) (*Supervisor, error) {
	binary, err := resolveBinary(cfg.BinaryName, cfg.ExtraSearchDirs)
	if err != nil {
		return nil, &cacheerrors.CASError{Op: "resolve daemon binary", Err: err}
	}
	if err := checkVersion(binary); err != nil {
		return nil, err
	}

	socketDir, socketPath, err := makeSocketPath(cfg.CacheRoot)
	if err != nil {
		return nil, &cacheerrors.CASError{Op: "create socket directory", Err: err}
	}

	logPath, err := rotateAndNextLogFile(cfg.LogDir)
	if err != nil {
		os.RemoveAll(socketDir)
		return nil, &cacheerrors.CASError{Op: "prepare log file", Err: err}
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		os.RemoveAll(socketDir)
		return nil, &cacheerrors.CASError{Op: "create log file", Err: err}
	}

	executor := process.New()
	cmd := executor.Command(binary, daemonArgs(cfg, socketPath)...)
	cmd.Dir = cfg.CacheRoot
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := executor.Start(cmd); err != nil {
		logFile.Close()
		os.RemoveAll(socketDir)
		return nil, &cacheerrors.CASError{Op: "spawn daemon", Err: err}
	}

	s := &Supervisor{
		cmd:        cmd,
		executor:   executor,
		socketDir:  socketDir,
		socketPath: socketPath,
		logPath:    logPath,
		startTime:  time.Now(),
		died:       make(chan struct{}),
		exitCode:   -1,
	}
	go s.monitor(executor, logFile)
	return s, nil
}

// monitor waits for the subprocess to exit and records its exit code,
// closing died so anyone polling readiness or health can observe it.
func (s *Supervisor) monitor(executor *process.Executor, logFile *os.File) {
	err := executor.Wait(s.cmd)
	logFile.Close()
	s.exitCode = process.ExitCode(s.cmd)
	close(s.died)
	if err != nil {
		log.Debug("Storage daemon exited: %s", err)
	}
}

// SocketPath returns the UNIX socket the daemon listens on.
func (s *Supervisor) SocketPath() string { return s.socketPath }

// LogPath returns the path to the daemon's current log file.
func (s *Supervisor) LogPath() string { return s.logPath }

// Pid returns the daemon process's pid.
func (s *Supervisor) Pid() int {
	if s.cmd.Process == nil {
		return -1
	}
	return s.cmd.Process.Pid
}

// Died returns a channel that is closed once the daemon has exited, for any
// reason (including a call to Terminate).
func (s *Supervisor) Died() <-chan struct{} { return s.died }

// ExitCode returns the daemon's exit code; only meaningful once Died is closed.
func (s *Supervisor) ExitCode() int { return s.exitCode }

// DiedUnexpectedly reports whether the daemon has already exited.
func (s *Supervisor) DiedUnexpectedly() bool {
	select {
	case <-s.died:
		return true
	default:
		return false
	}
}

// Terminate sends the daemon a polite signal, escalating to a kill if it
// doesn't exit within the grace period, and always removes the socket
// directory tree afterwards.
func (s *Supervisor) Terminate() error {
	defer os.RemoveAll(s.socketDir)

	select {
	case <-s.died:
		log.Warning("Storage daemon died during the run (exit code %d); see log at %s", s.exitCode, s.logPath)
		return nil
	default:
	}

	exitedGracefully := s.executor.Terminate(s.cmd, 500*time.Millisecond, 15*time.Second)
	<-s.died
	if !exitedGracefully {
		log.Warning("Storage daemon didn't exit in time and had to be killed")
	} else if s.exitCode != 0 {
		log.Warning("Storage daemon didn't exit cleanly (exit code %d); see log at %s", s.exitCode, s.logPath)
	}
	return nil
}

func daemonArgs(cfg Config, socketPath string) []string {
	args := []string{
		"--bind=unix:" + socketPath,
		"--log-level=" + cfg.LogLevel,
	}
	if cfg.CacheQuotaBytes > 0 {
		args = append(args, fmt.Sprintf("--quota-high=%d", cfg.CacheQuotaBytes))
		args = append(args, fmt.Sprintf("--quota-low=%d", cfg.CacheQuotaBytes/2))
	}
	if cfg.ProtectSessionBlobs {
		args = append(args, "--protect-session-blobs")
	}
	if r := cfg.RemoteCache; r != nil {
		args = append(args, "--cas-remote="+r.URL)
		if r.InstanceName != "" {
			args = append(args, "--cas-instance="+r.InstanceName)
		}
		if r.ServerCertFile != "" {
			args = append(args, "--cas-server-cert="+r.ServerCertFile)
		}
		if r.ClientKeyFile != "" {
			args = append(args, "--cas-client-key="+r.ClientKeyFile)
			args = append(args, "--cas-client-cert="+r.ClientCertFile)
		}
	}
	return append(args, cfg.CacheRoot)
}

// resolveBinary looks for name in the extra search directories first, then
// falls back to PATH.
func resolveBinary(name string, extraDirs []string) (string, error) {
	for _, dir := range extraDirs {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return exec.LookPath(name)
}

// checkVersion runs `<binary> --version /` and rejects versions below
// RequiredVersion. An unparseable version string is a warning, not an error,
// matching the tolerant behaviour of older daemon builds.
func checkVersion(binary string) error {
	out, err := exec.Command(binary, "--version", "/").CombinedOutput()
	if err != nil {
		return &cacheerrors.CASError{Op: "check daemon version", Err: err}
	}
	m := versionRe.FindStringSubmatch(string(out))
	if m == nil {
		log.Warning("Unable to determine storage daemon version; it reported: %s", out)
		return nil
	}
	got := [3]int{atoi(m[1]), atoi(m[2]), atoi(m[3])}
	if versionLess(got, RequiredVersion) {
		return &cacheerrors.VersionTooOld{Got: got, Want: RequiredVersion}
	}
	return nil
}

func versionLess(a, b [3]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// makeSocketPath creates a private temp directory containing a symlink to
// cacheRoot, so a possibly-setuid daemon can reach the cache through a
// world-executable path without exposing the rest of the filesystem.
func makeSocketPath(cacheRoot string) (tempDir, socketPath string, err error) {
	tempDir, err = os.MkdirTemp("", "plz-cas-cache")
	if err != nil {
		return "", "", err
	}
	if err := os.Chmod(tempDir, 0755); err != nil {
		return "", "", err
	}
	casLink := filepath.Join(tempDir, "cas")
	if err := os.Symlink(cacheRoot, casLink); err != nil {
		return "", "", err
	}
	suffix := uuid.NewString()
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	socketPath = filepath.Join(casLink, fmt.Sprintf("casserver-%s.sock", suffix))
	return tempDir, socketPath, nil
}

// rotateAndNextLogFile removes the oldest logs in logDir until fewer than
// MaxLogFiles remain, then returns the path for a fresh one.
func rotateAndNextLogFile(logDir string) (string, error) {
	entries, err := os.ReadDir(logDir)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(logDir, 0775); mkErr != nil {
			return "", mkErr
		}
		entries = nil
	} else if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for len(names) >= MaxLogFiles {
		oldest := names[0]
		names = names[1:]
		os.Remove(filepath.Join(logDir, oldest))
	}
	return filepath.Join(logDir, fmt.Sprintf("%d.log", time.Now().UnixNano())), nil
}
