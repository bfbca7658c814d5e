// Package cacheerrors defines the error taxonomy shared by the remote
// client, local CAS, artifact cache and source cache. Each kind is its own
// type (spec.md §9's "give these separate error kinds" open question) rather
// than a single conflated domain enum.
package cacheerrors

import "fmt"

// RemoteNotCompatible is raised when a capability probe fails, the server is
// missing a required service, or push was requested but not permitted.
type RemoteNotCompatible struct {
	Remote string
	Reason string
}

func (e *RemoteNotCompatible) Error() string {
	return fmt.Sprintf("remote %s is not compatible: %s", e.Remote, e.Reason)
}

// BlobNotFound is raised when a batch read or fetch returns NOT_FOUND for a
// given digest hash. It is recoverable: callers may try the next remote or
// accept a partial result.
type BlobNotFound struct {
	Hash string
}

func (e *BlobNotFound) Error() string {
	return fmt.Sprintf("blob not found: %s", e.Hash)
}

// CacheTooFull is raised when the local or remote cache returns
// RESOURCE_EXHAUSTED. On the push path this is non-fatal; on the fetch path
// it is surfaced.
type CacheTooFull struct {
	Remote string
}

func (e *CacheTooFull) Error() string {
	if e.Remote == "" {
		return "cache-too-full"
	}
	return fmt.Sprintf("cache-too-full: %s", e.Remote)
}

// CASError is a generic CAS failure: size mismatch, unexpected gRPC error,
// or proto parse failure.
type CASError struct {
	Op  string
	Err error
}

func (e *CASError) Error() string {
	return fmt.Sprintf("CAS error during %s: %s", e.Op, e.Err)
}

func (e *CASError) Unwrap() error { return e.Err }

// DaemonDied is raised when the daemon's exit is observed during connect or
// mid-session. It is fatal: all in-flight work should be aborted.
type DaemonDied struct {
	ExitCode int
	LogPath  string
}

func (e *DaemonDied) Error() string {
	return fmt.Sprintf("storage daemon died (exit code %d), see log at %s", e.ExitCode, e.LogPath)
}

// DaemonUnsupported is raised when the daemon returns UNIMPLEMENTED, e.g.
// because it is too old to support a given RPC.
type DaemonUnsupported struct {
	RPC string
}

func (e *DaemonUnsupported) Error() string {
	return fmt.Sprintf("storage daemon does not support %s; please upgrade it", e.RPC)
}

// VersionTooOld is raised at startup, before any use, when the daemon binary
// reports a version below the minimum required.
type VersionTooOld struct {
	Got, Want [3]int
}

func (e *VersionTooOld) Error() string {
	return fmt.Sprintf("storage daemon version %v is older than the minimum required %v", e.Got, e.Want)
}

// ArtifactError wraps a failure from the artifact cache, aggregating
// per-remote errors into a single Detail block.
type ArtifactError struct {
	Msg    string
	Detail string
}

func (e *ArtifactError) Error() string {
	if e.Detail == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s:\n%s", e.Msg, e.Detail)
}

// SourceCacheError is the source-cache analogue of ArtifactError.
type SourceCacheError struct {
	Msg    string
	Detail string
}

func (e *SourceCacheError) Error() string {
	if e.Detail == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s:\n%s", e.Msg, e.Detail)
}
