// Package assetcache implements the Asset Cache Core: it parses configured
// remote specs, instantiates per-project index and storage remote pairs,
// deduplicates identical specs, and preflights each one before it is handed
// to the artifact or source cache. It is shared by both: neither knows how
// a RemoteSpec became a live *remote.Client.
package assetcache

import (
	"context"

	"github.com/thought-machine/plz-cas-cache/src/cli/logging"
	"github.com/thought-machine/plz-cas-cache/src/cmap"
	"github.com/thought-machine/plz-cas-cache/src/remote"
)

var log = logging.Log

// RemoteType selects which remote objects a RemoteSpec instantiates.
type RemoteType int

const (
	// Index instantiates only an index remote (artifact or remote-asset,
	// depending on the caller's IndexChecker).
	Index RemoteType = iota
	// Storage instantiates only a CAS remote.
	Storage
	// All instantiates both an index and a storage remote from one spec.
	All
)

// RemoteSpec describes one configured remote cache, before any connection is
// attempted. It is a plain comparable struct so two specs are equal (and
// therefore deduplicated) by their complete tuple of fields, per spec.
type RemoteSpec struct {
	URL            string
	Push           bool
	InstanceName   string
	ServerCertFile string
	ClientCertFile string
	ClientKeyFile  string
	Type           RemoteType
}

func (s RemoteSpec) toClientSpec() remote.Spec {
	return remote.Spec{
		URL:            s.URL,
		Push:           s.Push,
		InstanceName:   s.InstanceName,
		ServerCertFile: s.ServerCertFile,
		ClientCertFile: s.ClientCertFile,
		ClientKeyFile:  s.ClientKeyFile,
	}
}

// IndexChecker probes an index remote's specific protocol:
// CheckArtifactService for the artifact cache, CheckAssetService for the
// source cache. Setup hands it a client on which Init has not been called;
// both of those checkers call Init themselves. Returning an error fails the
// whole spec.
type IndexChecker func(ctx context.Context, c *remote.Client) error

// OnFailure is invoked once per spec that fails its check, in place of a
// panic or a fatal error: setup continues with the remaining specs.
type OnFailure func(spec RemoteSpec, err error)

// ProjectConfig is one project's remote configuration: spec.md's
// per-project overrides and per-project config, kept as two separate lists
// since they participate in ordering before the global list.
type ProjectConfig struct {
	Project   string
	Overrides []RemoteSpec
	Config    []RemoteSpec
}

// Config is everything Setup needs: the optional explicit command-line
// remote (always push-enabled, applies to every project), the global
// config list, and each project's own lists.
type Config struct {
	CLIRemote *RemoteSpec
	Global    []RemoteSpec
	Projects  []ProjectConfig
}

type instantiated struct {
	index   *remote.Client
	storage *remote.Client
}

// Remotes holds the setup outcome: per-project, insertion-order-preserved
// lists of the remotes that passed their check, plus the derived flags.
// Built once by Setup and read-only thereafter (per spec.md §5's
// shared-resource policy).
type Remotes struct {
	index   *cmap.Map[string, []*remote.Client]
	storage *cmap.Map[string, []*remote.Client]

	anyIndex, anyStorage         bool
	anyIndexPush, anyStoragePush bool
}

// Setup runs the full §4.8 setup flow: collect, dedup, instantiate+check,
// assign per-project lists. Specs identical across projects are connected
// and checked only once.
func Setup(ctx context.Context, cfg Config, indexChecker IndexChecker, onFailure OnFailure) *Remotes {
	r := &Remotes{
		index:   cmap.New[string, []*remote.Client](cmap.DefaultShardCount, cmap.XXHash),
		storage: cmap.New[string, []*remote.Client](cmap.DefaultShardCount, cmap.XXHash),
	}
	connected := map[RemoteSpec]*instantiated{}
	get := func(spec RemoteSpec) *instantiated {
		if inst, ok := connected[spec]; ok {
			return inst
		}
		inst := instantiate(ctx, spec, indexChecker, onFailure)
		connected[spec] = inst
		return inst
	}

	for _, proj := range cfg.Projects {
		specs := orderedSpecs(cfg.CLIRemote, proj.Overrides, proj.Config, cfg.Global)
		var idx, stor []*remote.Client
		for _, spec := range specs {
			inst := get(spec)
			if inst == nil {
				continue
			}
			if inst.index != nil {
				idx = append(idx, inst.index)
				r.anyIndex = true
				if spec.Push {
					r.anyIndexPush = true
				}
			}
			if inst.storage != nil {
				stor = append(stor, inst.storage)
				r.anyStorage = true
				if spec.Push {
					r.anyStoragePush = true
				}
			}
		}
		r.index.Set(proj.Project, idx)
		r.storage.Set(proj.Project, stor)
	}
	return r
}

func instantiate(ctx context.Context, spec RemoteSpec, indexChecker IndexChecker, onFailure OnFailure) *instantiated {
	var inst instantiated
	var firstErr error

	if spec.Type == Index || spec.Type == All {
		c := remote.New(spec.toClientSpec())
		if err := indexChecker(ctx, c); err != nil {
			firstErr = err
		} else {
			inst.index = c
		}
	}
	if spec.Type == Storage || spec.Type == All {
		c := remote.New(spec.toClientSpec())
		if err := c.Init(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			inst.storage = c
		}
	}
	if firstErr != nil {
		log.Warning("remote %s failed preflight: %s", spec.URL, firstErr)
		if onFailure != nil {
			onFailure(spec, firstErr)
		}
		return nil
	}
	return &inst
}

// orderedSpecs builds the flat, deduplicated spec list for one project:
// explicit CLI remote, then per-project overrides, then per-project config,
// then global config, preserving first occurrence per spec.md §4.8 step 1.
func orderedSpecs(cli *RemoteSpec, lists ...[]RemoteSpec) []RemoteSpec {
	var all []RemoteSpec
	if cli != nil {
		c := *cli
		c.Push = true
		all = append(all, c)
	}
	for _, l := range lists {
		all = append(all, l...)
	}
	seen := make(map[RemoteSpec]bool, len(all))
	out := make([]RemoteSpec, 0, len(all))
	for _, s := range all {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// IndexRemotes returns project's index remotes in priority order.
func (r *Remotes) IndexRemotes(project string) []*remote.Client {
	return r.index.Get(project)
}

// StorageRemotes returns project's storage remotes in priority order.
func (r *Remotes) StorageRemotes(project string) []*remote.Client {
	return r.storage.Get(project)
}

// HasFetchRemotes reports whether at least one storage remote and at least
// one index remote are configured, across all projects.
func (r *Remotes) HasFetchRemotes() bool {
	return r.anyStorage && r.anyIndex
}

// HasPushRemotes reports whether at least one push-enabled storage remote
// and at least one push-enabled index remote are configured.
func (r *Remotes) HasPushRemotes() bool {
	return r.anyStoragePush && r.anyIndexPush
}
