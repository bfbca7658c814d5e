package assetcache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/plz-cas-cache/src/remote"
)

func alwaysOK(context.Context, *remote.Client) error { return nil }

func TestOrderedSpecsDedupesPreservingFirstOccurrence(t *testing.T) {
	cli := &RemoteSpec{URL: "cli:1"}
	overrides := []RemoteSpec{{URL: "a"}, {URL: "b"}}
	config := []RemoteSpec{{URL: "b"}, {URL: "c"}}
	global := []RemoteSpec{{URL: "c"}, {URL: "d"}}

	specs := orderedSpecs(cli, overrides, config, global)
	urls := make([]string, len(specs))
	for i, s := range specs {
		urls[i] = s.URL
	}
	assert.Equal(t, []string{"cli:1", "a", "b", "c", "d"}, urls)
	assert.True(t, specs[0].Push, "the explicit CLI remote is always push-enabled")
}

func TestSetupSkipsSpecOnCheckFailure(t *testing.T) {
	failing := RemoteSpec{URL: "localhost:0", Type: Storage}
	cfg := Config{
		Projects: []ProjectConfig{
			{Project: "proj", Config: []RemoteSpec{failing}},
		},
	}
	var failedSpec RemoteSpec
	var failedErr error
	r := Setup(context.Background(), cfg, alwaysOK, func(spec RemoteSpec, err error) {
		failedSpec = spec
		failedErr = err
	})
	assert.Empty(t, r.StorageRemotes("proj"))
	assert.Equal(t, failing, failedSpec)
	require.Error(t, failedErr)
	assert.False(t, r.HasFetchRemotes())
}

func TestDerivedFlagsRequireBothIndexAndStorage(t *testing.T) {
	indexOnly := RemoteSpec{URL: "localhost:1", Type: Index, Push: true}
	cfg := Config{Projects: []ProjectConfig{{Project: "proj", Config: []RemoteSpec{indexOnly}}}}
	r := Setup(context.Background(), cfg, alwaysOK, nil)
	assert.NotEmpty(t, r.IndexRemotes("proj"))
	assert.Empty(t, r.StorageRemotes("proj"))
	assert.False(t, r.HasFetchRemotes(), "fetch requires both an index and a storage remote")
	assert.False(t, r.HasPushRemotes())
}

func TestSetupDedupesConnectionAcrossProjects(t *testing.T) {
	shared := RemoteSpec{URL: "localhost:1", Type: Index}
	calls := 0
	checker := func(ctx context.Context, c *remote.Client) error {
		calls++
		return nil
	}
	cfg := Config{Projects: []ProjectConfig{
		{Project: "a", Config: []RemoteSpec{shared}},
		{Project: "b", Config: []RemoteSpec{shared}},
	}}
	r := Setup(context.Background(), cfg, checker, nil)
	assert.Equal(t, 1, calls)
	assert.NotEmpty(t, r.IndexRemotes("a"))
	assert.NotEmpty(t, r.IndexRemotes("b"))
}

func TestOnFailureNotCalledWhenNil(t *testing.T) {
	failing := RemoteSpec{URL: "x", Type: Index}
	checker := func(context.Context, *remote.Client) error { return errors.New("boom") }
	cfg := Config{Projects: []ProjectConfig{{Project: "p", Config: []RemoteSpec{failing}}}}
	assert.NotPanics(t, func() {
		Setup(context.Background(), cfg, checker, nil)
	})
}
