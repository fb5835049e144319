package verify_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reploid-dev/reploid/bus"
	"github.com/reploid-dev/reploid/verify"
	"github.com/reploid-dev/reploid/vfs"
)

func newPipeline(t *testing.T, opts verify.Options) (*verify.Pipeline, *vfs.Vfs) {
	t.Helper()
	b := bus.New()
	fs := vfs.New(vfs.Options{Bus: b})
	return verify.New(fs, b, opts), fs
}

func TestRunPassesNonCoreChange(t *testing.T) {
	p, fs := newPipeline(t, verify.Options{})
	changes := verify.ChangeSet{
		"/tools/Add/body.json": verify.ChangeEntry{Content: []byte(`{"op":"const","value":1}`)},
	}
	res, err := p.Run(context.Background(), changes, verify.WriteCapability{})
	require.NoError(t, err)
	assert.Equal(t, verify.StatusPass, res.Status)
	assert.False(t, res.Gated)

	_, err = fs.Read("/tools/Add/body.json")
	assert.NoError(t, err)
}

func TestRunGatesCoreChange(t *testing.T) {
	p, fs := newPipeline(t, verify.Options{})
	changes := verify.ChangeSet{
		"/core/agent-loop.go": verify.ChangeEntry{Content: []byte("package core")},
	}
	res, err := p.Run(context.Background(), changes, verify.WriteCapability{})
	require.NoError(t, err)
	assert.True(t, res.Gated)
	assert.Equal(t, verify.StatusPass, res.Status)

	_, err = fs.Read("/core/agent-loop.go")
	assert.Error(t, err, "gated change must not touch the live VFS until Apply")
}

func TestApplyCommitsGatedChange(t *testing.T) {
	p, fs := newPipeline(t, verify.Options{})
	changes := verify.ChangeSet{
		"/core/agent-loop.go": verify.ChangeEntry{Content: []byte("package core")},
	}
	_, err := p.Run(context.Background(), changes, verify.WriteCapability{})
	require.NoError(t, err)

	require.NoError(t, p.Apply(context.Background(), changes))
	content, err := fs.Read("/core/agent-loop.go")
	require.NoError(t, err)
	assert.Equal(t, "package core", string(content))
}

func TestStaticScreenRejectsDenyPattern(t *testing.T) {
	p, fs := newPipeline(t, verify.Options{})
	changes := verify.ChangeSet{
		"/tools/evil/body.json": verify.ChangeEntry{Content: []byte("eval(userInput)")},
	}
	res, err := p.Run(context.Background(), changes, verify.WriteCapability{})
	require.NoError(t, err)
	assert.Equal(t, verify.StatusFail, res.Status)
	assert.Equal(t, "static", res.Stage)

	_, err = fs.Read("/tools/evil/body.json")
	assert.Error(t, err)
}

func TestStaticScreenRejectsOutsideCapabilityPrefix(t *testing.T) {
	p, _ := newPipeline(t, verify.Options{})
	changes := verify.ChangeSet{
		"/memory/knowledge/fact.json": verify.ChangeEntry{Content: []byte("{}")},
	}
	res, err := p.Run(context.Background(), changes, verify.WriteCapability{PrefixSet: []string{"/tools/"}})
	require.NoError(t, err)
	assert.Equal(t, verify.StatusFail, res.Status)
	assert.Equal(t, "static", res.Stage)
}

func TestSandboxFailureLeavesLiveVFSUntouched(t *testing.T) {
	smokeErr := assert.AnError
	p, fs := newPipeline(t, verify.Options{
		SmokeTests: []verify.SmokeTest{
			func(ctx context.Context, sandbox *vfs.Vfs) error { return smokeErr },
		},
	})
	changes := verify.ChangeSet{
		"/tools/Add/body.json": verify.ChangeEntry{Content: []byte(`{"op":"const","value":1}`)},
	}
	res, err := p.Run(context.Background(), changes, verify.WriteCapability{})
	require.NoError(t, err)
	assert.Equal(t, verify.StatusFail, res.Status)
	assert.Equal(t, "sandbox", res.Stage)

	_, err = fs.Read("/tools/Add/body.json")
	assert.Error(t, err)
}

func TestEmptyChangeSetIsNoopSuccess(t *testing.T) {
	p, fs := newPipeline(t, verify.Options{})
	before := fs.ExportAll()
	res, err := p.Run(context.Background(), verify.ChangeSet{}, verify.WriteCapability{})
	require.NoError(t, err)
	assert.Equal(t, verify.StatusPass, res.Status)
	assert.Equal(t, before, fs.ExportAll())
}
