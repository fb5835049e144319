package arena_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reploid-dev/reploid/arena"
	"github.com/reploid-dev/reploid/bus"
	"github.com/reploid-dev/reploid/verify"
	"github.com/reploid-dev/reploid/vfs"
)

func TestArenaRanksPassFirstAndClassifiesFailAndError(t *testing.T) {
	b := bus.New()
	fs := vfs.New(vfs.Options{Bus: b})
	pipeline := verify.New(fs, b, verify.Options{})
	h := arena.New(pipeline, b, arena.RankByWallMS)

	timesOut := arena.Competitor{
		Name:     "A",
		Deadline: 20 * time.Millisecond,
		Propose: func(ctx context.Context, objective string, sandbox *vfs.Vfs) (verify.ChangeSet, arena.Usage, error) {
			<-ctx.Done()
			return nil, arena.Usage{}, ctx.Err()
		},
	}
	failsSandbox := arena.Competitor{
		Name: "B",
		Propose: func(ctx context.Context, objective string, sandbox *vfs.Vfs) (verify.ChangeSet, arena.Usage, error) {
			return verify.ChangeSet{"/tools/bad/body.json": verify.ChangeEntry{Content: []byte("eval(x)")}}, arena.Usage{Tokens: 50}, nil
		},
	}
	passes := arena.Competitor{
		Name: "C",
		Propose: func(ctx context.Context, objective string, sandbox *vfs.Vfs) (verify.ChangeSet, arena.Usage, error) {
			time.Sleep(5 * time.Millisecond)
			return verify.ChangeSet{"/tools/Add/body.json": verify.ChangeEntry{Content: []byte(`{"op":"const","value":1}`)}}, arena.Usage{Tokens: 100}, nil
		},
	}

	outcome := h.Run(context.Background(), "create Add tool", fs, []arena.Competitor{timesOut, failsSandbox, passes}, verify.WriteCapability{})

	require.NotNil(t, outcome.Winner)
	assert.Equal(t, "C", outcome.Winner.Competitor)
	assert.Equal(t, arena.StatusPass, outcome.Ranked[0].Status)
	assert.Equal(t, "C", outcome.Ranked[0].Competitor)

	statuses := map[string]arena.Status{}
	for _, r := range outcome.Ranked {
		statuses[r.Competitor] = r.Status
	}
	assert.Equal(t, arena.StatusError, statuses["A"])
	assert.Equal(t, arena.StatusFail, statuses["B"])
	assert.Equal(t, arena.StatusPass, statuses["C"])
}

func TestArenaNeverTouchesLiveVFS(t *testing.T) {
	b := bus.New()
	fs := vfs.New(vfs.Options{Bus: b})
	pipeline := verify.New(fs, b, verify.Options{})
	h := arena.New(pipeline, b, arena.RankByWallMS)
	before := fs.ExportAll()

	competitor := arena.Competitor{
		Name: "only",
		Propose: func(ctx context.Context, objective string, sandbox *vfs.Vfs) (verify.ChangeSet, arena.Usage, error) {
			return verify.ChangeSet{"/tools/Add/body.json": verify.ChangeEntry{Content: []byte(`{}`)}}, arena.Usage{}, nil
		},
	}
	h.Run(context.Background(), "objective", fs, []arena.Competitor{competitor}, verify.WriteCapability{})

	assert.Equal(t, before, fs.ExportAll())
}

func TestArenaNoWinnerWhenAllFail(t *testing.T) {
	b := bus.New()
	fs := vfs.New(vfs.Options{Bus: b})
	pipeline := verify.New(fs, b, verify.Options{})
	h := arena.New(pipeline, b, arena.RankByWallMS)

	competitor := arena.Competitor{
		Name: "only",
		Propose: func(ctx context.Context, objective string, sandbox *vfs.Vfs) (verify.ChangeSet, arena.Usage, error) {
			return verify.ChangeSet{"/x": verify.ChangeEntry{Content: []byte("eval(x)")}}, arena.Usage{}, nil
		},
	}
	outcome := h.Run(context.Background(), "objective", fs, []arena.Competitor{competitor}, verify.WriteCapability{})
	assert.Nil(t, outcome.Winner)
}
