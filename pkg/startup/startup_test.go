package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var silent = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

type fakeDependency struct {
	name      string
	dependsOn []string
	failures  int
	log       *[]string
}

func (d *fakeDependency) GetName() string     { return d.name }
func (d *fakeDependency) DependsOn() []string { return d.dependsOn }

func (d *fakeDependency) Start(context.Context) error {
	if d.failures > 0 {
		d.failures--
		return errors.New("connection refused")
	}
	*d.log = append(*d.log, "start "+d.name)
	return nil
}

func (d *fakeDependency) Stop(context.Context) error {
	*d.log = append(*d.log, "stop "+d.name)
	return nil
}

func newStartup(attempts int) *Startup {
	s := NewStartup[struct{}](silent, attempts)
	s.unit = time.Millisecond
	return s
}

func TestStartup(t *testing.T) {
	ctx := context.Background()

	t.Run("starts parents first and stops in reverse", func(t *testing.T) {
		var log []string
		s := newStartup(1)
		s.AddDependency(&fakeDependency{name: "runner", dependsOn: []string{"postgres", "redis"}, log: &log})
		s.AddDependency(&fakeDependency{name: "redis", log: &log})
		s.AddDependency(&fakeDependency{name: "postgres", log: &log})

		require.NoError(t, s.Start(ctx))
		assert.Equal(t, []string{"start postgres", "start redis", "start runner"}, log)
		assert.Equal(t, StartupStatusStarted, s.Status("runner"))

		log = nil
		require.NoError(t, s.Stop(ctx))
		assert.Equal(t, []string{"stop runner", "stop redis", "stop postgres"}, log)
		assert.Equal(t, StartupStatusStopped, s.Status("postgres"))
	})

	t.Run("retries until the dependency comes up", func(t *testing.T) {
		var log []string
		s := newStartup(3)
		s.AddDependency(&fakeDependency{name: "postgres", failures: 2, log: &log})

		require.NoError(t, s.Start(ctx))
		assert.Equal(t, []string{"start postgres"}, log)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		var log []string
		s := newStartup(2)
		s.AddDependency(&fakeDependency{name: "postgres", failures: 5, log: &log})

		err := s.Start(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 2 attempts")
		assert.Equal(t, StartupStatusFailed, s.Status("postgres"))
	})

	t.Run("unknown and cyclic dependencies", func(t *testing.T) {
		var log []string
		s := newStartup(1)
		s.AddDependency(&fakeDependency{name: "graph", dependsOn: []string{"neo4j"}, log: &log})
		assert.ErrorContains(t, s.Start(ctx), `"neo4j" is not registered`)

		s = newStartup(1)
		s.AddDependency(&fakeDependency{name: "a", dependsOn: []string{"b"}, log: &log})
		s.AddDependency(&fakeDependency{name: "b", dependsOn: []string{"a"}, log: &log})
		assert.ErrorContains(t, s.Start(ctx), "dependency cycle")
	})
}
