package goroutine

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecover_NoPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	func() {
		defer Recover("quiet", zap.New(core).Sugar())
	}()
	assert.Zero(t, logs.Len())
}

func TestRecover_LogsPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	func() {
		defer Recover("alert-worker", logger)
		panic(errors.New("boom"))
	}()

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "Goroutine panic recovered", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "alert-worker", fields["goroutine"])
	assert.Contains(t, fields["stack"], "goroutine")
}

func TestRecover_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		func() {
			defer Recover("no-logger", nil)
			panic("x")
		}()
	})
}

func TestGo_RunsAndRecovers(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	var wg sync.WaitGroup
	wg.Add(2)

	ran := false
	Go("ok", logger, func() {
		defer wg.Done()
		ran = true
	})
	Go("panics", logger, func() {
		defer wg.Done()
		panic("worker crashed")
	})
	wg.Wait()
	assert.True(t, ran)
}
