//go:build !llama

package engine_test

import (
	"context"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerd/internal/engine"
	"peerd/internal/engine/enginetest"
)

func TestStubEngine(t *testing.T) {
	assert.False(t, engine.Built())
	e := engine.NewLlama(zerolog.Nop())

	err := e.Load(context.Background(), engine.Config{ModelPath: "/m/a.gguf"})
	require.Error(t, err)
	assert.True(t, engine.IsUnavailable(err))

	_, ok := e.CurrentModelMeta()
	assert.False(t, ok)
	assert.False(t, e.RestoreState([]byte{1}))

	b, err := e.Metrics()
	require.NoError(t, err)
	m, err := engine.ParseMetrics(b)
	require.NoError(t, err)
	assert.Equal(t, engine.StopNone, m.StopReason)
}

func TestStubEngine_DetectModel(t *testing.T) {
	e := engine.NewLlama(zerolog.Nop())
	path := enginetest.WriteModel(t, t.TempDir(), "tiny.gguf", nil)

	var meta struct {
		Arch      string `json:"arch"`
		NCtxTrain int    `json:"nCtxTrain"`
		NLayer    int    `json:"nLayer"`
	}
	require.NoError(t, json.Unmarshal(e.DetectModel(path), &meta))
	assert.Equal(t, "llama", meta.Arch)
	assert.Equal(t, 4096, meta.NCtxTrain)
	assert.Equal(t, 32, meta.NLayer)

	assert.JSONEq(t, "{}", string(e.DetectModel(path+".missing")))
}
