package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/comfygen/graphapi"
	"github.com/richinsley/comfygen/internal/comfytest"
)

var checkpointCatalog = map[string]interface{}{
	"CheckpointLoaderSimple": map[string]interface{}{
		"input": map[string]interface{}{
			"required": map[string]interface{}{
				"ckpt_name": []interface{}{[]interface{}{"sdxl.safetensors", "flux.safetensors"}},
			},
		},
		"output":      []interface{}{"MODEL", "CLIP", "VAE"},
		"name":        "CheckpointLoaderSimple",
		"category":    "loaders",
		"output_node": false,
	},
}

func fastPolicy(attempts int) ModelPolicy {
	return ModelPolicy{Attempts: attempts, Base: 5 * time.Millisecond, Step: 5 * time.Millisecond, Max: 20 * time.Millisecond}
}

func TestModelPolicyDelay(t *testing.T) {
	p := DefaultModelPolicy()
	assert.Equal(t, 500*time.Millisecond, p.delay(0))
	assert.Equal(t, 700*time.Millisecond, p.delay(1))
	assert.Equal(t, 1900*time.Millisecond, p.delay(7))
	assert.Equal(t, 2*time.Second, p.delay(8))
	assert.Equal(t, 2*time.Second, p.delay(20))
}

func TestWaitForModelsRetriesUntilAvailable(t *testing.T) {
	srv := comfytest.New(t)
	srv.ObjectInfo = checkpointCatalog
	srv.ObjectInfoReadyAfter = 3
	c := newTestClient(t, srv)

	models, err := c.WaitForModels(context.Background(), graphapi.ModelCheckpoints, fastPolicy(5))
	require.NoError(t, err)
	assert.Equal(t, []string{"flux.safetensors", "sdxl.safetensors"}, models)
	assert.Equal(t, 3, srv.ObjectInfoHits())
}

func TestWaitForModelsGivesUp(t *testing.T) {
	srv := comfytest.New(t)
	c := newTestClient(t, srv)

	_, err := c.WaitForModels(context.Background(), graphapi.ModelLoras, fastPolicy(3))
	assert.ErrorIs(t, err, ErrNoModels)
	assert.Equal(t, 3, srv.ObjectInfoHits())
}

func TestWaitForModelsHonorsContext(t *testing.T) {
	srv := comfytest.New(t)
	c := newTestClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.WaitForModels(ctx, graphapi.ModelVAE, ModelPolicy{Attempts: 3, Base: time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListEmbeddings(t *testing.T) {
	srv := comfytest.New(t)
	srv.Embeddings = []string{"easynegative"}
	c := newTestClient(t, srv)

	models, err := c.ListModels(context.Background(), graphapi.ModelEmbeddings)
	require.NoError(t, err)
	assert.Equal(t, []string{"easynegative"}, models)
}
