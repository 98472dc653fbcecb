package stage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poflow.merchantry.io/model"
)

type stubProcessor struct {
	name model.StageName
}

func (s *stubProcessor) Name() model.StageName { return s.name }
func (s *stubProcessor) Process(ctx context.Context, in Input) (*Result, error) {
	return &Result{MerchantID: in.MerchantID}, nil
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubProcessor{name: model.StageAIParsing}))

	p, err := r.Get(model.StageAIParsing)
	require.NoError(t, err)
	assert.Equal(t, model.StageAIParsing, p.Name())

	t.Run("duplicate", func(t *testing.T) {
		err := r.Register(&stubProcessor{name: model.StageAIParsing})
		require.Error(t, err)
	})

	t.Run("unknown stage", func(t *testing.T) {
		err := r.Register(&stubProcessor{name: "made_up"})
		require.Error(t, err)
	})

	t.Run("unregistered", func(t *testing.T) {
		_, err := r.Get(model.StageShopifySync)
		require.Error(t, err)
	})
}

func TestRegistryComplete(t *testing.T) {
	r := NewRegistry()
	for _, name := range model.PipelineStages[:len(model.PipelineStages)-1] {
		require.NoError(t, r.Register(&stubProcessor{name: name}))
	}
	require.Error(t, r.Complete(), "one stage is missing")

	require.NoError(t, r.Register(&stubProcessor{name: model.PipelineStages[len(model.PipelineStages)-1]}))
	require.NoError(t, r.Complete())
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() {
		r.MustRegister(
			&stubProcessor{name: model.StageAIParsing},
			&stubProcessor{name: model.StageAIParsing},
		)
	})
}

func TestEstimatedCostCoversPipeline(t *testing.T) {
	for _, name := range model.PipelineStages {
		assert.Positive(t, EstimatedCost[name], "stage %s has no cost estimate", name)
	}
}

func TestRemainingCost(t *testing.T) {
	full := RemainingCost(model.StageAIParsing)
	assert.Equal(t, 255*time.Second, full, "sum over the whole pipeline")

	assert.Equal(t, 5*time.Second, RemainingCost(model.StageStatusUpdate))
	assert.Equal(t, 65*time.Second, RemainingCost(model.StageImageAttachment))
	assert.Zero(t, RemainingCost("made_up"))

	// The whole pipeline still fits one sequential invocation budget.
	assert.Less(t, full, 270*time.Second)
}
