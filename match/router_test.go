package match

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"poflow.merchantry.io/config"
	"poflow.merchantry.io/model"
)

func merchantWithEngine(engine string) *model.Merchant {
	return &model.Merchant{
		ID:       "m1",
		Settings: model.JSONMap{model.SettingFuzzyMatchingEngine: engine},
	}
}

func TestRouteOverrideWinsOverEverything(t *testing.T) {
	r := NewRouter(config.MatchingConfig{UsePgTrgm: true, RolloutPercentage: 100})
	got := r.Route(model.EngineJSMetric, merchantWithEngine(model.EngineTrigram), "m1")
	assert.Equal(t, model.EngineJSMetric, got)
}

func TestRouteMerchantSettingBeatsRolloutAndFlag(t *testing.T) {
	r := NewRouter(config.MatchingConfig{UsePgTrgm: true, RolloutPercentage: 100})
	got := r.Route("", merchantWithEngine(model.EngineJSMetric), "m1")
	assert.Equal(t, model.EngineJSMetric, got)
}

func TestRouteAutoSettingFallsThrough(t *testing.T) {
	r := NewRouter(config.MatchingConfig{UsePgTrgm: true})
	got := r.Route("", merchantWithEngine(EngineAuto), "m1")
	assert.Equal(t, model.EngineTrigram, got, "auto defers to the flag chain")
}

func TestRouteRolloutRunsBeforeGlobalFlag(t *testing.T) {
	// The global flag is OFF; a 100% rollout must still route everyone to
	// trigram. Getting this backwards makes canary rollouts impossible.
	r := NewRouter(config.MatchingConfig{UsePgTrgm: false, RolloutPercentage: 100})
	for _, id := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, model.EngineTrigram, r.Route("", nil, id))
	}
}

func TestRouteGlobalFlag(t *testing.T) {
	on := NewRouter(config.MatchingConfig{UsePgTrgm: true})
	assert.Equal(t, model.EngineTrigram, on.Route("", nil, "m1"))

	off := NewRouter(config.MatchingConfig{UsePgTrgm: false})
	assert.Equal(t, model.EngineJSMetric, off.Route("", nil, "m1"), "default engine is jsmetric")
}

func TestRouteRolloutIsDeterministic(t *testing.T) {
	r := NewRouter(config.MatchingConfig{RolloutPercentage: 50})
	first := r.Route("", nil, "merchant-abc")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.Route("", nil, "merchant-abc"), "same merchant always lands in the same cohort")
	}
}

func TestRouteRolloutDistribution(t *testing.T) {
	// At 5% rollout across 10k merchants, between 3% and 8% should land in
	// the trigram cohort; the hash must not cluster.
	r := NewRouter(config.MatchingConfig{RolloutPercentage: 5})
	trigram := 0
	for i := 0; i < 10000; i++ {
		if r.Route("", nil, fmt.Sprintf("merchant-%d", i)) == model.EngineTrigram {
			trigram++
		}
	}
	assert.GreaterOrEqual(t, trigram, 300, "cohort too small: %d of 10000", trigram)
	assert.LessOrEqual(t, trigram, 800, "cohort too large: %d of 10000", trigram)
}

func TestRouteRolloutSeedReshufflesCohort(t *testing.T) {
	r := NewRouter(config.MatchingConfig{RolloutPercentage: 50})

	moved := 0
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("merchant-%d", i)
		plain := r.Route("", nil, id)
		seeded := r.Route("", &model.Merchant{
			ID:       id,
			Settings: model.JSONMap{model.SettingRolloutGroupSeed: "wave2"},
		}, id)
		if plain != seeded {
			moved++
		}
	}
	assert.Greater(t, moved, 100, "a new seed must reshuffle a meaningful share of the cohort")
}

func TestRouteClampsPercentage(t *testing.T) {
	over := NewRouter(config.MatchingConfig{RolloutPercentage: 250})
	assert.Equal(t, model.EngineTrigram, over.Route("", nil, "m1"))

	under := NewRouter(config.MatchingConfig{RolloutPercentage: -5})
	assert.Equal(t, model.EngineJSMetric, under.Route("", nil, "m1"))
}

func TestRouteUnknownMerchantSettingIgnored(t *testing.T) {
	r := NewRouter(config.MatchingConfig{UsePgTrgm: true})
	got := r.Route("", merchantWithEngine("levenshtein9000"), "m1")
	assert.Equal(t, model.EngineTrigram, got, "unknown setting falls through to the flag chain")
}
