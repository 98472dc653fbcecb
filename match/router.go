package match

import (
	"hash/fnv"

	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/config"
	"poflow.merchantry.io/model"
)

// EngineAuto in a merchant setting or request means "no preference": the
// router continues down the rollout and flag chain.
const EngineAuto = "auto"

// Router picks the engine for one match call. Priority order:
//
//	1. explicit per-request override
//	2. per-merchant fuzzyMatchingEngine setting
//	3. rollout percentage over a deterministic merchant hash
//	4. global flag
//	5. jsmetric
//
// The rollout check runs before the global flag on purpose: with the flag
// off, a canary percentage must still route its cohort to trigram,
// otherwise no gradual rollout is possible.
type Router struct {
	globalTrigram  bool
	rolloutPercent int
	log            *logrus.Entry
}

// NewRouter builds the router from matching config.
func NewRouter(cfg config.MatchingConfig) *Router {
	percent := cfg.RolloutPercentage
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return &Router{
		globalTrigram:  cfg.UsePgTrgm,
		rolloutPercent: percent,
		log:            poflow.Component("match"),
	}
}

// Route returns the engine name for this call. merchant may be nil when
// the tenant record could not be loaded; routing then skips step 2.
func (r *Router) Route(override string, merchant *model.Merchant, merchantID string) string {
	if override == model.EngineTrigram || override == model.EngineJSMetric {
		return override
	}

	if merchant != nil {
		if setting, ok := merchant.StringSetting(model.SettingFuzzyMatchingEngine); ok {
			if setting == model.EngineTrigram || setting == model.EngineJSMetric {
				return setting
			}
			if setting != EngineAuto && setting != "" {
				r.log.WithFields(logrus.Fields{
					"merchant": merchantID,
					"setting":  setting,
				}).Warn("unknown fuzzyMatchingEngine setting, ignoring")
			}
		}
	}

	if r.rolloutPercent > 0 {
		seed := ""
		if merchant != nil {
			seed, _ = merchant.StringSetting(model.SettingRolloutGroupSeed)
		}
		if rolloutGroup(merchantID, seed) < r.rolloutPercent {
			return model.EngineTrigram
		}
	}

	if r.globalTrigram {
		return model.EngineTrigram
	}
	return model.EngineJSMetric
}

// rolloutGroup maps a merchant into [0,100). FNV-1a keeps the cohort
// stable across processes and restarts; the optional seed reshuffles it.
func rolloutGroup(merchantID, seed string) int {
	h := fnv.New32a()
	h.Write([]byte(seed))
	h.Write([]byte(merchantID))
	return int(h.Sum32() % 100)
}
