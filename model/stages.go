package model

// StageName identifies one step of the fixed processing pipeline. The queue
// substrate uses the same names for its queues, so a stage's jobs are always
// found under its own name.
type StageName string

const (
	StageAIParsing            StageName = "ai_parsing"
	StageDatabaseSave         StageName = "database_save"
	StageDataNormalization    StageName = "data_normalization"
	StageMerchantConfig       StageName = "merchant_config"
	StageAIEnrichment         StageName = "ai_enrichment"
	StageShopifyPayload       StageName = "shopify_payload"
	StageProductDraftCreation StageName = "product_draft_creation"
	StageImageAttachment      StageName = "image_attachment"
	StageShopifySync          StageName = "shopify_sync"
	StageStatusUpdate         StageName = "status_update"
)

// PipelineStages lists every stage in execution order.
var PipelineStages = []StageName{
	StageAIParsing,
	StageDatabaseSave,
	StageDataNormalization,
	StageMerchantConfig,
	StageAIEnrichment,
	StageShopifyPayload,
	StageProductDraftCreation,
	StageImageAttachment,
	StageShopifySync,
	StageStatusUpdate,
}

// StageIndex returns the zero-based pipeline position of s, or -1 for an
// unknown stage.
func StageIndex(s StageName) int {
	for i, name := range PipelineStages {
		if name == s {
			return i
		}
	}
	return -1
}

// NextStage returns the stage following s. ok is false when s is the final
// stage or unknown.
func NextStage(s StageName) (StageName, bool) {
	idx := StageIndex(s)
	if idx < 0 || idx >= len(PipelineStages)-1 {
		return "", false
	}
	return PipelineStages[idx+1], true
}

// StageProgress returns the workflow progress percentage after s completes.
func StageProgress(s StageName) int {
	idx := StageIndex(s)
	if idx < 0 {
		return 0
	}
	return (idx + 1) * 100 / len(PipelineStages)
}

// ValidStage reports whether s names a pipeline stage.
func ValidStage(s StageName) bool { return StageIndex(s) >= 0 }
