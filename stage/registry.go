package stage

import (
	"context"
	"fmt"
	"time"

	"poflow.merchantry.io/model"
)

// Input is everything the orchestrator hands a processor for one execution.
// MerchantID is known from the upload; PurchaseOrderID is empty until the
// save stage has run.
type Input struct {
	WorkflowID      string
	MerchantID      string
	PurchaseOrderID string

	// Payload is the envelope produced by the previous stage, nil for the
	// first stage.
	Payload *Envelope
}

// Result is a completed stage execution. Next feeds the following stage and
// is nil only at the end of the pipeline. PurchaseOrderID and MerchantID
// come back with every result so the sequential runner can thread state
// without re-reading the stage store; the save stage is where the order id
// first appears.
type Result struct {
	Next            *Envelope
	PurchaseOrderID string
	MerchantID      string
}

// Processor runs one pipeline stage. Implementations classify their errors
// with the shared taxonomy; the orchestrator turns the kind into a retry
// decision.
type Processor interface {
	Name() model.StageName
	Process(ctx context.Context, in Input) (*Result, error)
}

// Registry maps stage names to their processors. A workflow run never
// consults anything else, so a missing registration is a wiring bug caught
// at startup by Complete.
type Registry struct {
	procs map[model.StageName]Processor
}

func NewRegistry() *Registry {
	return &Registry{procs: map[model.StageName]Processor{}}
}

// Register adds a processor. Registering an unknown stage name or the same
// stage twice is a wiring bug.
func (r *Registry) Register(p Processor) error {
	name := p.Name()
	if !model.ValidStage(name) {
		return fmt.Errorf("processor names unknown stage %q", name)
	}
	if _, dup := r.procs[name]; dup {
		return fmt.Errorf("stage %s registered twice", name)
	}
	r.procs[name] = p
	return nil
}

// MustRegister registers processors and panics on wiring bugs. Meant for
// startup wiring where a bad registry cannot be recovered from.
func (r *Registry) MustRegister(ps ...Processor) {
	for _, p := range ps {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
}

// Get returns the processor for the stage.
func (r *Registry) Get(name model.StageName) (Processor, error) {
	p, ok := r.procs[name]
	if !ok {
		return nil, fmt.Errorf("no processor registered for stage %s", name)
	}
	return p, nil
}

// Complete errors unless every pipeline stage has a processor. Called once
// at startup so a partially wired registry never reaches a workflow.
func (r *Registry) Complete() error {
	for _, name := range model.PipelineStages {
		if _, ok := r.procs[name]; !ok {
			return fmt.Errorf("no processor registered for stage %s", name)
		}
	}
	return nil
}

// EstimatedCost is the planning estimate of one execution per stage. The
// sequential runner sums the remainder of the pipeline against its time
// budget before each hop and defers to the queue when it cannot finish.
var EstimatedCost = map[model.StageName]time.Duration{
	model.StageAIParsing:            120 * time.Second,
	model.StageDatabaseSave:         15 * time.Second,
	model.StageDataNormalization:    5 * time.Second,
	model.StageMerchantConfig:       5 * time.Second,
	model.StageAIEnrichment:         30 * time.Second,
	model.StageShopifyPayload:       5 * time.Second,
	model.StageProductDraftCreation: 10 * time.Second,
	model.StageImageAttachment:      30 * time.Second,
	model.StageShopifySync:          30 * time.Second,
	model.StageStatusUpdate:         5 * time.Second,
}

// RemainingCost sums the estimates from the given stage through the end of
// the pipeline, inclusive.
func RemainingCost(from model.StageName) time.Duration {
	idx := model.StageIndex(from)
	if idx < 0 {
		return 0
	}
	var total time.Duration
	for _, name := range model.PipelineStages[idx:] {
		total += EstimatedCost[name]
	}
	return total
}
