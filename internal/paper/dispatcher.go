package paper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"exam-paper-orchestrator/internal/agents"
	"exam-paper-orchestrator/internal/models"
	"exam-paper-orchestrator/internal/trace"
)

// Dispatcher builds the position tasks of a requirement.
type Dispatcher struct {
	finder    ExampleFinder
	knowledge KnowledgeInferer
	materials MaterialSource
	fewShot   int
	logger    *slog.Logger
}

// NewDispatcher wires the task builder. materials may be nil.
func NewDispatcher(finder ExampleFinder, knowledge KnowledgeInferer, materials MaterialSource, fewShot int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{finder: finder, knowledge: knowledge, materials: materials, fewShot: fewShot, logger: logger}
}

// Build emits one task per position, in position order, skipping positions in done.
// Skipped positions cost no retrieval and no inference. Retrieval failures degrade to
// tasks without examples.
func (d *Dispatcher) Build(ctx context.Context, req models.PaperRequirement, done map[int]bool) ([]models.PositionTask, error) {
	return d.build(ctx, req, done, true)
}

// Outline emits the same tasks as Build without retrieval, inference or materials.
// It serves runs whose positions are all going to be skipped.
func (d *Dispatcher) Outline(ctx context.Context, req models.PaperRequirement, done map[int]bool) ([]models.PositionTask, error) {
	return d.build(ctx, req, done, false)
}

func (d *Dispatcher) build(ctx context.Context, req models.PaperRequirement, done map[int]bool, enrich bool) ([]models.PositionTask, error) {
	var tasks []models.PositionTask
	position := 0
	for _, spec := range req.Distribution {
		var materials []string
		for rank := 1; rank <= spec.Count; rank++ {
			position++
			if done[position] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			task := models.PositionTask{
				TaskID:            uuid.New().String(),
				Type:              spec.Type,
				Position:          position,
				PositionLabel:     fmt.Sprintf("question %d", position),
				TargetDifficulty:  req.BucketAt(rank, spec.Count),
				Subject:           req.Subject,
				ExtraInstructions: req.ExtraNote,
			}
			if !enrich {
				task.KnowledgePoint = agents.GeneralKnowledgePoint(req.Subject)
				tasks = append(tasks, task)
				continue
			}

			examples, err := d.finder.FindExamples(ctx, req.Subject, spec.Type, position, req.TargetRegion, d.fewShot)
			if err != nil {
				d.logger.Warn("example retrieval failed", "subject", req.Subject, "position", position, "error", err)
				examples = nil
			}
			task.Examples = examples
			task.KnowledgePoint = d.inferKnowledge(trace.WithPosition(ctx, position), req.Subject, position, examples)

			if req.UseMaterial && d.materials != nil {
				if materials == nil {
					materials = d.loadMaterials(ctx, req.Subject, spec.Type, spec.Count)
				}
				if len(materials) > 0 {
					task.Material = materials[(rank-1)%len(materials)]
				}
			}
			tasks = append(tasks, task)
			d.logger.Debug("task dispatched", "position", position, "type", spec.Type,
				"knowledge_point", task.KnowledgePoint, "difficulty", task.TargetDifficulty)
		}
	}
	return tasks, nil
}

func (d *Dispatcher) inferKnowledge(ctx context.Context, subject string, position int, examples []models.Example) string {
	if d.knowledge == nil {
		return agents.GeneralKnowledgePoint(subject)
	}
	return d.knowledge.Infer(ctx, subject, position, examples)
}

func (d *Dispatcher) loadMaterials(ctx context.Context, subject, qType string, count int) []string {
	list, err := d.materials.Materials(ctx, subject, qType, count)
	if err != nil {
		d.logger.Warn("material lookup failed", "subject", subject, "type", qType, "error", err)
		return []string{}
	}
	if list == nil {
		return []string{}
	}
	return list
}
