package main

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"log"
	"strings"
	"time"

	"airouter-rest/orthanc"
)

// StudyReader is the slice of the host server the trigger reads from:
// resolving a series to its tags and instances, and fetching one raw
// instance file. *orthanc.Client satisfies it.
type StudyReader interface {
	GetSeriesDetails(ctx context.Context, seriesID string) (*orthanc.SeriesDetails, error)
	GetInstanceFile(ctx context.Context, instanceID string) ([]byte, error)
}

// RunStore records pipeline run state transitions. *FirestoreDB satisfies
// it; a nil store disables recording (local dev without GCP).
type RunStore interface {
	CreateRun(ctx context.Context, r *PipelineRun) error
	UpdateRun(ctx context.Context, runID string, updates map[string]interface{}) error
}

// RoutingOutcome is the terminal result of one pipeline run.
type RoutingOutcome struct {
	RunID       string    `json:"run_id"`
	Status      string    `json:"status"` // delivered | skipped | failed
	ArtifactIDs []string  `json:"artifact_ids,omitempty"`
	SkipReason  string    `json:"skip_reason,omitempty"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
}

const (
	OutcomeDelivered = "delivered"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// aiResultMarkers are series-description fragments that identify our own
// (or another model's) composed artifacts. Routing them back to the
// backend would loop forever, since delivery re-stabilizes the study.
var aiResultMarkers = []string{
	"Automated Diagnostic Findings",
	"- Heatmap",
	"AI Analysis Result",
	"AI Generated",
	"Secondary Capture AI",
	"AI Structured Report",
}

// isAIResultSeries reports whether a series looks like a composed AI
// artifact rather than acquired data.
func isAIResultSeries(description, modality string) bool {
	desc := strings.TrimSpace(description)
	for _, marker := range aiResultMarkers {
		if strings.Contains(desc, marker) {
			return true
		}
	}
	if (modality == "SC" || modality == "SR") && strings.Contains(strings.ToUpper(desc), "AI") {
		return true
	}
	return strings.HasPrefix(desc, "AI_") || strings.HasSuffix(desc, "_AI")
}

// Pipeline orchestrates one run per StableStudyEvent: resolve the
// representative series, call the backend, compose the SC/SR pair, and
// deliver it. Runs are independent; concurrent events share nothing but
// the destination store, which serializes its own writes per study.
type Pipeline struct {
	Cfg      Config
	Source   StudyReader
	Backend  *ModelBackendClient
	Composer *Composer
	Sink     DeliverySink
	Runs     RunStore
	Archive  *ArtifactArchive
}

// randomTokenID generates a short, human-friendly ID like RUN-XXXXXXXX.
func randomTokenID(prefix string, nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand.Read: %w", err)
	}
	id := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%s", prefix, id), nil
}

// recordRun creates the initial run record; errors are logged, not fatal,
// since the record is observability, not control flow.
func (p *Pipeline) recordRun(ctx context.Context, r *PipelineRun) {
	if p.Runs == nil {
		return
	}
	if err := p.Runs.CreateRun(ctx, r); err != nil {
		log.Printf("pipeline: create run record %s: %v", r.RunID, err)
	}
}

func (p *Pipeline) updateRun(ctx context.Context, runID string, updates map[string]interface{}) {
	if p.Runs == nil {
		return
	}
	if err := p.Runs.UpdateRun(ctx, runID, updates); err != nil {
		log.Printf("pipeline: update run record %s: %v", runID, err)
	}
}

// fail marks the run failed and builds the outcome.
func (p *Pipeline) fail(ctx context.Context, runID string, err error) RoutingOutcome {
	kind := KindOf(err)
	log.Printf("pipeline: run %s failed: %v", runID, err)
	p.updateRun(ctx, runID, map[string]interface{}{
		"status":        RunStatusError,
		"error_kind":    string(kind),
		"error_message": err.Error(),
	})
	return RoutingOutcome{RunID: runID, Status: OutcomeFailed, ErrorKind: kind}
}

// OnStableStudy runs the full pipeline for one event. Stages execute in
// fixed order; the first failure aborts the rest. Exactly one backend
// call happens per run, and on success exactly one SC/SR pair is
// delivered.
func (p *Pipeline) OnStableStudy(ctx context.Context, event StableStudyEvent) RoutingOutcome {
	runID, err := randomTokenID("RUN", 10)
	if err != nil {
		// Without an ID there is no record to update either.
		log.Printf("pipeline: generate run ID: %v", err)
		return RoutingOutcome{Status: OutcomeFailed, ErrorKind: ErrInvalidEvent}
	}

	now := time.Now().UTC()
	p.recordRun(ctx, &PipelineRun{
		RunID:            runID,
		StudyID:          event.StudyID,
		StudyInstanceUID: event.StudyInstanceUID,
		Status:           RunStatusReceived,
		ReceivedAt:       now,
		UpdatedAt:        now,
	})

	if err := event.Validate(); err != nil {
		return p.fail(ctx, runID, err)
	}

	// Exactly one representative series per event: the first. Multi-series
	// studies get one analysis, a policy choice inherited from the origin
	// system.
	seriesID := event.SeriesIDs[0]

	series, err := p.Source.GetSeriesDetails(ctx, seriesID)
	if err != nil {
		return p.fail(ctx, runID, pipelineErrf(ErrStoreUnavailable, "resolve series %s: %v", seriesID, err))
	}
	p.updateRun(ctx, runID, map[string]interface{}{
		"series_id":           seriesID,
		"series_instance_uid": series.MainTags.SeriesInstanceUID,
	})

	if skip := p.skipReason(series); skip != "" {
		log.Printf("pipeline: run %s skipped: %s", runID, skip)
		p.updateRun(ctx, runID, map[string]interface{}{
			"status":      RunStatusSkipped,
			"skip_reason": skip,
		})
		return RoutingOutcome{RunID: runID, Status: OutcomeSkipped, SkipReason: skip}
	}

	if len(series.Instances) == 0 {
		return p.fail(ctx, runID, pipelineErrf(ErrInvalidEvent, "series %s has no instances", seriesID))
	}
	sourceDICOM, err := p.Source.GetInstanceFile(ctx, series.Instances[0])
	if err != nil {
		return p.fail(ctx, runID, pipelineErrf(ErrStoreUnavailable, "fetch instance %s: %v", series.Instances[0], err))
	}

	// Analyzing
	p.updateRun(ctx, runID, map[string]interface{}{"status": RunStatusAnalyzing})
	result, err := p.Backend.Analyze(ctx, series.MainTags.SeriesInstanceUID)
	if err != nil {
		return p.fail(ctx, runID, err)
	}
	log.Printf("pipeline: run %s model results: %s", runID, result)

	// Composing
	p.updateRun(ctx, runID, map[string]interface{}{"status": RunStatusComposing})
	pair, err := p.Composer.Compose(sourceDICOM, result)
	if err != nil {
		return p.fail(ctx, runID, err)
	}

	// Delivering
	p.updateRun(ctx, runID, map[string]interface{}{"status": RunStatusDelivering})
	study := StudyRef{StudyID: event.StudyID, StudyInstanceUID: event.StudyInstanceUID}

	deliverCtx, cancel := context.WithTimeout(ctx, p.Cfg.StoreTimeout)
	defer cancel()
	artifactIDs, err := p.Sink.Deliver(deliverCtx, study, []Artifact{pair.SC, pair.SR})
	if err != nil {
		// A partially delivered pair stays in the store; the run record
		// carries what made it through.
		p.updateRun(ctx, runID, map[string]interface{}{"artifact_ids": artifactIDs})
		return p.fail(ctx, runID, err)
	}

	p.Archive.Save(ctx, runID, []Artifact{pair.SC, pair.SR})

	p.updateRun(ctx, runID, map[string]interface{}{
		"status":       RunStatusDelivered,
		"artifact_ids": artifactIDs,
	})
	log.Printf("pipeline: run %s delivered %d artifacts for study %s", runID, len(artifactIDs), event.StudyID)
	return RoutingOutcome{RunID: runID, Status: OutcomeDelivered, ArtifactIDs: artifactIDs}
}

// skipReason applies the routing policy: only target modalities, and
// never our own composed artifacts.
func (p *Pipeline) skipReason(series *orthanc.SeriesDetails) string {
	modality := strings.ToUpper(strings.TrimSpace(series.MainTags.Modality))

	if isAIResultSeries(series.MainTags.SeriesDescription, modality) {
		return fmt.Sprintf("series %s is an AI result (%s)", series.ID, series.MainTags.SeriesDescription)
	}

	if len(p.Cfg.TargetModalities) > 0 {
		for _, m := range p.Cfg.TargetModalities {
			if modality == m {
				return ""
			}
		}
		return fmt.Sprintf("modality %q not in target set %v", modality, p.Cfg.TargetModalities)
	}
	return ""
}
