package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreDB wraps a Firestore client and exposes the small set of
// collections this service writes: pipeline run records and reader
// feedback.
type FirestoreDB struct {
	client *firestore.Client
}

// NewFirestoreDB creates a new Firestore client for the given project ID.
func NewFirestoreDB(ctx context.Context, projectID string) (*FirestoreDB, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return &FirestoreDB{client: client}, nil
}

// Close releases underlying Firestore resources.
func (db *FirestoreDB) Close() error {
	return db.client.Close()
}

// Pipeline run statuses, one per state of the per-event state machine.
// No transition revisits an earlier state; a run is single-pass.
const (
	RunStatusReceived   = "received"
	RunStatusAnalyzing  = "analyzing"
	RunStatusComposing  = "composing"
	RunStatusDelivering = "delivering"
	RunStatusDelivered  = "delivered"
	RunStatusSkipped    = "skipped"
	RunStatusError      = "error"
)

// PipelineRun is the audit record for one stable-study event. It is the
// observable channel for background failures: a study with no derived
// instances and no error run record means the event never arrived.
type PipelineRun struct {
	RunID   string `firestore:"run_id" json:"run_id"`
	StudyID string `firestore:"study_id" json:"study_id"`

	SeriesID          string `firestore:"series_id" json:"series_id"`
	StudyInstanceUID  string `firestore:"study_instance_uid" json:"study_instance_uid"`
	SeriesInstanceUID string `firestore:"series_instance_uid" json:"series_instance_uid"`

	Status      string   `firestore:"status" json:"status"`
	SkipReason  string   `firestore:"skip_reason" json:"skip_reason"`
	ErrorKind   string   `firestore:"error_kind" json:"error_kind"`
	ErrorMsg    string   `firestore:"error_message" json:"error_message"`
	ArtifactIDs []string `firestore:"artifact_ids" json:"artifact_ids"`

	ReceivedAt time.Time `firestore:"received_at" json:"received_at"`
	UpdatedAt  time.Time `firestore:"updated_at" json:"updated_at"`
}

// CreateRun stores a new PipelineRun document.
func (db *FirestoreDB) CreateRun(ctx context.Context, r *PipelineRun) error {
	if r == nil {
		return fmt.Errorf("nil run")
	}
	if r.RunID == "" {
		return fmt.Errorf("missing run_id")
	}
	_, err := db.client.Collection("pipeline_runs").Doc(r.RunID).Set(ctx, r)
	if err != nil {
		return fmt.Errorf("create pipeline run (%s): %w", r.RunID, err)
	}
	return nil
}

// UpdateRun performs a partial update (merge) on a run record, stamping
// updated_at like the rest of our status writers.
func (db *FirestoreDB) UpdateRun(ctx context.Context, runID string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()
	_, err := db.client.Collection("pipeline_runs").Doc(runID).Set(ctx, updates, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("update pipeline run (%s): %w", runID, err)
	}
	return nil
}

// GetRun fetches a PipelineRun by ID. NotFound maps to (nil, nil); callers
// interpret a nil run as "no such run".
func (db *FirestoreDB) GetRun(ctx context.Context, runID string) (*PipelineRun, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("empty run_id")
	}
	snap, err := db.client.Collection("pipeline_runs").Doc(runID).Get(ctx)
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get pipeline run (%s): %w", runID, err)
	}
	var r PipelineRun
	if err := snap.DataTo(&r); err != nil {
		return nil, fmt.Errorf("decode pipeline run (%s): %w", runID, err)
	}
	return &r, nil
}

// ListRunsByStudy returns all runs for the given host study ID, newest
// first. Duplicate stability events show up here as multiple runs, which
// is how over-processing stays visible.
func (db *FirestoreDB) ListRunsByStudy(ctx context.Context, studyID string) ([]*PipelineRun, error) {
	studyID = strings.TrimSpace(studyID)
	if studyID == "" {
		return nil, fmt.Errorf("empty study_id")
	}

	q := db.client.Collection("pipeline_runs").Where("study_id", "==", studyID).
		OrderBy("received_at", firestore.Desc)

	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("list pipeline runs for study %s: %w", studyID, err)
	}

	runs := make([]*PipelineRun, 0, len(docs))
	for _, snap := range docs {
		var r PipelineRun
		if err := snap.DataTo(&r); err != nil {
			return nil, fmt.Errorf("decode pipeline run (%s): %w", snap.Ref.ID, err)
		}
		runs = append(runs, &r)
	}
	return runs, nil
}
