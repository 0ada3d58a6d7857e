package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
)

// Feedback is one clinician verdict on an AI result, per side: -1
// disagree, 0 unsure, 1 agree. The collection is append-only; an edit is
// a new document with Kind "edit", never a mutation of the initial one.
type Feedback struct {
	FeedbackID string `firestore:"feedback_id" json:"feedback_id"`

	StudyInstanceUID string `firestore:"study_instance_uid" json:"study_uid"`
	ModelName        string `firestore:"model_name" json:"model_name"`
	ModelVersion     string `firestore:"model_version" json:"model_version"`
	ResultTS         string `firestore:"result_ts" json:"result_ts"`

	UserID       string `firestore:"user_id" json:"user_id"`
	VerdictLeft  int    `firestore:"verdict_left" json:"verdict_L"`
	VerdictRight int    `firestore:"verdict_right" json:"verdict_R"`
	Kind         string `firestore:"kind" json:"kind"` // "initial" or "edit"

	CreatedAt time.Time `firestore:"created_at" json:"created_at"`
}

// Validate checks the submission contract.
func (f *Feedback) Validate() error {
	var missing []string
	for field, v := range map[string]string{
		"study_uid":     f.StudyInstanceUID,
		"model_name":    f.ModelName,
		"model_version": f.ModelVersion,
		"result_ts":     f.ResultTS,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	for _, v := range []int{f.VerdictLeft, f.VerdictRight} {
		if v < -1 || v > 1 {
			return fmt.Errorf("verdict_L and verdict_R must be in (-1,0,1)")
		}
	}
	if f.Kind != "initial" && f.Kind != "edit" {
		return fmt.Errorf("kind must be %q or %q", "initial", "edit")
	}
	return nil
}

// ErrFeedbackConflict signals a duplicate initial submission for the same
// (study, model, version, result, user) tuple.
var ErrFeedbackConflict = fmt.Errorf("initial feedback already submitted")

// CreateFeedback stores one feedback document. Initial submissions are
// unique per result and user; a second initial yields ErrFeedbackConflict
// and the caller answers 409. The uniqueness check and the write run in
// one transaction so two racing initials cannot both pass the check.
func (db *FirestoreDB) CreateFeedback(ctx context.Context, f *Feedback) error {
	if f == nil {
		return fmt.Errorf("nil feedback")
	}
	if f.FeedbackID == "" {
		return fmt.Errorf("missing feedback_id")
	}

	doc := db.client.Collection("ai_feedback").Doc(f.FeedbackID)

	if f.Kind != "initial" {
		if _, err := doc.Set(ctx, f); err != nil {
			return fmt.Errorf("create feedback (%s): %w", f.FeedbackID, err)
		}
		return nil
	}

	err := db.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		q := db.client.Collection("ai_feedback").
			Where("study_instance_uid", "==", f.StudyInstanceUID).
			Where("model_name", "==", f.ModelName).
			Where("model_version", "==", f.ModelVersion).
			Where("result_ts", "==", f.ResultTS).
			Where("user_id", "==", f.UserID).
			Where("kind", "==", "initial").
			Limit(1)
		docs, err := tx.Documents(q).GetAll()
		if err != nil {
			return fmt.Errorf("query existing feedback: %w", err)
		}
		if len(docs) > 0 {
			return ErrFeedbackConflict
		}
		return tx.Set(doc, f)
	})
	if err != nil {
		if errors.Is(err, ErrFeedbackConflict) {
			return err
		}
		return fmt.Errorf("create feedback (%s): %w", f.FeedbackID, err)
	}
	return nil
}

// ListFeedbackByStudy returns all feedback documents for a study, oldest
// first so the initial/edit history reads in order.
func (db *FirestoreDB) ListFeedbackByStudy(ctx context.Context, studyInstanceUID string) ([]*Feedback, error) {
	studyInstanceUID = strings.TrimSpace(studyInstanceUID)
	if studyInstanceUID == "" {
		return nil, fmt.Errorf("empty study_instance_uid")
	}

	q := db.client.Collection("ai_feedback").
		Where("study_instance_uid", "==", studyInstanceUID).
		OrderBy("created_at", firestore.Asc)

	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("list feedback for study %s: %w", studyInstanceUID, err)
	}

	out := make([]*Feedback, 0, len(docs))
	for _, snap := range docs {
		var f Feedback
		if err := snap.DataTo(&f); err != nil {
			return nil, fmt.Errorf("decode feedback (%s): %w", snap.Ref.ID, err)
		}
		out = append(out, &f)
	}
	return out, nil
}
