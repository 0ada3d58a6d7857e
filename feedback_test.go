package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
)

func validFeedback() Feedback {
	return Feedback{
		StudyInstanceUID: "1.999.2.1",
		ModelName:        "Breast Cancer Classification Model",
		ModelVersion:     "1.2.3",
		ResultTS:         "20260810134530",
		UserID:           "user-1",
		VerdictLeft:      1,
		VerdictRight:     -1,
		Kind:             "initial",
	}
}

func TestFeedbackValidate(t *testing.T) {
	f := validFeedback()
	if err := f.Validate(); err != nil {
		t.Fatalf("valid feedback rejected: %v", err)
	}

	f = validFeedback()
	f.StudyInstanceUID = " "
	if err := f.Validate(); err == nil || !strings.Contains(err.Error(), "study_uid") {
		t.Errorf("missing study_uid: err = %v", err)
	}

	f = validFeedback()
	f.VerdictLeft = 2
	if err := f.Validate(); err == nil {
		t.Error("out-of-range verdict accepted")
	}

	f = validFeedback()
	f.Kind = "revision"
	if err := f.Validate(); err == nil {
		t.Error("unknown kind accepted")
	}

	f = validFeedback()
	f.Kind = "edit"
	if err := f.Validate(); err != nil {
		t.Errorf("edit kind rejected: %v", err)
	}
}

// TestCreateFeedbackDuplicateInitial exercises the transactional
// uniqueness guard against a live Firestore emulator:
//
//	gcloud emulators firestore start --host-port=localhost:8990
//	FIRESTORE_EMULATOR_HOST=localhost:8990 go test -run TestCreateFeedbackDuplicateInitial -v
func TestCreateFeedbackDuplicateInitial(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("set FIRESTORE_EMULATOR_HOST to run this test")
	}

	ctx := context.Background()
	db, err := NewFirestoreDB(ctx, "airouter-test")
	if err != nil {
		t.Fatalf("NewFirestoreDB: %v", err)
	}
	defer db.Close()

	first := validFeedback()
	first.FeedbackID = "FB-DUP-1"
	first.ResultTS = "20260829100000"
	if err := db.CreateFeedback(ctx, &first); err != nil {
		t.Fatalf("first initial: %v", err)
	}

	second := validFeedback()
	second.FeedbackID = "FB-DUP-2"
	second.ResultTS = first.ResultTS
	if err := db.CreateFeedback(ctx, &second); !errors.Is(err, ErrFeedbackConflict) {
		t.Fatalf("second initial: err = %v, want ErrFeedbackConflict", err)
	}

	// Edits never conflict.
	edit := validFeedback()
	edit.FeedbackID = "FB-DUP-3"
	edit.ResultTS = first.ResultTS
	edit.Kind = "edit"
	if err := db.CreateFeedback(ctx, &edit); err != nil {
		t.Fatalf("edit after initial: %v", err)
	}

	// Racing initials for a fresh result tuple: the transaction must let
	// exactly one through.
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := validFeedback()
			f.FeedbackID = fmt.Sprintf("FB-RACE-%d", i)
			f.ResultTS = "20260829110000"
			errs[i] = db.CreateFeedback(ctx, &f)
		}(i)
	}
	wg.Wait()

	ok := 0
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrFeedbackConflict):
		default:
			t.Errorf("racer %d: unexpected error %v", i, err)
		}
	}
	if ok != 1 {
		t.Errorf("%d racing initials stored, want exactly 1", ok)
	}
}

func TestStableStudyEventValidate(t *testing.T) {
	e := testEvent()
	if err := e.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	e = testEvent()
	e.StudyID = ""
	if KindOf(e.Validate()) != ErrInvalidEvent {
		t.Error("missing study_id accepted")
	}

	e = testEvent()
	e.SeriesIDs = []string{}
	if KindOf(e.Validate()) != ErrInvalidEvent {
		t.Error("empty series_ids accepted")
	}
}
