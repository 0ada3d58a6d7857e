package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"airouter-rest/orthanc"
)

// fakeStudyReader serves canned series details and instance bytes.
type fakeStudyReader struct {
	series      *orthanc.SeriesDetails
	seriesErr   error
	instance    []byte
	instanceErr error

	seriesCalls   int
	instanceCalls int
}

func (f *fakeStudyReader) GetSeriesDetails(ctx context.Context, seriesID string) (*orthanc.SeriesDetails, error) {
	f.seriesCalls++
	return f.series, f.seriesErr
}

func (f *fakeStudyReader) GetInstanceFile(ctx context.Context, instanceID string) ([]byte, error) {
	f.instanceCalls++
	return f.instance, f.instanceErr
}

// fakeSink records delivered artifacts; failAt > 0 makes delivery fail
// after that many artifacts succeeded.
type fakeSink struct {
	delivered []Artifact
	failAt    int
	failErr   error
}

func (f *fakeSink) Deliver(ctx context.Context, study StudyRef, artifacts []Artifact) ([]string, error) {
	var ids []string
	for i, a := range artifacts {
		if f.failAt > 0 && i >= f.failAt {
			return ids, f.failErr
		}
		f.delivered = append(f.delivered, a)
		ids = append(ids, "stored-"+a.Kind)
	}
	return ids, nil
}

// fakeRunStore keeps the merged view of every update per run.
type fakeRunStore struct {
	created []PipelineRun
	state   map[string]map[string]interface{}
}

func (f *fakeRunStore) CreateRun(ctx context.Context, r *PipelineRun) error {
	f.created = append(f.created, *r)
	if f.state == nil {
		f.state = map[string]map[string]interface{}{}
	}
	f.state[r.RunID] = map[string]interface{}{"status": r.Status}
	return nil
}

func (f *fakeRunStore) UpdateRun(ctx context.Context, runID string, updates map[string]interface{}) error {
	m := f.state[runID]
	if m == nil {
		m = map[string]interface{}{}
		f.state[runID] = m
	}
	for k, v := range updates {
		m[k] = v
	}
	return nil
}

func (f *fakeRunStore) lastStatus(runID string) string {
	s, _ := f.state[runID]["status"].(string)
	return s
}

func mrSeries(instances ...string) *orthanc.SeriesDetails {
	s := &orthanc.SeriesDetails{ID: "series-1", Instances: instances, IsStable: true}
	s.MainTags.SeriesInstanceUID = "1.999.3.1"
	s.MainTags.SeriesDescription = "Ax T2 FSE"
	s.MainTags.Modality = "MR"
	return s
}

func testEvent() StableStudyEvent {
	return StableStudyEvent{
		StudyID:          "study-1",
		SeriesIDs:        []string{"series-1"},
		StudyInstanceUID: testSrcStudyUID,
		Timestamp:        time.Now().UTC(),
	}
}

func newTestPipeline(t *testing.T, backendURL string, reader StudyReader, sink DeliverySink, runs *fakeRunStore) *Pipeline {
	t.Helper()
	cfg := Config{
		TargetModalities: []string{"MR"},
		StoreTimeout:     5 * time.Second,
		OverlayText:      "PROCESSED BY AI",
		OverlayColor:     "red",
		ModelName:        "Breast Cancer Classification Model",
		ModelVersion:     "1.2.3",
	}
	return &Pipeline{
		Cfg:      cfg,
		Source:   reader,
		Backend:  NewModelBackendClient(backendURL, 2*time.Second),
		Composer: NewComposer(cfg),
		Sink:     sink,
		Runs:     runs,
	}
}

func okBackend(t *testing.T, left, right float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, InferenceResult{
			Left:  &SideResult{Prediction: "Cancerous", Confidence: &left},
			Right: &SideResult{Prediction: "Not Cancerous", Confidence: &right},
		})
	}))
}

func TestPipelineDelivers(t *testing.T) {
	srv := okBackend(t, 91.2, 88.5)
	defer srv.Close()

	reader := &fakeStudyReader{
		series:   mrSeries("inst-1", "inst-2"),
		instance: makeTestSourceInstance(t, 16, 16, 1),
	}
	sink := &fakeSink{}
	runs := &fakeRunStore{}

	outcome := newTestPipeline(t, srv.URL, reader, sink, runs).OnStableStudy(context.Background(), testEvent())

	if outcome.Status != OutcomeDelivered {
		t.Fatalf("outcome = %+v, want delivered", outcome)
	}
	if len(outcome.ArtifactIDs) != 2 {
		t.Fatalf("artifact IDs = %v, want 2", outcome.ArtifactIDs)
	}
	if len(sink.delivered) != 2 || sink.delivered[0].Kind != "SC" || sink.delivered[1].Kind != "SR" {
		t.Fatalf("delivered kinds wrong: %+v", sink.delivered)
	}
	if reader.instanceCalls != 1 {
		t.Errorf("instance fetches = %d, want 1 (first instance only)", reader.instanceCalls)
	}
	if got := runs.lastStatus(outcome.RunID); got != RunStatusDelivered {
		t.Errorf("run status = %q, want %q", got, RunStatusDelivered)
	}
}

func TestPipelineBackendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	reader := &fakeStudyReader{
		series:   mrSeries("inst-1"),
		instance: makeTestSourceInstance(t, 16, 16, 1),
	}
	sink := &fakeSink{}
	runs := &fakeRunStore{}

	p := newTestPipeline(t, srv.URL, reader, sink, runs)
	p.Backend = NewModelBackendClient(srv.URL, 50*time.Millisecond)

	outcome := p.OnStableStudy(context.Background(), testEvent())

	if outcome.Status != OutcomeFailed || outcome.ErrorKind != ErrBackendTimeout {
		t.Fatalf("outcome = %+v, want failed/BackendTimeout", outcome)
	}
	if len(outcome.ArtifactIDs) != 0 || len(sink.delivered) != 0 {
		t.Fatalf("artifacts produced despite timeout: %+v", sink.delivered)
	}
	if got := runs.lastStatus(outcome.RunID); got != RunStatusError {
		t.Errorf("run status = %q, want %q", got, RunStatusError)
	}
}

func TestPipelineInvalidEventBeforeNetwork(t *testing.T) {
	reader := &fakeStudyReader{}
	sink := &fakeSink{}
	runs := &fakeRunStore{}

	event := testEvent()
	event.SeriesIDs = nil

	outcome := newTestPipeline(t, "http://localhost:1", reader, sink, runs).OnStableStudy(context.Background(), event)

	if outcome.Status != OutcomeFailed || outcome.ErrorKind != ErrInvalidEvent {
		t.Fatalf("outcome = %+v, want failed/InvalidEvent", outcome)
	}
	if reader.seriesCalls != 0 || reader.instanceCalls != 0 {
		t.Errorf("source contacted for an invalid event")
	}
}

func TestPipelineSkipsAIResultSeries(t *testing.T) {
	series := mrSeries("inst-1")
	series.MainTags.Modality = "SC"
	series.MainTags.SeriesDescription = "Breast Cancer Classification Model - Heatmap"

	reader := &fakeStudyReader{series: series}
	sink := &fakeSink{}
	runs := &fakeRunStore{}

	outcome := newTestPipeline(t, "http://localhost:1", reader, sink, runs).OnStableStudy(context.Background(), testEvent())

	if outcome.Status != OutcomeSkipped || outcome.SkipReason == "" {
		t.Fatalf("outcome = %+v, want skipped with reason", outcome)
	}
	if len(sink.delivered) != 0 {
		t.Fatalf("skip still delivered artifacts")
	}
	if got := runs.lastStatus(outcome.RunID); got != RunStatusSkipped {
		t.Errorf("run status = %q, want %q", got, RunStatusSkipped)
	}
}

func TestPipelineSkipsNonTargetModality(t *testing.T) {
	series := mrSeries("inst-1")
	series.MainTags.Modality = "CT"

	reader := &fakeStudyReader{series: series}
	outcome := newTestPipeline(t, "http://localhost:1", reader, &fakeSink{}, &fakeRunStore{}).
		OnStableStudy(context.Background(), testEvent())

	if outcome.Status != OutcomeSkipped {
		t.Fatalf("outcome = %+v, want skipped", outcome)
	}
}

func TestPipelinePartialDelivery(t *testing.T) {
	srv := okBackend(t, 91.2, 88.5)
	defer srv.Close()

	reader := &fakeStudyReader{
		series:   mrSeries("inst-1"),
		instance: makeTestSourceInstance(t, 16, 16, 1),
	}
	sink := &fakeSink{
		failAt:  1,
		failErr: pipelineErrf(ErrStoreUnavailable, "store gone mid-delivery"),
	}
	runs := &fakeRunStore{}

	outcome := newTestPipeline(t, srv.URL, reader, sink, runs).OnStableStudy(context.Background(), testEvent())

	if outcome.Status != OutcomeFailed || outcome.ErrorKind != ErrStoreUnavailable {
		t.Fatalf("outcome = %+v, want failed/StoreUnavailable", outcome)
	}
	// The SC that made it through stays delivered; the run record keeps it.
	ids, _ := runs.state[outcome.RunID]["artifact_ids"].([]string)
	if len(ids) != 1 || ids[0] != "stored-SC" {
		t.Errorf("recorded artifact_ids = %v, want [stored-SC]", ids)
	}
}

func TestIsAIResultSeries(t *testing.T) {
	cases := []struct {
		desc     string
		modality string
		want     bool
	}{
		{"Automated Diagnostic Findings", "SR", true},
		{"Breast Cancer Classification Model - Heatmap", "SC", true},
		{"AI Analysis Result", "MR", true},
		{"Ax T2 FSE", "MR", false},
		{"Sag T1", "MR", false},
		{"AI_segmentation", "MR", true},
	}
	for _, c := range cases {
		if got := isAIResultSeries(c.desc, c.modality); got != c.want {
			t.Errorf("isAIResultSeries(%q, %q) = %v, want %v", c.desc, c.modality, got, c.want)
		}
	}
}
