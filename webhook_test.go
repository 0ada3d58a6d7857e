package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestHandlers(t *testing.T, p *Pipeline) *Handlers {
	t.Helper()
	return &Handlers{Cfg: p.Cfg, Pipeline: p}
}

func deliveringPipeline(t *testing.T) (*Pipeline, *httptest.Server) {
	t.Helper()
	srv := okBackend(t, 91.2, 88.5)
	reader := &fakeStudyReader{
		series:   mrSeries("inst-1"),
		instance: makeTestSourceInstance(t, 16, 16, 1),
	}
	return newTestPipeline(t, srv.URL, reader, &fakeSink{}, &fakeRunStore{}), srv
}

func TestStableStudyEventHandler(t *testing.T) {
	p, srv := deliveringPipeline(t)
	defer srv.Close()
	h := newTestHandlers(t, p)

	body, _ := json.Marshal(testEvent())
	req := httptest.NewRequest(http.MethodPost, "/internal/events/stable-study", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.StableStudyEventHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var outcome RoutingOutcome
	if err := json.NewDecoder(rec.Body).Decode(&outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if outcome.Status != OutcomeDelivered || len(outcome.ArtifactIDs) != 2 {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestStableStudyEventHandlerBadJSON(t *testing.T) {
	p, srv := deliveringPipeline(t)
	defer srv.Close()
	h := newTestHandlers(t, p)

	req := httptest.NewRequest(http.MethodPost, "/internal/events/stable-study", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.StableStudyEventHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStableStudyEventHandlerInvalidEvent(t *testing.T) {
	p, srv := deliveringPipeline(t)
	defer srv.Close()
	h := newTestHandlers(t, p)

	event := testEvent()
	event.SeriesIDs = nil
	body, _ := json.Marshal(event)

	req := httptest.NewRequest(http.MethodPost, "/internal/events/stable-study", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.StableStudyEventHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for InvalidEvent", rec.Code)
	}
}

func TestStableStudyEventHandlerMethodNotAllowed(t *testing.T) {
	p, srv := deliveringPipeline(t)
	defer srv.Close()
	h := newTestHandlers(t, p)

	req := httptest.NewRequest(http.MethodGet, "/internal/events/stable-study", nil)
	rec := httptest.NewRecorder()
	h.StableStudyEventHandler(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestPubSubStableStudyHandler(t *testing.T) {
	p, srv := deliveringPipeline(t)
	defer srv.Close()
	h := newTestHandlers(t, p)

	inner, _ := json.Marshal(testEvent())
	var env pubsubPushEnvelope
	env.Message.Data = base64.StdEncoding.EncodeToString(inner)
	env.Message.MessageID = "m-1"
	env.Subscription = "projects/p/subscriptions/stable-study"
	body, _ := json.Marshal(env)

	req := httptest.NewRequest(http.MethodPost, "/internal/pubsub/stable-study", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.PubSubStableStudyHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var outcome RoutingOutcome
	if err := json.NewDecoder(rec.Body).Decode(&outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if outcome.Status != OutcomeDelivered {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestPubSubStableStudyHandlerBadEnvelope(t *testing.T) {
	p, srv := deliveringPipeline(t)
	defer srv.Close()
	h := newTestHandlers(t, p)

	cases := []string{
		"{not json",
		`{"message":{"data":""}}`,
		`{"message":{"data":"%%%not-base64%%%"}}`,
		`{"message":{"data":"` + base64.StdEncoding.EncodeToString([]byte("not json")) + `"}}`,
	}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/internal/pubsub/stable-study", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.PubSubStableStudyHandler(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestOutcomeStatusCode(t *testing.T) {
	cases := []struct {
		outcome RoutingOutcome
		want    int
	}{
		{RoutingOutcome{Status: OutcomeDelivered}, http.StatusOK},
		{RoutingOutcome{Status: OutcomeSkipped}, http.StatusOK},
		{RoutingOutcome{Status: OutcomeFailed, ErrorKind: ErrInvalidEvent}, http.StatusBadRequest},
		{RoutingOutcome{Status: OutcomeFailed, ErrorKind: ErrBackendTimeout}, http.StatusInternalServerError},
		{RoutingOutcome{Status: OutcomeFailed, ErrorKind: ErrStoreUnavailable}, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := outcomeStatusCode(c.outcome); got != c.want {
			t.Errorf("outcomeStatusCode(%+v) = %d, want %d", c.outcome, got, c.want)
		}
	}
}

func TestEventTimestampDefaulted(t *testing.T) {
	p, srv := deliveringPipeline(t)
	defer srv.Close()
	h := newTestHandlers(t, p)

	event := testEvent()
	event.Timestamp = time.Time{}
	body, _ := json.Marshal(event)

	req := httptest.NewRequest(http.MethodPost, "/internal/events/stable-study", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.StableStudyEventHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
