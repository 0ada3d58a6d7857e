package orthanc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetSeriesDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/series/abc" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "router" || pass != "secret" {
			t.Errorf("basic auth = %q/%q (%v)", user, pass, ok)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ID": "abc",
			"MainDicomTags": map[string]string{
				"SeriesInstanceUID": "1.2.3",
				"SeriesDescription": "Ax T2",
				"Modality":          "MR",
			},
			"Instances": []string{"i1", "i2"},
			"IsStable":  true,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "router", "secret", 5*time.Second)
	details, err := c.GetSeriesDetails(context.Background(), "abc")
	if err != nil {
		t.Fatalf("GetSeriesDetails: %v", err)
	}
	if details.MainTags.SeriesInstanceUID != "1.2.3" || details.MainTags.Modality != "MR" {
		t.Errorf("tags = %+v", details.MainTags)
	}
	if len(details.Instances) != 2 || details.Instances[0] != "i1" {
		t.Errorf("instances = %v", details.Instances)
	}
}

func TestGetSeriesDetailsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", 5*time.Second)
	if _, err := c.GetSeriesDetails(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestGetInstanceFile(t *testing.T) {
	payload := []byte("DICM-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instances/i1/file" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write(payload)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", 5*time.Second)
	data, err := c.GetInstanceFile(context.Background(), "i1")
	if err != nil {
		t.Fatalf("GetInstanceFile: %v", err)
	}
	if string(data) != string(payload) {
		t.Errorf("data = %q", data)
	}
}

func TestPostInstance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/instances" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/dicom" {
			t.Errorf("content type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if len(body) == 0 {
			t.Error("empty body")
		}
		json.NewEncoder(w).Encode(StoredInstance{ID: "new-1", Status: "Success"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", 5*time.Second)
	stored, err := c.PostInstance(context.Background(), []byte("DICM-bytes"))
	if err != nil {
		t.Fatalf("PostInstance: %v", err)
	}
	if stored.ID != "new-1" || stored.Status != "Success" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestPostInstanceRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad transfer syntax", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "", 5*time.Second)
	_, err := c.PostInstance(context.Background(), []byte("not dicom"))

	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StoreError", err)
	}
	if se.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", se.StatusCode)
	}
}
