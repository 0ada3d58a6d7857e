package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/storage"

	"airouter-rest/dicomweb"
	"airouter-rest/orthanc"
)

// DeliverySink stores composed artifacts into the destination DICOM
// store. Deliver returns the IDs of the artifacts it managed to write;
// on error the returned slice still holds whatever succeeded before the
// failure. Nothing is rolled back: the store is the source of truth for
// partial state.
type DeliverySink interface {
	Deliver(ctx context.Context, study StudyRef, artifacts []Artifact) ([]string, error)
}

// OrthancSink delivers artifacts back into the originating Orthanc via
// POST /instances, one call per artifact, mirroring the original plugin.
type OrthancSink struct {
	Client *orthanc.Client
}

func (s *OrthancSink) Deliver(ctx context.Context, study StudyRef, artifacts []Artifact) ([]string, error) {
	var delivered []string
	for _, a := range artifacts {
		stored, err := s.Client.PostInstance(ctx, a.Data)
		if err != nil {
			var se *orthanc.StoreError
			if errors.As(err, &se) {
				return delivered, pipelineErrf(ErrStoreRejected, "store %s for study %s: %v", a.Kind, study.StudyID, err)
			}
			return delivered, pipelineErrf(ErrStoreUnavailable, "store %s for study %s: %v", a.Kind, study.StudyID, err)
		}
		log.Printf("OrthancSink: stored %s instance %s (status=%s) for study %s", a.Kind, stored.ID, stored.Status, study.StudyID)
		delivered = append(delivered, stored.ID)
	}
	return delivered, nil
}

// HealthcareSink delivers artifacts into a Google Healthcare DICOM store
// via STOW-RS. Artifact IDs are the SOP instance UIDs, since the store
// has no server-assigned identifier.
type HealthcareSink struct {
	Client *dicomweb.Client
}

func (s *HealthcareSink) Deliver(ctx context.Context, study StudyRef, artifacts []Artifact) ([]string, error) {
	var delivered []string
	for _, a := range artifacts {
		if err := s.Client.StoreInstance(ctx, a.Data); err != nil {
			return delivered, pipelineErrf(ErrStoreRejected, "store %s for study %s: %v", a.Kind, study.StudyID, err)
		}
		log.Printf("HealthcareSink: stored %s instance %s for study %s", a.Kind, a.SOPInstanceUID, study.StudyID)
		delivered = append(delivered, a.SOPInstanceUID)
	}
	return delivered, nil
}

// ArtifactArchive keeps raw copies of composed artifacts in GCS under
// runs/<runID>/ so reviewers can pull the exact bytes a run delivered.
// Purely an audit copy: archive failures are logged and never fail the
// run.
type ArtifactArchive struct {
	Storage *storage.Client
	Bucket  string
}

// objectName builds the archive object path for one artifact.
func (a *ArtifactArchive) objectName(runID string, art Artifact) string {
	return fmt.Sprintf("runs/%s/%s-%s.dcm", runID, art.Kind, art.SOPInstanceUID)
}

// Save writes each artifact to the archive bucket.
func (a *ArtifactArchive) Save(ctx context.Context, runID string, artifacts []Artifact) {
	if a == nil || a.Storage == nil || a.Bucket == "" {
		return
	}
	for _, art := range artifacts {
		name := a.objectName(runID, art)

		wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		w := a.Storage.Bucket(a.Bucket).Object(name).NewWriter(wctx)
		w.ContentType = "application/dicom"
		if _, err := w.Write(art.Data); err != nil {
			log.Printf("ArtifactArchive: write gs://%s/%s: %v", a.Bucket, name, err)
			_ = w.Close()
			cancel()
			continue
		}
		if err := w.Close(); err != nil {
			log.Printf("ArtifactArchive: close gs://%s/%s: %v", a.Bucket, name, err)
		}
		cancel()
	}
}
