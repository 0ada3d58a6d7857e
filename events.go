package main

import (
	"strings"
	"time"
)

// StableStudyEvent is the typed form of the host server's "study became
// stable" signal. Orthanc raises it once no new instances have arrived for
// a study within its quiet period; we consume it over HTTP instead of an
// in-process plugin hook so the pipeline can run outside the host.
//
// Example JSON:
//
//	{
//	  "study_id": "66c8ae41-...",
//	  "series_ids": ["4d3a8bce-...", "91f0c2aa-..."],
//	  "study_instance_uid": "1.2.840.113619....",
//	  "timestamp": "2026-08-29T12:00:00Z"
//	}
type StableStudyEvent struct {
	StudyID          string    `json:"study_id"`
	SeriesIDs        []string  `json:"series_ids"`
	StudyInstanceUID string    `json:"study_instance_uid"`
	Timestamp        time.Time `json:"timestamp"`
}

// Validate checks the event contract: a study ID and at least one series.
// Re-delivery of the same event is not deduplicated; each delivery runs
// the pipeline independently.
func (e *StableStudyEvent) Validate() error {
	if strings.TrimSpace(e.StudyID) == "" {
		return pipelineErrf(ErrInvalidEvent, "missing study_id")
	}
	if len(e.SeriesIDs) == 0 {
		return pipelineErrf(ErrInvalidEvent, "event for study %s has no series", e.StudyID)
	}
	return nil
}

// StudyRef identifies the study a delivery is associated with. The sink
// needs the DICOM StudyInstanceUID; the Orthanc-internal ID is carried for
// logging.
type StudyRef struct {
	StudyID          string
	StudyInstanceUID string
}
