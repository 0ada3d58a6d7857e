// Package dicomweb wraps the Google Cloud Healthcare API DICOMweb
// endpoints used when the pipeline mirrors composed artifacts into a
// cloud DICOM store instead of (or alongside) the local Orthanc.
package dicomweb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"

	healthcare "google.golang.org/api/healthcare/v1"
)

type Client struct {
	projectID string
	location  string
	datasetID string
	storeID   string
	svc       *healthcare.Service
}

// NewClient creates a Healthcare DICOMweb client using Application
// Default Credentials.
func NewClient(ctx context.Context, projectID, location, datasetID, storeID string) (*Client, error) {
	svc, err := healthcare.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("healthcare.NewService: %w", err)
	}
	return &Client{
		projectID: projectID,
		location:  location,
		datasetID: datasetID,
		storeID:   storeID,
		svc:       svc,
	}, nil
}

func (c *Client) dicomStoreParent() string {
	return fmt.Sprintf(
		"projects/%s/locations/%s/datasets/%s/dicomStores/%s",
		c.projectID, c.location, c.datasetID, c.storeID,
	)
}

// StoreInstance uploads one DICOM object via STOW-RS into the study it
// identifies itself with. The Healthcare API expects a multipart/related
// body with an application/dicom part.
func (c *Client) StoreInstance(ctx context.Context, dicomData []byte) error {
	if len(dicomData) == 0 {
		return fmt.Errorf("empty DICOM payload")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Type", "application/dicom")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(dicomData); err != nil {
		return fmt.Errorf("write multipart part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	parent := c.dicomStoreParent()
	storesSvc := c.svc.Projects.Locations.Datasets.DicomStores

	call := storesSvc.StoreInstances(parent, "studies", &body)
	call.Header().Set(
		"Content-Type",
		fmt.Sprintf("multipart/related; type=%q; boundary=%s", "application/dicom", mw.Boundary()),
	)

	resp, err := call.Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("StoreInstances: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("StoreInstances: status %d %s: %s", resp.StatusCode, resp.Status, string(snippet))
	}
	return nil
}

// RetrieveStudyToFile retrieves an entire study (all instances) via
// DICOMweb and saves the multipart response to outputFile. Used from the
// artifact tool, not the server path.
func (c *Client) RetrieveStudyToFile(ctx context.Context, studyUID, outputFile string) error {
	if studyUID == "" {
		return fmt.Errorf("studyUID is required")
	}

	parent := c.dicomStoreParent()
	dicomWebPath := fmt.Sprintf("studies/%s", studyUID)

	studiesSvc := c.svc.Projects.Locations.Datasets.DicomStores.Studies
	resp, err := studiesSvc.RetrieveStudy(parent, dicomWebPath).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("RetrieveStudy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode > 299 {
		return fmt.Errorf("RetrieveStudy: status %d %s", resp.StatusCode, resp.Status)
	}

	f, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("os.Create(%s): %w", outputFile, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("io.Copy to %s: %w", outputFile, err)
	}
	return nil
}

// DeleteStudy deletes an entire study by StudyInstanceUID. Handy for
// cleaning up test artifacts from the store.
func (c *Client) DeleteStudy(ctx context.Context, studyUID string) error {
	if studyUID == "" {
		return fmt.Errorf("studyUID is required")
	}

	parent := c.dicomStoreParent()
	dicomWebPath := fmt.Sprintf("studies/%s", studyUID)

	studiesSvc := c.svc.Projects.Locations.Datasets.DicomStores.Studies
	if _, err := studiesSvc.Delete(parent, dicomWebPath).Context(ctx).Do(); err != nil {
		return fmt.Errorf("DeleteStudy: %w", err)
	}
	return nil
}

// StudyMetadataJSON fetches the DICOMweb /metadata for a study and returns
// pretty-printed JSON, for inspecting composed artifacts in tooling.
func (c *Client) StudyMetadataJSON(ctx context.Context, studyUID string) ([]byte, error) {
	if studyUID == "" {
		return nil, fmt.Errorf("studyUID is required")
	}

	parent := c.dicomStoreParent()
	dicomWebPath := fmt.Sprintf("studies/%s/metadata", studyUID)

	studiesSvc := c.svc.Projects.Locations.Datasets.DicomStores.Studies
	resp, err := studiesSvc.RetrieveMetadata(parent, dicomWebPath).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("RetrieveMetadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode > 299 {
		return nil, fmt.Errorf("RetrieveMetadata: status %d %s", resp.StatusCode, resp.Status)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode metadata JSON: %w", err)
	}

	pretty, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("pretty-print JSON: %w", err)
	}
	return pretty, nil
}
