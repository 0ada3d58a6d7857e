// Package orthanc is a small REST client for the subset of the Orthanc
// API the routing pipeline needs: resolving a series to a representative
// instance, fetching raw instance files, and storing composed instances
// back into the originating study.
package orthanc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const contentTypeDICOM = "application/dicom"

// Client manages communication with the Orthanc REST API.
type Client struct {
	BaseURL  string
	Username string
	Password string

	httpClient *http.Client
}

// NewClient creates an Orthanc client with a default HTTP client bounded
// by timeout. Credentials may be empty for unauthenticated servers.
func NewClient(baseURL, username, password string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    baseURL,
		Username:   username,
		Password:   password,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SeriesDetails holds the parts of Orthanc's /series/{id} response the
// pipeline cares about. Field names match Orthanc's JSON keys.
type SeriesDetails struct {
	ID       string `json:"ID"`
	MainTags struct {
		SeriesInstanceUID string `json:"SeriesInstanceUID,omitempty"`
		SeriesDescription string `json:"SeriesDescription,omitempty"`
		Modality          string `json:"Modality,omitempty"`
	} `json:"MainDicomTags"`
	Instances []string `json:"Instances"`
	IsStable  bool     `json:"IsStable"`
	Type      string   `json:"Type"`
}

// StoredInstance is Orthanc's answer to POST /instances.
type StoredInstance struct {
	ID     string `json:"ID"`
	Path   string `json:"Path"`
	Status string `json:"Status"` // "Success" or "AlreadyStored"
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request for %s: %w", method, path, err)
	}
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}
	return req, nil
}

// GetSeriesDetails retrieves /series/{id}, including the ordered instance
// list used to pick the representative instance.
func (c *Client) GetSeriesDetails(ctx context.Context, seriesID string) (*SeriesDetails, error) {
	if seriesID == "" {
		return nil, fmt.Errorf("seriesID cannot be empty")
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/series/"+seriesID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get series %s: %w", seriesID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("series %s not found (404)", seriesID)
		}
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("received non-OK status %d getting series %s: %s", resp.StatusCode, seriesID, string(bodyBytes))
	}

	var details SeriesDetails
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, fmt.Errorf("failed to decode series %s response: %w", seriesID, err)
	}
	return &details, nil
}

// GetInstanceFile retrieves the raw DICOM file for an instance via
// /instances/{id}/file.
func (c *Client) GetInstanceFile(ctx context.Context, instanceID string) ([]byte, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instanceID cannot be empty")
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/instances/"+instanceID+"/file", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get file for instance %s: %w", instanceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("instance %s not found (404)", instanceID)
		}
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("received non-OK status %d getting file for instance %s: %s", resp.StatusCode, instanceID, string(bodyBytes))
	}

	dicomData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file body for instance %s: %w", instanceID, err)
	}
	return dicomData, nil
}

// PostInstance stores one DICOM object via POST /instances. Orthanc
// attaches it to the right study from the object's own identity tags.
func (c *Client) PostInstance(ctx context.Context, dicomData []byte) (*StoredInstance, error) {
	if len(dicomData) == 0 {
		return nil, fmt.Errorf("empty DICOM payload")
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/instances", bytes.NewReader(dicomData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeDICOM)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to post instance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StoreError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var stored StoredInstance
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to decode store response: %w", err)
	}
	return &stored, nil
}

// StoreError reports a non-OK answer from POST /instances so callers can
// tell a rejection apart from a transport failure.
type StoreError struct {
	StatusCode int
	Body       string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("orthanc rejected instance with status %d: %s", e.StatusCode, e.Body)
}
