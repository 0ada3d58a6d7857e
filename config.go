package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// Config holds service configuration. Env names reuse the ones the
// original plugin deployment already sets (MODEL_BACKEND_URL, AI_TEXT,
// AI_COLOR, AI_NAME) so compose files keep working.
type Config struct {
	ProjectID string
	DevBearer string

	ListenAddr string

	// Origin the viewer frontend calls the API from.
	CORSAllowedOrigin string

	// AI backend
	BackendURL     string
	BackendTimeout time.Duration

	// Composition
	OverlayText  string
	OverlayColor string
	ModelName    string
	ModelVersion string

	// Host DICOM server (instance source + default delivery sink)
	OrthancURL      string
	OrthancUsername string
	OrthancPassword string
	StoreTimeout    time.Duration

	// Routing policy
	TargetModalities []string

	// Optional GCS audit archive for composed artifacts.
	ArchiveBucket string

	// Optional Google Healthcare DICOM store sink; all three must be set
	// to switch delivery away from Orthanc.
	HealthcareLocation  string
	HealthcareDatasetID string
	HealthcareStoreID   string
}

// orthancCreds is a minimal view of the Orthanc credential secret JSON.
type orthancCreds struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loadOrthancCreds loads the Orthanc basic-auth credentials from Google
// Secret Manager. Best effort: an unreadable secret just means the client
// talks to Orthanc unauthenticated, which is how local dev runs.
func loadOrthancCreds(ctx context.Context, projectID string) (string, string) {
	const secretID = "airouter-orthanc-credentials"

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		log.Printf("loadOrthancCreds: failed to init Secret Manager client: %v", err)
		return "", ""
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("loadOrthancCreds: error closing Secret Manager client: %v", err)
		}
	}()

	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, secretID)
	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		log.Printf("loadOrthancCreds: AccessSecretVersion failed for %s: %v", name, err)
		return "", ""
	}
	if resp.Payload == nil || len(resp.Payload.Data) == 0 {
		log.Printf("loadOrthancCreds: secret %s has empty payload", name)
		return "", ""
	}

	var creds orthancCreds
	if err := json.Unmarshal(resp.Payload.Data, &creds); err != nil {
		log.Printf("loadOrthancCreds: failed to unmarshal credential JSON: %v", err)
		return "", ""
	}

	return creds.Username, creds.Password
}

// getenvDefault returns the env var value or a default if unset/empty.
func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getenvSeconds parses an integer-seconds env var with a fallback.
func getenvSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("LoadConfig: ignoring invalid %s=%q", key, v)
		return def
	}
	return time.Duration(n) * time.Second
}

// LoadConfig reads configuration from environment variables once at
// startup. Everything downstream receives the resulting struct explicitly;
// nothing else in the service reads the environment.
func LoadConfig() Config {
	projectID := getenvDefault("AIROUTER_PROJECT_ID", "airouter-dev")

	modalities := strings.Split(getenvDefault("AI_TARGET_MODALITIES", "MR"), ",")
	for i := range modalities {
		modalities[i] = strings.ToUpper(strings.TrimSpace(modalities[i]))
	}

	// If someone sets CORS_ALLOWED_ORIGIN to "localhost:3000" without a
	// scheme, normalize it so the browser sees an exact match to Origin.
	corsOrigin := getenvDefault("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	if corsOrigin != "*" && !strings.Contains(corsOrigin, "://") {
		corsOrigin = "http://" + corsOrigin
	}

	ctx := context.Background()
	orthancUser, orthancPass := loadOrthancCreds(ctx, projectID)

	return Config{
		ProjectID: projectID,
		DevBearer: os.Getenv("AUTH_DEV_BEARER"),

		ListenAddr: getenvDefault("LISTEN_ADDRESS", ":8080"),

		CORSAllowedOrigin: corsOrigin,

		BackendURL:     getenvDefault("MODEL_BACKEND_URL", "http://breast-cancer-classification:5555"),
		BackendTimeout: getenvSeconds("AI_BACKEND_TIMEOUT_SECONDS", 30*time.Second),

		OverlayText:  getenvDefault("AI_TEXT", "PROCESSED BY AI"),
		OverlayColor: getenvDefault("AI_COLOR", "red"),
		ModelName:    getenvDefault("AI_NAME", "Breast Cancer Classification Model"),
		ModelVersion: getenvDefault("AI_MODEL_VERSION", "1.2.3"),

		OrthancURL:      getenvDefault("ORTHANC_URL", "http://orthanc-viewer:8042"),
		OrthancUsername: orthancUser,
		OrthancPassword: orthancPass,
		StoreTimeout:    getenvSeconds("STORE_TIMEOUT_SECONDS", 10*time.Second),

		TargetModalities: modalities,

		ArchiveBucket: os.Getenv("AIROUTER_ARCHIVE_BUCKET"),

		HealthcareLocation:  os.Getenv("AIROUTER_HEALTHCARE_LOCATION"),
		HealthcareDatasetID: os.Getenv("AIROUTER_HEALTHCARE_DATASET"),
		HealthcareStoreID:   os.Getenv("AIROUTER_HEALTHCARE_DICOM_STORE"),
	}
}

// UseHealthcareSink reports whether delivery should go to the Google
// Healthcare DICOM store instead of Orthanc.
func (c Config) UseHealthcareSink() bool {
	return c.HealthcareLocation != "" && c.HealthcareDatasetID != "" && c.HealthcareStoreID != ""
}
