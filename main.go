package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/storage"

	"airouter-rest/dicomweb"
	"airouter-rest/orthanc"
)

// Handlers holds dependencies shared by HTTP handlers.
type Handlers struct {
	Cfg      Config
	DB       *FirestoreDB
	Storage  *storage.Client
	Pipeline *Pipeline
}

func main() {
	cfg := LoadConfig()

	ctx := context.Background()
	fsdb, err := NewFirestoreDB(ctx, cfg.ProjectID)
	if err != nil {
		log.Fatalf("failed to init Firestore: %v", err)
	}
	defer func() {
		if err := fsdb.Close(); err != nil {
			log.Printf("error closing Firestore client: %v", err)
		}
	}()

	var st *storage.Client
	if cfg.ArchiveBucket != "" {
		st, err = storage.NewClient(ctx)
		if err != nil {
			log.Fatalf("failed to init GCS storage client: %v", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				log.Printf("error closing storage client: %v", err)
			}
		}()
	}

	orthancClient := orthanc.NewClient(cfg.OrthancURL, cfg.OrthancUsername, cfg.OrthancPassword, cfg.StoreTimeout)

	var sink DeliverySink = &OrthancSink{Client: orthancClient}
	if cfg.UseHealthcareSink() {
		dw, err := dicomweb.NewClient(
			ctx,
			cfg.ProjectID,
			cfg.HealthcareLocation,
			cfg.HealthcareDatasetID,
			cfg.HealthcareStoreID,
		)
		if err != nil {
			log.Fatalf("failed to init DICOMweb client: %v", err)
		}
		sink = &HealthcareSink{Client: dw}
		log.Printf("delivery sink: Healthcare DICOM store %s/%s/%s",
			cfg.HealthcareLocation, cfg.HealthcareDatasetID, cfg.HealthcareStoreID)
	} else {
		log.Printf("delivery sink: Orthanc at %s", cfg.OrthancURL)
	}

	pipeline := &Pipeline{
		Cfg:      cfg,
		Source:   orthancClient,
		Backend:  NewModelBackendClient(cfg.BackendURL, cfg.BackendTimeout),
		Composer: NewComposer(cfg),
		Sink:     sink,
		Runs:     fsdb,
		Archive:  &ArtifactArchive{Storage: st, Bucket: cfg.ArchiveBucket},
	}

	h := &Handlers{
		Cfg:      cfg,
		DB:       fsdb,
		Storage:  st,
		Pipeline: pipeline,
	}

	mux := http.NewServeMux()

	// Stability event intake: direct webhook and Pub/Sub push.
	mux.HandleFunc("/internal/events/stable-study", h.StableStudyEventHandler)
	mux.HandleFunc("/internal/pubsub/stable-study", h.PubSubStableStudyHandler)

	// Run record inspection
	mux.HandleFunc("/api/runs", h.RunsHandler)
	mux.HandleFunc("/api/runs/", h.RunByIDHandler)

	// Clinician feedback on delivered results
	mux.HandleFunc("/api/feedback", h.FeedbackHandler)

	addr := cfg.ListenAddr
	server := &http.Server{
		Addr:    addr,
		Handler: withCORS(cfg.CORSAllowedOrigin, mux),
	}

	go func() {
		log.Printf("AI router listening on %s (project=%s, backend=%s)", addr, cfg.ProjectID, cfg.BackendURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down server...")
	if err := server.Shutdown(context.Background()); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}
