package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"airouter-rest/dicomweb"
)

/*

 go run ./cmd/artifact_tool \
 -action=meta \
 -study=1.2.840.113619.2.428.3.319444734.713.1759316145.343

 go run ./cmd/artifact_tool \
 -action=retrieve \
 -study=... \
 -out=study.multipart

 go run ./cmd/artifact_tool \
 -action=store \
 -in=sc-artifact.dcm

*/

func main() {
	var (
		studyUID  = flag.String("study", "", "DICOM StudyInstanceUID")
		action    = flag.String("action", "meta", "action: meta|retrieve|delete|store")
		output    = flag.String("out", "study.multipart", "output file for retrieve")
		input     = flag.String("in", "", "input DICOM file for store")
		projectID = flag.String("project", "airouter-dev", "GCP project ID")
		location  = flag.String("location", "us-central1", "Healthcare location")
		datasetID = flag.String("dataset", "airouter-dataset", "Healthcare dataset ID")
		storeID   = flag.String("store", "airouter-dicom", "Healthcare DICOM store ID")
	)
	flag.Parse()

	ctx := context.Background()
	client, err := dicomweb.NewClient(ctx, *projectID, *location, *datasetID, *storeID)
	if err != nil {
		log.Fatalf("NewClient: %v", err)
	}

	switch *action {
	case "retrieve":
		if *studyUID == "" {
			log.Fatal("-study is required")
		}
		if err := client.RetrieveStudyToFile(ctx, *studyUID, *output); err != nil {
			log.Fatalf("RetrieveStudyToFile: %v", err)
		}
	case "delete":
		if *studyUID == "" {
			log.Fatal("-study is required")
		}
		if err := client.DeleteStudy(ctx, *studyUID); err != nil {
			log.Fatalf("DeleteStudy: %v", err)
		}
	case "meta":
		if *studyUID == "" {
			log.Fatal("-study is required")
		}
		b, err := client.StudyMetadataJSON(ctx, *studyUID)
		if err != nil {
			log.Fatalf("StudyMetadataJSON: %v", err)
		}
		fmt.Println(string(b))
	case "store":
		if *input == "" {
			log.Fatal("-in is required for store")
		}
		data, err := os.ReadFile(*input)
		if err != nil {
			log.Fatalf("read %s: %v", *input, err)
		}
		if err := client.StoreInstance(ctx, data); err != nil {
			log.Fatalf("StoreInstance: %v", err)
		}
		log.Printf("stored %s (%d bytes)", *input, len(data))
	default:
		log.Fatalf("unknown -action %q (use meta|retrieve|delete|store)", *action)
	}
}
