package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

/*

 go run ./cmd/send_event \
 -url=http://localhost:8080 \
 -study=a9b3f6e2-... \
 -series=f1c2d4e5-...,b2c3d4e6-...

 go run ./cmd/send_event \
 -url=http://localhost:8080 \
 -study=a9b3f6e2-... \
 -series=f1c2d4e5-... \
 -pubsub

*/

type stableStudyEvent struct {
	StudyID          string    `json:"study_id"`
	SeriesIDs        []string  `json:"series_ids"`
	StudyInstanceUID string    `json:"study_instance_uid"`
	Timestamp        time.Time `json:"timestamp"`
}

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "router base URL")
		studyID  = flag.String("study", "", "host server study ID")
		series   = flag.String("series", "", "comma-separated host server series IDs")
		studyUID = flag.String("study-uid", "", "StudyInstanceUID (optional)")
		asPubSub = flag.Bool("pubsub", false, "wrap the event in a Pub/Sub push envelope")
	)
	flag.Parse()

	if *studyID == "" {
		log.Fatal("-study is required")
	}

	event := stableStudyEvent{
		StudyID:          *studyID,
		StudyInstanceUID: *studyUID,
		Timestamp:        time.Now().UTC(),
	}
	for _, s := range strings.Split(*series, ",") {
		if s = strings.TrimSpace(s); s != "" {
			event.SeriesIDs = append(event.SeriesIDs, s)
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Fatalf("marshal event: %v", err)
	}

	endpoint := *baseURL + "/internal/events/stable-study"
	if *asPubSub {
		endpoint = *baseURL + "/internal/pubsub/stable-study"
		envelope := map[string]interface{}{
			"message": map[string]interface{}{
				"data":      base64.StdEncoding.EncodeToString(payload),
				"messageId": fmt.Sprintf("local-%d", time.Now().UnixNano()),
			},
			"subscription": "projects/local/subscriptions/stable-study",
		}
		payload, err = json.Marshal(envelope)
		if err != nil {
			log.Fatalf("marshal envelope: %v", err)
		}
	}

	resp, err := http.Post(endpoint, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("POST %s: %v", endpoint, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	log.Printf("%s -> %s", endpoint, resp.Status)
	fmt.Println(strings.TrimSpace(string(body)))
}
