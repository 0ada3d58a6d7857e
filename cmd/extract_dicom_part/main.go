package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"os"
	"strings"
)

/*

 Splits a WADO-RS multipart/related response (as written by
 `artifact_tool -action=retrieve`) into individual .dcm files.

 go run ./cmd/extract_dicom_part \
 -in=study.multipart \
 -boundary=22d8f151d64a257ec4aaf5526657604e99ae9e7b4c49cb0ed0d53fddf37f \
 -out-prefix=part

*/

func main() {
	var (
		inPath      = flag.String("in", "study.multipart", "multipart response body file")
		boundary    = flag.String("boundary", "", "multipart boundary (from the response Content-Type)")
		contentType = flag.String("content-type", "", "full Content-Type header value (alternative to -boundary)")
		outPrefix   = flag.String("out-prefix", "part", "output file prefix; parts become <prefix>-N.dcm")
	)
	flag.Parse()

	b := *boundary
	if b == "" && *contentType != "" {
		mediaType, params, err := mime.ParseMediaType(*contentType)
		if err != nil {
			log.Fatalf("ParseMediaType: %v", err)
		}
		if !strings.HasPrefix(mediaType, "multipart/") {
			log.Fatalf("not multipart, got %q", mediaType)
		}
		b = params["boundary"]
	}
	if b == "" {
		log.Fatal("pass -boundary or -content-type")
	}

	f, err := os.Open(*inPath)
	if err != nil {
		log.Fatalf("open %s: %v", *inPath, err)
	}
	defer f.Close()

	// The input must be exactly the response body, no HTTP headers.
	reader := multipart.NewReader(bufio.NewReader(f), b)

	n := 0
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("NextPart: %v", err)
		}

		n++
		outPath := fmt.Sprintf("%s-%d.dcm", *outPrefix, n)
		out, err := os.Create(outPath)
		if err != nil {
			log.Fatalf("create %s: %v", outPath, err)
		}
		if _, err := io.Copy(out, part); err != nil {
			log.Fatalf("write %s: %v", outPath, err)
		}
		out.Close()
		part.Close()
		log.Printf("wrote %s (%s)", outPath, part.Header.Get("Content-Type"))
	}

	if n == 0 {
		log.Fatal("no parts found in multipart body")
	}
	log.Printf("extracted %d parts", n)
}
