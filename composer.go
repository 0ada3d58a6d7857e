package main

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// SOP class / transfer syntax UIDs used for the composed artifacts.
const (
	sopClassSecondaryCapture   = "1.2.840.10008.5.1.4.1.1.7"
	sopClassComprehensiveSR    = "1.2.840.10008.5.1.4.1.1.88.33"
	transferSyntaxExplicitVRLE = "1.2.840.10008.1.2.1"
)

// Artifact is one composed DICOM object, ready for delivery. Artifacts are
// immutable after composition; the destination store owns them afterwards.
type Artifact struct {
	Kind              string // "SC" or "SR"
	SOPInstanceUID    string
	SeriesInstanceUID string
	Data              []byte
}

// ComposedPair bundles the two artifacts one pipeline run produces. The SC
// carries a reference to the SR and both share one creation timestamp so
// viewers can pair them.
type ComposedPair struct {
	SC Artifact
	SR Artifact
}

// Composer turns an inference result plus one source instance into an
// annotated Secondary Capture and a Structured Report. NewUID and Now are
// injectable so tests can pin identifier and timestamp generation;
// everything else about composition is deterministic.
type Composer struct {
	OverlayText  string
	OverlayColor string
	ModelName    string
	ModelVersion string

	NewUID func() string
	Now    func() time.Time
}

// NewComposer builds a Composer from service configuration.
func NewComposer(cfg Config) *Composer {
	return &Composer{
		OverlayText:  cfg.OverlayText,
		OverlayColor: cfg.OverlayColor,
		ModelName:    cfg.ModelName,
		ModelVersion: cfg.ModelVersion,
		NewUID:       NewDICOMUID,
		Now:          time.Now,
	}
}

// NewDICOMUID generates a unique DICOM UID under the UUID-derived "2.25"
// root.
func NewDICOMUID() string {
	u := uuid.New()
	var n big.Int
	n.SetBytes(u[:])
	return "2.25." + n.String()
}

// Compose builds the SC/SR pair for one run.
//
// Confidence values are passed through exactly as received; a value outside
// [0,100] fails with InvalidResult and produces no artifacts. The source
// dataset is only read, never mutated.
func (c *Composer) Compose(sourceDICOM []byte, result *InferenceResult) (*ComposedPair, error) {
	if result == nil || result.Left == nil || result.Right == nil ||
		result.Left.Confidence == nil || result.Right.Confidence == nil {
		return nil, pipelineErrf(ErrInvalidResult, "inference result is missing a side")
	}
	for side, sr := range map[string]*SideResult{"left": result.Left, "right": result.Right} {
		if v := *sr.Confidence; v < 0 || v > 100 {
			return nil, pipelineErrf(ErrInvalidResult, "%s confidence %v outside [0,100]", side, v)
		}
	}

	srcDS, err := dicom.Parse(bytes.NewReader(sourceDICOM), int64(len(sourceDICOM)), nil)
	if err != nil {
		return nil, pipelineErrf(ErrInvalidEvent, "parse source instance: %v", err)
	}

	now := c.Now()
	creationDate := now.Format("20060102")
	creationTime := now.Format("150405.000")

	srSeriesUID := c.NewUID()
	srSOPUID := c.NewUID()
	scSeriesUID := c.NewUID()
	scSOPUID := c.NewUID()

	srBytes, err := c.buildSR(&srcDS, result, srSeriesUID, srSOPUID, creationDate, creationTime)
	if err != nil {
		return nil, err
	}

	scBytes, err := c.buildSC(&srcDS, scSeriesUID, scSOPUID, srSOPUID, creationDate, creationTime)
	if err != nil {
		return nil, err
	}

	return &ComposedPair{
		SC: Artifact{Kind: "SC", SOPInstanceUID: scSOPUID, SeriesInstanceUID: scSeriesUID, Data: scBytes},
		SR: Artifact{Kind: "SR", SOPInstanceUID: srSOPUID, SeriesInstanceUID: srSeriesUID, Data: srBytes},
	}, nil
}

// getStringByTag extracts the first string value for the given tag, using
// dicom.MustGetStrings on the element's value so we get clean values like
// "MR" or "1.2.840...." instead of the verbose Element.String() form.
func getStringByTag(ds *dicom.Dataset, t tag.Tag) string {
	if ds == nil {
		return ""
	}
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return ""
	}
	vals := dicom.MustGetStrings(el.Value)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// elems is a small builder that accumulates dataset elements and remembers
// the first construction error, so callers don't check every append.
type elems struct {
	list []*dicom.Element
	err  error
}

func (e *elems) add(t tag.Tag, data interface{}) {
	if e.err != nil {
		return
	}
	el, err := dicom.NewElement(t, data)
	if err != nil {
		e.err = fmt.Errorf("element %v: %w", t, err)
		return
	}
	e.list = append(e.list, el)
}

func (e *elems) addStrings(t tag.Tag, vals ...string) {
	e.add(t, vals)
}

// addSeq appends a sequence element with the given items.
func (e *elems) addSeq(t tag.Tag, items ...[]*dicom.Element) {
	e.add(t, items)
}

// codeItem builds a coded-entry sequence item (CodeValue, scheme, meaning).
func codeItem(codeValue, scheme, meaning string) ([]*dicom.Element, error) {
	var b elems
	b.addStrings(tag.CodeValue, codeValue)
	b.addStrings(tag.CodingSchemeDesignator, scheme)
	b.addStrings(tag.CodeMeaning, meaning)
	return b.list, b.err
}

// fileMeta returns the group-2 elements the writer needs for an Explicit
// VR Little Endian object of the given SOP class/instance.
func fileMeta(sopClassUID, sopInstanceUID string) ([]*dicom.Element, error) {
	var b elems
	b.addStrings(tag.MediaStorageSOPClassUID, sopClassUID)
	b.addStrings(tag.MediaStorageSOPInstanceUID, sopInstanceUID)
	b.addStrings(tag.TransferSyntaxUID, transferSyntaxExplicitVRLE)
	return b.list, b.err
}

// copyIdentity copies the patient/study identification tags from the
// source onto the artifact so it lands inside the same study. Absent tags
// are simply skipped, as with the original plugin.
func copyIdentity(b *elems, src *dicom.Dataset) {
	for _, t := range []tag.Tag{
		tag.StudyDate,
		tag.StudyTime,
		tag.PatientName,
		tag.PatientID,
		tag.PatientBirthDate,
		tag.PatientSex,
		tag.StudyInstanceUID,
		tag.StudyID,
	} {
		if v := getStringByTag(src, t); v != "" {
			b.addStrings(t, v)
		}
	}
}

// sourceReference builds the ReferencedImageSequence item pointing back at
// the instance the artifact was derived from.
func sourceReference(src *dicom.Dataset) ([]*dicom.Element, error) {
	var b elems
	b.addStrings(tag.ReferencedSOPClassUID, getStringByTag(src, tag.SOPClassUID))
	b.addStrings(tag.ReferencedSOPInstanceUID, getStringByTag(src, tag.SOPInstanceUID))
	return b.list, b.err
}

/////////////////////////////////////////////////////////////////
//
//   Secondary Capture: copy of the source pixel data with the
//   configured text banner burned in at the top-left anchor.
//

func (c *Composer) buildSC(src *dicom.Dataset, seriesUID, sopUID, srSOPUID, creationDate, creationTime string) ([]byte, error) {
	frames, rows, cols, err := c.overlayFrames(src)
	if err != nil {
		return nil, err
	}

	meta, err := fileMeta(sopClassSecondaryCapture, sopUID)
	if err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "build SC file meta: %v", err)
	}

	srcRef, err := sourceReference(src)
	if err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "build SC source reference: %v", err)
	}
	srRef, err := func() ([]*dicom.Element, error) {
		var b elems
		b.addStrings(tag.ReferencedSOPClassUID, sopClassComprehensiveSR)
		b.addStrings(tag.ReferencedSOPInstanceUID, srSOPUID)
		return b.list, b.err
	}()
	if err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "build SC report reference: %v", err)
	}

	b := elems{list: meta}
	b.addStrings(tag.InstanceCreationDate, creationDate)
	b.addStrings(tag.InstanceCreationTime, creationTime)
	b.addStrings(tag.SOPClassUID, sopClassSecondaryCapture)
	b.addStrings(tag.SOPInstanceUID, sopUID)
	b.addStrings(tag.Modality, "SC")
	b.addStrings(tag.ConversionType, "DF")
	b.addStrings(tag.StudyDescription, "AI Heatmap Visualization")
	b.addStrings(tag.SeriesDescription, c.ModelName+" - Heatmap")
	b.addStrings(tag.ManufacturerModelName, c.ModelName)
	b.addSeq(tag.ReferencedImageSequence, srcRef)
	b.addSeq(tag.ReferencedInstanceSequence, srRef)
	copyIdentity(&b, src)
	b.addStrings(tag.DeviceSerialNumber, "AI-MODEL-001")
	b.addStrings(tag.SoftwareVersions, c.ModelVersion)
	b.addStrings(tag.SeriesInstanceUID, seriesUID)
	b.add(tag.SamplesPerPixel, []int{3})
	b.addStrings(tag.PhotometricInterpretation, "RGB")
	b.add(tag.PlanarConfiguration, []int{0})
	if len(frames) > 1 {
		b.addStrings(tag.NumberOfFrames, strconv.Itoa(len(frames)))
	}
	b.add(tag.Rows, []int{rows})
	b.add(tag.Columns, []int{cols})
	b.add(tag.BitsAllocated, []int{8})
	b.add(tag.BitsStored, []int{8})
	b.add(tag.HighBit, []int{7})
	b.add(tag.PixelRepresentation, []int{0})
	b.add(tag.PixelData, dicom.PixelDataInfo{IsEncapsulated: false, Frames: frames})
	if b.err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "build SC dataset: %v", b.err)
	}

	out, err := encodeDataset(b.list)
	if err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "encode SC: %v", err)
	}
	return out, nil
}

// encodeDataset sorts elements into ascending tag order (a DICOM stream
// requirement the writer does not enforce) and serializes the dataset.
func encodeDataset(els []*dicom.Element) ([]byte, error) {
	sort.SliceStable(els, func(i, j int) bool {
		a, b := els[i].Tag, els[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})
	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: els}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// overlayFrames decodes every source frame, composites the annotation onto
// a fresh RGB copy, and returns native 8-bit frames sized like the source.
func (c *Composer) overlayFrames(src *dicom.Dataset) ([]*frame.Frame, int, int, error) {
	el, err := src.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, 0, 0, pipelineErrf(ErrInvalidEvent, "source instance has no pixel data: %v", err)
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if len(info.Frames) == 0 {
		return nil, 0, 0, pipelineErrf(ErrInvalidEvent, "source instance has no frames")
	}

	col := parseOverlayColor(c.OverlayColor)

	var out []*frame.Frame
	var rows, cols int
	for i, f := range info.Frames {
		img, err := f.GetImage()
		if err != nil {
			return nil, 0, 0, pipelineErrf(ErrInvalidEvent, "decode source frame %d: %v", i, err)
		}

		bounds := img.Bounds()
		rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, bounds.Min, draw.Src)
		applyOverlay(rgba, c.OverlayText, col)

		rows, cols = rgba.Bounds().Dy(), rgba.Bounds().Dx()
		nf := frame.NewNativeFrame[uint8](8, rows, cols, rows*cols, 3)
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				px := rgba.RGBAAt(x, y)
				idx := (y*cols + x) * 3
				nf.RawData[idx] = px.R
				nf.RawData[idx+1] = px.G
				nf.RawData[idx+2] = px.B
			}
		}
		out = append(out, &frame.Frame{Encapsulated: false, NativeData: nf})
	}
	return out, rows, cols, nil
}

/////////////////////////////////////////////////////////////////
//
//   Structured Report: one root container with a finding per side
//   (left before right, always both) plus the model metadata item.
//

func (c *Composer) buildSR(src *dicom.Dataset, result *InferenceResult, seriesUID, sopUID, creationDate, creationTime string) ([]byte, error) {
	meta, err := fileMeta(sopClassComprehensiveSR, sopUID)
	if err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "build SR file meta: %v", err)
	}

	leftItem, err := c.findingItem("Left", result.Left)
	if err != nil {
		return nil, err
	}
	rightItem, err := c.findingItem("Right", result.Right)
	if err != nil {
		return nil, err
	}
	modelItem, err := c.modelItem()
	if err != nil {
		return nil, err
	}

	rootName, err := codeItem("18748-4", "LN", "Diagnostic Imaging Report")
	if err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "build SR root concept: %v", err)
	}

	var root elems
	root.addStrings(tag.ValueType, "CONTAINER")
	root.addSeq(tag.ConceptNameCodeSequence, rootName)
	root.addStrings(tag.ContinuityOfContent, "SEPARATE")
	root.addSeq(tag.ContentSequence, leftItem, rightItem, modelItem)
	if root.err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "build SR root container: %v", root.err)
	}

	srcRef, err := sourceReference(src)
	if err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "build SR source reference: %v", err)
	}

	b := elems{list: meta}
	b.addStrings(tag.InstanceCreationDate, creationDate)
	b.addStrings(tag.InstanceCreationTime, creationTime)
	b.addStrings(tag.SOPClassUID, sopClassComprehensiveSR)
	b.addStrings(tag.SOPInstanceUID, sopUID)
	b.addStrings(tag.Modality, "SR")
	b.addStrings(tag.StudyDescription, "AI Classification Report")
	b.addStrings(tag.SeriesDescription, "Automated Diagnostic Findings")
	b.addStrings(tag.ManufacturerModelName, c.ModelName)
	b.addSeq(tag.ReferencedImageSequence, srcRef)
	copyIdentity(&b, src)
	b.addStrings(tag.SoftwareVersions, c.ModelVersion)
	b.addStrings(tag.SeriesInstanceUID, seriesUID)
	b.addSeq(tag.ContentSequence, root.list)
	if b.err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "build SR dataset: %v", b.err)
	}

	out, err := encodeDataset(b.list)
	if err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "encode SR: %v", err)
	}
	return out, nil
}

// findingItem builds the CODE content item for one side. The prediction
// maps onto SNOMED malignant/benign; the confidence rides along as a UCUM
// percent measurement, formatted without rounding.
func (c *Composer) findingItem(side string, sr *SideResult) ([]*dicom.Element, error) {
	name, err := codeItem("R-00339", "SRT", side+" Side Probability")
	if err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "build %s finding concept: %v", side, err)
	}

	var concept []*dicom.Element
	if sr.Prediction == PredictionCancerous {
		concept, err = codeItem("86049000", "SCT", "Malignant")
	} else {
		concept, err = codeItem("108369006", "SCT", "Benign")
	}
	if err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "build %s finding code: %v", side, err)
	}

	units, err := codeItem("%", "UCUM", "%")
	if err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "build %s units: %v", side, err)
	}

	var measured elems
	measured.addSeq(tag.MeasurementUnitsCodeSequence, units)
	measured.addStrings(tag.NumericValue, strconv.FormatFloat(*sr.Confidence, 'f', -1, 64))
	if measured.err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "build %s measurement: %v", side, measured.err)
	}

	var item elems
	item.addStrings(tag.ValueType, "CODE")
	item.addSeq(tag.ConceptNameCodeSequence, name)
	item.addSeq(tag.ConceptCodeSequence, concept)
	item.addSeq(tag.MeasuredValueSequence, measured.list)
	if item.err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "build %s finding item: %v", side, item.err)
	}
	return item.list, nil
}

// modelItem builds the TEXT content item naming the model that produced
// the findings.
func (c *Composer) modelItem() ([]*dicom.Element, error) {
	name, err := codeItem("12710003", "SCT", "AI Model")
	if err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "build model concept: %v", err)
	}

	var item elems
	item.addStrings(tag.ValueType, "TEXT")
	item.addSeq(tag.ConceptNameCodeSequence, name)
	item.addStrings(tag.TextValue, c.ModelName)
	if item.err != nil {
		return nil, pipelineErrf(ErrStoreRejected, "build model item: %v", item.err)
	}
	return item.list, nil
}
