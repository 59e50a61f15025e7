package sheetio

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pavelanni/omrgrade/internal/model"
)

//go:embed readings.schema.json
var readingsSchemaJSON string

var (
	readingsSchemaOnce sync.Once
	readingsSchema     *jsonschema.Schema
	readingsSchemaErr  error
)

func compiledReadingsSchema() (*jsonschema.Schema, error) {
	readingsSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("readings.schema.json", bytes.NewReader([]byte(readingsSchemaJSON))); err != nil {
			readingsSchemaErr = err
			return
		}
		readingsSchema, readingsSchemaErr = c.Compile("readings.schema.json")
	})
	return readingsSchema, readingsSchemaErr
}

// rawReading keeps question keys and marks as text until each sheet is
// converted on its own.
type rawReading struct {
	ID          string                   `json:"id"`
	StudentID   string                   `json:"student_id"`
	StudentName string                   `json:"student_name"`
	ImageRef    string                   `json:"image_ref"`
	Answers     map[string][]json.Number `json:"answers"`
}

// ParseReadings decodes the OCR reader's output: a JSON array of sheets.
// The document is checked against the readings schema first, so a
// structurally broken file is rejected as a whole. Marks that do not fit
// a question or bubble number only flag their own sheet (DecodeError), and
// out-of-range marks pass through to be reported per sheet by the grader.
func ParseReadings(r io.Reader) ([]model.ReadingImport, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read readings: %w", err)
	}

	schema, err := compiledReadingsSchema()
	if err != nil {
		return nil, fmt.Errorf("compile readings schema: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse readings: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid readings: %w", err)
	}

	var raw []rawReading
	dec = json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse readings: %w", err)
	}
	readings := make([]model.ReadingImport, len(raw))
	for i, rr := range raw {
		readings[i] = convertReading(rr)
	}
	return readings, nil
}

func convertReading(rr rawReading) model.ReadingImport {
	out := model.ReadingImport{
		ID:          rr.ID,
		StudentID:   rr.StudentID,
		StudentName: rr.StudentName,
		ImageRef:    rr.ImageRef,
		Answers:     make(map[int][]int, len(rr.Answers)),
	}
	for _, k := range slices.Sorted(maps.Keys(rr.Answers)) {
		q, err := strconv.Atoi(k)
		if err != nil || q < 1 || strconv.Itoa(q) != k {
			out.DecodeError = fmt.Sprintf("invalid question number %q", k)
			continue
		}
		if _, dup := out.Answers[q]; dup {
			out.DecodeError = fmt.Sprintf("question %d listed twice", q)
			continue
		}
		marks := make([]int, 0, len(rr.Answers[k]))
		for _, n := range rr.Answers[k] {
			v, err := strconv.Atoi(n.String())
			if err != nil {
				out.DecodeError = fmt.Sprintf("question %d: mark %s is not a bubble number", q, n)
				continue
			}
			marks = append(marks, v)
		}
		out.Answers[q] = marks
	}
	return out
}
