package slidewise

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaSet compiles and holds the JSON schemas that guard worker
// boundaries. Inputs are checked before dispatch, results after; violations
// surface as validation/schema errors and are never retried.
type SchemaSet struct {
	inputs  map[string]*jsonschema.Schema
	results map[string]*jsonschema.Schema
}

// workerSchemas maps worker kind -> {input schema, result schema}. The set
// is closed: kinds without an entry pass through unvalidated.
var workerSchemas = map[string][2]string{
	WorkerClarify: {
		`{"type":"object","required":["text"],"properties":{
			"text":{"type":"string","minLength":1},
			"audience":{"type":"string"},
			"tone":{"type":"string"},
			"history":{"type":"array","items":{"type":"object","required":["role","content"],
				"properties":{"role":{"type":"string"},"content":{"type":"string"}}}}}}`,
		`{"type":"object","required":["response"],"properties":{
			"response":{"type":"string"},
			"finished":{"type":"boolean"}}}`,
	},
	WorkerOutline: {
		`{"type":"object","required":["brief"],"properties":{
			"brief":{"type":"string","minLength":1},
			"audience":{"type":"string"},
			"tone":{"type":"string"}}}`,
		`{"type":"object","required":["sections"],"properties":{
			"sections":{"type":"array","minItems":1,"items":{"type":"object","required":["title"],
				"properties":{
					"id":{"type":"string"},
					"title":{"type":"string","minLength":1},
					"description":{"type":"string"},
					"bullets":{"type":"array","items":{"type":"string"}}}}},
			"raw":{"type":"string"}}}`,
	},
	WorkerWriteSlide: {
		`{"type":"object","required":["section"],"properties":{
			"section":{"type":"object","required":["id","title"],"properties":{
				"id":{"type":"string"},
				"title":{"type":"string"},
				"description":{"type":"string"},
				"bullets":{"type":"array","items":{"type":"string"}}}},
			"evidence":{"type":"array","items":{"type":"object","required":["chunk_key","text"],
				"properties":{
					"chunk_key":{"type":"string"},
					"name":{"type":"string"},
					"text":{"type":"string"}}}},
			"audience":{"type":"string"},
			"tone":{"type":"string"}}}`,
		`{"type":"object","required":["slide"],"properties":{
			"slide":{"type":"object","required":["title","content"],"properties":{
				"id":{"type":"string"},
				"title":{"type":"string","minLength":1},
				"content":{"type":"array","minItems":1,"items":{"type":"string"}},
				"speaker_notes":{"type":"string"},
				"citations":{"type":"array","items":{"type":"string"}}}}}}`,
	},
	WorkerCritique: {
		`{"type":"object","required":["slides"],"properties":{
			"slides":{"type":"array"}}}`,
		`{"type":"object","required":["feedback"],"properties":{
			"feedback":{"type":"array","items":{"type":"object","required":["slide_id"],
				"properties":{
					"slide_id":{"type":"string"},
					"issues":{"type":"array","items":{"type":"string"}},
					"suggestions":{"type":"array","items":{"type":"string"}}}}}}}`,
	},
	WorkerPolishNotes: {
		`{"type":"object","required":["slide"],"properties":{"slide":{"type":"object"}}}`,
		`{"type":"object","required":["speaker_notes"],"properties":{
			"speaker_notes":{"type":"string"}}}`,
	},
	WorkerDesign: {
		`{"type":"object","required":["slides"],"properties":{
			"slides":{"type":"array"},
			"brand":{"type":"object"}}}`,
		`{"type":"object","required":["designs"],"properties":{
			"designs":{"type":"array","items":{"type":"object","required":["slide_id"],
				"properties":{
					"slide_id":{"type":"string"},
					"design":{"type":"object"},
					"image_prompt":{"type":"string"}}}}}}`,
	},
	WorkerScript: {
		`{"type":"object","required":["slides"],"properties":{
			"outline":{"type":"object"},
			"slides":{"type":"array"},
			"tone":{"type":"string"}}}`,
		`{"type":"object","required":["script"],"properties":{
			"script":{"type":"string","minLength":1}}}`,
	},
	WorkerResearch: {
		`{"type":"object","required":["topic"],"properties":{
			"topic":{"type":"string","minLength":1}}}`,
		`{"type":"object","required":["findings"],"properties":{
			"findings":{"type":"array","items":{"type":"object","required":["summary"],
				"properties":{
					"topic":{"type":"string"},
					"summary":{"type":"string"},
					"source":{"type":"string"}}}}}}`,
	},
	WorkerIngest: {
		`{"type":"object","required":["presentation_id","files"],"properties":{
			"presentation_id":{"type":"string","minLength":1},
			"files":{"type":"array","items":{"type":"object","required":["name"],
				"properties":{
					"name":{"type":"string"},
					"content_base64":{"type":"string"},
					"url":{"type":"string"},
					"kind":{"type":"string"}}}}}}`,
		`{"type":"object","required":["doc_count","chunk_count"],"properties":{
			"doc_count":{"type":"integer","minimum":0},
			"chunk_count":{"type":"integer","minimum":0}}}`,
	},
	WorkerRetrieve: {
		`{"type":"object","required":["presentation_id","query"],"properties":{
			"presentation_id":{"type":"string","minLength":1},
			"query":{"type":"string","minLength":1},
			"limit":{"type":"integer","minimum":1},
			"filter":{"type":"object","properties":{"document_kind":{"type":"string"}}}}}`,
		`{"type":"object","required":["chunks"],"properties":{
			"chunks":{"type":"array","items":{"type":"object","required":["chunk_key","text"],
				"properties":{
					"chunk_key":{"type":"string"},
					"name":{"type":"string"},
					"text":{"type":"string"},
					"url":{"type":"string"},
					"score":{"type":"number"}}}}}}`,
	},
}

// NewSchemaSet compiles the built-in worker schemas. Compilation failure is
// a programmer error (the schemas are static), surfaced as an error so the
// caller can treat it as fatal config.
func NewSchemaSet() (*SchemaSet, error) {
	s := &SchemaSet{
		inputs:  make(map[string]*jsonschema.Schema),
		results: make(map[string]*jsonschema.Schema),
	}
	c := jsonschema.NewCompiler()
	for worker, pair := range workerSchemas {
		for i, raw := range pair {
			kind := "input"
			if i == 1 {
				kind = "result"
			}
			url := fmt.Sprintf("worker://%s/%s.json", worker, kind)
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
			if err != nil {
				return nil, fmt.Errorf("schema %s: %w", url, err)
			}
			if err := c.AddResource(url, doc); err != nil {
				return nil, fmt.Errorf("schema %s: %w", url, err)
			}
			sch, err := c.Compile(url)
			if err != nil {
				return nil, fmt.Errorf("schema %s: %w", url, err)
			}
			if i == 0 {
				s.inputs[worker] = sch
			} else {
				s.results[worker] = sch
			}
		}
	}
	return s, nil
}

// ValidateInput checks a worker input document against its schema.
func (s *SchemaSet) ValidateInput(worker string, input json.RawMessage) error {
	return s.validate(s.inputs[worker], input)
}

// ValidateResult checks a worker result document against its schema.
func (s *SchemaSet) ValidateResult(worker string, result json.RawMessage) error {
	return s.validate(s.results[worker], result)
}

func (s *SchemaSet) validate(sch *jsonschema.Schema, doc json.RawMessage) error {
	if sch == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	return sch.Validate(inst)
}
