package sync

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vaultmirror/vaultmirror/internal/db"
	apperrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/logging"
	"github.com/vaultmirror/vaultmirror/internal/models"
)

// recordSchema validates one external record on the wire. Calendar records
// additionally require a parseable start time in the payload.
const recordSchema = `{
	"type": "object",
	"required": ["id", "title"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"title": {"type": "string", "minLength": 1},
		"body": {"type": "string"},
		"payload": {"type": "object"}
	}
}`

const calendarSchema = `{
	"type": "object",
	"required": ["id", "title", "payload"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"title": {"type": "string", "minLength": 1},
		"body": {"type": "string"},
		"payload": {
			"type": "object",
			"required": ["start"],
			"properties": {
				"start": {"type": "string", "minLength": 1},
				"end": {"type": "string"},
				"all_day": {"type": "boolean"},
				"location": {"type": "string"},
				"status": {"type": "string"}
			}
		}
	}
}`

// Ingestor validates and persists bulk batches from the external fetchers.
// A malformed record is dropped from its batch; the remainder commits as one
// atomic transaction.
type Ingestor struct {
	store   *db.Store
	schemas map[models.ExternalKind]*jsonschema.Schema
}

// IngestResult reports one bulk ingest call.
type IngestResult struct {
	Ingested int `json:"ingested"`
	Dropped  int `json:"dropped"`
}

// NewIngestor creates an Ingestor with compiled per-kind schemas.
func NewIngestor(store *db.Store) (*Ingestor, error) {
	schemas := make(map[models.ExternalKind]*jsonschema.Schema)
	for kind, source := range map[models.ExternalKind]string{
		models.KindNews:     recordSchema,
		models.KindResearch: recordSchema,
		models.KindCalendar: calendarSchema,
	} {
		sch, err := compileSchema(string(kind), source)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s ingest schema: %w", kind, err)
		}
		schemas[kind] = sch
	}
	return &Ingestor{store: store, schemas: schemas}, nil
}

func compileSchema(name, source string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, err
	}
	url := "vaultmirror://schemas/" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Ingest validates each decoded record against the kind's schema, drops the
// malformed ones, and commits the rest in a single all-or-nothing batch.
// docs must be decoded JSON values (jsonschema.UnmarshalJSON shaped).
func (in *Ingestor) Ingest(kind models.ExternalKind, docs []interface{}) (*IngestResult, error) {
	sch, ok := in.schemas[kind]
	if !ok {
		return nil, apperrors.New(apperrors.ErrUnknownKind, fmt.Sprintf("unknown external kind: %s", kind))
	}

	result := &IngestResult{}
	var records []*models.ExternalRecord
	for _, doc := range docs {
		if err := sch.Validate(doc); err != nil {
			result.Dropped++
			logging.ErrorWithCode("Dropping malformed external record", string(apperrors.ErrIngestValidation), err,
				map[string]interface{}{"kind": string(kind)})
			continue
		}
		records = append(records, recordFromDoc(kind, doc.(map[string]interface{})))
	}

	if err := in.store.BulkUpsertExternal(kind, records); err != nil {
		return nil, err
	}
	result.Ingested = len(records)

	logging.Info("External batch ingested", map[string]interface{}{
		"kind":     string(kind),
		"ingested": result.Ingested,
		"dropped":  result.Dropped,
	})
	return result, nil
}

func recordFromDoc(kind models.ExternalKind, doc map[string]interface{}) *models.ExternalRecord {
	rec := &models.ExternalRecord{Kind: kind}
	rec.ID, _ = doc["id"].(string)
	rec.Title, _ = doc["title"].(string)
	rec.Body, _ = doc["body"].(string)
	if payload, ok := doc["payload"].(map[string]interface{}); ok {
		rec.Payload = models.Frontmatter(payload)
	}
	return rec
}
