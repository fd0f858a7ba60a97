package kafka

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	Record *models.RawEntityRecord
}

// CleanRecord is the plain JSON form of a clean source record
type CleanRecord struct {
	RecordID        string            `json:"record_id"`
	SourceSystem    string            `json:"source_system"`
	EntityType      string            `json:"entity_type"`
	ChangeType      string            `json:"change_type"`
	Attributes      map[string]string `json:"attributes"`
	BatchID         string            `json:"batch_id"`
	SourceTimestamp *time.Time        `json:"source_timestamp"`
}

// DebeziumEnvelope is the Debezium CDC message format for a staging row
type DebeziumEnvelope struct {
	Schema  json.RawMessage `json:"schema,omitempty"`
	Payload DebeziumPayload `json:"payload"`
}

// DebeziumPayload contains the before/after state of a row
type DebeziumPayload struct {
	Before *CleanRecord    `json:"before"`
	After  *CleanRecord    `json:"after"`
	Source json.RawMessage `json:"source"`
	Op     string          `json:"op"` // c=create, u=update, d=delete, r=read (snapshot)
	TsMs   int64           `json:"ts_ms"`
}

// ChangeType maps the Debezium operation onto a record change type
func (p *DebeziumPayload) ChangeType() (models.ChangeType, error) {
	switch p.Op {
	case "c", "r":
		return models.ChangeTypeInsert, nil
	case "u":
		return models.ChangeTypeUpdate, nil
	case "d":
		return models.ChangeTypeDelete, nil
	}
	return "", fmt.Errorf("unsupported debezium op %q", p.Op)
}

// ParseRecord decodes the value as either a plain clean record or a Debezium
// envelope around one. Headers fill in a missing entity type or batch id.
func (m *IncomingMessage) ParseRecord() error {
	var clean CleanRecord
	var changeType models.ChangeType
	fallbackTime := m.Timestamp

	if isDebezium(m.Value) {
		var envelope DebeziumEnvelope
		if err := json.Unmarshal(m.Value, &envelope); err != nil {
			return fmt.Errorf("invalid debezium envelope: %w", err)
		}
		ct, err := envelope.Payload.ChangeType()
		if err != nil {
			return err
		}
		row := envelope.Payload.After
		if ct == models.ChangeTypeDelete {
			row = envelope.Payload.Before
		}
		if row == nil {
			return fmt.Errorf("debezium %s event without row state", envelope.Payload.Op)
		}
		clean, changeType = *row, ct
		if envelope.Payload.TsMs > 0 {
			fallbackTime = time.UnixMilli(envelope.Payload.TsMs).UTC()
		}
	} else {
		if err := json.Unmarshal(m.Value, &clean); err != nil {
			return fmt.Errorf("invalid clean record: %w", err)
		}
		changeType = models.ChangeType(strings.ToUpper(clean.ChangeType))
	}

	if clean.EntityType == "" {
		clean.EntityType = m.Headers["entity_type"]
	}
	if clean.BatchID == "" {
		clean.BatchID = m.Headers["batch_id"]
	}
	if clean.RecordID == "" {
		clean.RecordID = m.Key
	}

	entityType := models.EntityType(clean.EntityType)
	if !entityType.IsValid() {
		return fmt.Errorf("unknown entity type %q", clean.EntityType)
	}
	if clean.RecordID == "" {
		return fmt.Errorf("record without id")
	}
	switch changeType {
	case models.ChangeTypeInsert, models.ChangeTypeUpdate, models.ChangeTypeDelete:
	case "":
		changeType = models.ChangeTypeInsert
	default:
		return fmt.Errorf("unknown change type %q", changeType)
	}

	ts := fallbackTime
	if clean.SourceTimestamp != nil {
		ts = *clean.SourceTimestamp
	}

	m.Record = &models.RawEntityRecord{
		RecordID:        clean.RecordID,
		SourceSystem:    clean.SourceSystem,
		EntityType:      entityType,
		ChangeType:      changeType,
		Attributes:      models.Attributes(clean.Attributes),
		BatchID:         clean.BatchID,
		SourceTimestamp: ts.UTC(),
	}
	return nil
}

func isDebezium(value []byte) bool {
	return bytes.Contains(value, []byte(`"payload"`)) && bytes.Contains(value, []byte(`"op"`))
}
