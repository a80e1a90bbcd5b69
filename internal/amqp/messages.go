package amqp

import (
	"encoding/json"
	"time"

	"commonpurse/internal/core"
)

// ReportReadyMessage is the out-of-band completion signal from the rendering
// service: the artifact for request_id is ready to deliver.
type ReportReadyMessage struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ExportMessage asks the export worker to push one ledger row to the sheet.
// It carries only the keys; the worker fetches the full row from the store.
type ExportMessage struct {
	GroupID   core.GroupID `json:"group_id"`
	TxID      int64        `json:"transaction_id"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewExportMessage creates an export message for one ledger row.
func NewExportMessage(group core.GroupID, txID int64) *ExportMessage {
	return &ExportMessage{
		GroupID:   group,
		TxID:      txID,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *ExportMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ExportMessageFromJSON creates a message from JSON bytes
func ExportMessageFromJSON(data []byte) (*ExportMessage, error) {
	var msg ExportMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ToJSON converts the message to JSON bytes
func (m *ReportReadyMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ReportReadyMessageFromJSON creates a message from JSON bytes
func ReportReadyMessageFromJSON(data []byte) (*ReportReadyMessage, error) {
	var msg ReportReadyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
