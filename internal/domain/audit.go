package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AnomalyKind names an invariant violation the auditor can detect.
type AnomalyKind string

const (
	AnomalyMissingCard          AnomalyKind = "MISSING_CARD"
	AnomalyDuplicateActiveCards AnomalyKind = "DUPLICATE_ACTIVE_CARDS"
	AnomalyBalanceDrift         AnomalyKind = "BALANCE_DRIFT"
)

// Anomaly is one detected violation. Key is stable across scans so that
// repeated reports of the same problem can be correlated.
type Anomaly struct {
	Key        string      `json:"key"`
	Kind       AnomalyKind `json:"kind"`
	CustomerID uuid.UUID   `json:"customer_id"`
	ProgramID  uuid.UUID   `json:"program_id"`
	BusinessID uuid.UUID   `json:"business_id"`
	CardID     *uuid.UUID  `json:"card_id,omitempty"`
	CardIDs    []uuid.UUID `json:"card_ids,omitempty"`
	Expected   *int64      `json:"expected,omitempty"`
	Actual     *int64      `json:"actual,omitempty"`
	DetectedAt time.Time   `json:"detected_at"`
}

// AnomalyKey builds the stable key for an anomaly.
func AnomalyKey(kind AnomalyKind, customerID, programID uuid.UUID, cardID *uuid.UUID) string {
	if cardID != nil {
		return fmt.Sprintf("%s:%s", strings.ToLower(string(kind)), cardID)
	}
	return fmt.Sprintf("%s:%s:%s", strings.ToLower(string(kind)), customerID, programID)
}

// SortAnomalies orders anomalies deterministically by kind then key.
func SortAnomalies(items []Anomaly) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Kind != items[j].Kind {
			return items[i].Kind < items[j].Kind
		}
		return items[i].Key < items[j].Key
	})
}

// RepairAction describes what a repair did.
type RepairAction string

const (
	RepairCreatedCard          RepairAction = "CREATED_CARD"
	RepairDeactivatedDuplicate RepairAction = "DEACTIVATED_DUPLICATES"
	RepairRecomputedBalance    RepairAction = "RECOMPUTED_BALANCE"
	RepairNoop                 RepairAction = "NOOP"
)

// RepairResult is returned by repair().
type RepairResult struct {
	AnomalyKey string       `json:"anomaly_key"`
	Kind       AnomalyKind  `json:"kind"`
	Action     RepairAction `json:"action"`
	Applied    bool         `json:"applied"`
	CardID     *uuid.UUID   `json:"card_id,omitempty"`
	Detail     string       `json:"detail"`
	ErrorCode  ErrorCode    `json:"error_code,omitempty"`
}

// ConsistencyRepair maps to the append-only `consistency_repairs` table.
type ConsistencyRepair struct {
	ID          uuid.UUID    `json:"id"`
	AnomalyKind AnomalyKind  `json:"anomaly_kind"`
	AnomalyKey  string       `json:"anomaly_key"`
	CardID      *uuid.UUID   `json:"card_id,omitempty"`
	CustomerID  uuid.UUID    `json:"customer_id"`
	ProgramID   uuid.UUID    `json:"program_id"`
	Action      RepairAction `json:"action"`
	Detail      string       `json:"detail"`
	CreatedAt   time.Time    `json:"created_at"`
}

// AuditReport summarises one scheduled audit run.
type AuditReport struct {
	StartedAt time.Time      `json:"started_at"`
	Anomalies []Anomaly      `json:"anomalies"`
	Repairs   []RepairResult `json:"repairs,omitempty"`
}
