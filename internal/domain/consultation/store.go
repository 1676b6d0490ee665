package consultation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hospital/frontdesk/internal/platform/kvstore"
)

// HistoryKey is the kvstore slot that holds the consultation history.
const HistoryKey = "consultations.history"

// historyVersion is the envelope version written by Save. Version 1 and bare
// arrays carry the older alias fields and are migrated on read.
const historyVersion = 2

type envelope struct {
	Version int             `json:"version"`
	Records json.RawMessage `json:"records"`
}

// legacyRecord is a consultation as written before version 2, when the same
// concept could live under several field names.
type legacyRecord struct {
	Consultation
	Diagnosis             string   `json:"diagnosis"`
	ProvisionalDiagnosis  []string `json:"provisionalDiagnosis"`
	DifferentialDiagnosis []string `json:"differentialDiagnosis"`
	Notes                 string   `json:"notes"`
	Assessment            string   `json:"assessment"`
	Plan                  string   `json:"plan"`
}

// HistoryStore persists the whole consultation list as one slot.
type HistoryStore struct {
	kv kvstore.Store
}

func NewHistoryStore(kv kvstore.Store) *HistoryStore {
	return &HistoryStore{kv: kv}
}

// Load reads the history. migrated is true when the stored payload was in a
// legacy shape; the caller's next Save rewrites it in the current one.
func (s *HistoryStore) Load(ctx context.Context) (records []Consultation, migrated bool, err error) {
	raw, err := s.kv.Get(ctx, HistoryKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return []Consultation{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read consultation history: %w", err)
	}
	return decodeHistory(raw)
}

func (s *HistoryStore) Save(ctx context.Context, records []Consultation) error {
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode consultation history: %w", err)
	}
	payload, err := json.Marshal(envelope{Version: historyVersion, Records: body})
	if err != nil {
		return fmt.Errorf("encode consultation history: %w", err)
	}
	if err := s.kv.Put(ctx, HistoryKey, payload); err != nil {
		return fmt.Errorf("write consultation history: %w", err)
	}
	return nil
}

func decodeHistory(raw []byte) ([]Consultation, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return []Consultation{}, false, nil
	}

	// A bare array predates the envelope.
	if trimmed[0] == '[' {
		records, err := decodeLegacy(trimmed)
		return records, true, err
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, false, fmt.Errorf("decode consultation history: %w", err)
	}
	if env.Version < historyVersion {
		records, err := decodeLegacy(env.Records)
		return records, true, err
	}
	if env.Version > historyVersion {
		return nil, false, fmt.Errorf("consultation history version %d is newer than supported version %d", env.Version, historyVersion)
	}

	var records []Consultation
	if len(env.Records) > 0 {
		if err := json.Unmarshal(env.Records, &records); err != nil {
			return nil, false, fmt.Errorf("decode consultation history: %w", err)
		}
	}
	if records == nil {
		records = []Consultation{}
	}
	return records, false, nil
}

func decodeLegacy(raw json.RawMessage) ([]Consultation, error) {
	if len(raw) == 0 {
		return []Consultation{}, nil
	}
	var legacy []legacyRecord
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("decode legacy consultation history: %w", err)
	}
	out := make([]Consultation, 0, len(legacy))
	for _, l := range legacy {
		out = append(out, l.canonical())
	}
	return out, nil
}

// canonical folds the alias fields into their single canonical home.
func (l legacyRecord) canonical() Consultation {
	c := l.Consultation

	c.Diagnoses.Provisional = appendUnique(c.Diagnoses.Provisional, l.ProvisionalDiagnosis...)
	if d := strings.TrimSpace(l.Diagnosis); d != "" {
		c.Diagnoses.Provisional = appendUnique(c.Diagnoses.Provisional, d)
	}
	c.Diagnoses.Differential = appendUnique(c.Diagnoses.Differential, l.DifferentialDiagnosis...)

	if strings.TrimSpace(c.ClinicalNotes) == "" {
		var parts []string
		if n := strings.TrimSpace(l.Notes); n != "" {
			parts = append(parts, n)
		}
		if a := strings.TrimSpace(l.Assessment); a != "" {
			parts = append(parts, "Assessment: "+a)
		}
		if p := strings.TrimSpace(l.Plan); p != "" {
			parts = append(parts, "Plan: "+p)
		}
		c.ClinicalNotes = strings.Join(parts, "\n")
	}

	if c.Status == "" {
		c.Status = StatusInProgress
	}
	if c.ConsultationType == "" {
		c.ConsultationType = TypeRoutine
	}
	if c.SystemReview == nil {
		c.SystemReview = map[string]string{}
	}
	if c.Investigations == nil {
		c.Investigations = []string{}
	}
	c.Vitals = c.Vitals.withBMI()
	c.Diagnoses.Provisional = nonNil(c.Diagnoses.Provisional)
	c.Diagnoses.Differential = nonNil(c.Diagnoses.Differential)
	return c
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		seen := false
		for _, existing := range list {
			if existing == item {
				seen = true
				break
			}
		}
		if !seen {
			list = append(list, item)
		}
	}
	return list
}
