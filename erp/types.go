package erp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Many2one decodes an ERP relation field, which arrives as [id, "name"] or
// false.
type Many2one struct {
	ID   int64
	Name string
}

func (m *Many2one) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("false")) || bytes.Equal(b, []byte("null")) {
		*m = Many2one{}
		return nil
	}
	if len(b) > 0 && b[0] != '[' {
		return json.Unmarshal(b, &m.ID)
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) == 0 {
		*m = Many2one{}
		return nil
	}
	if err := json.Unmarshal(pair[0], &m.ID); err != nil {
		return fmt.Errorf("many2one id: %w", err)
	}
	if len(pair) > 1 {
		_ = json.Unmarshal(pair[1], &m.Name)
	}
	return nil
}

// Text decodes a string field the ERP reports as false when empty.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("false")) || bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*t = Text(s)
	return nil
}

// toMajor converts minor currency units to the ERP's decimal amounts.
func toMajor(minor int64) float64 { return float64(minor) / 100 }

// toMinor converts an ERP decimal amount to minor units.
func toMinor(major float64) int64 {
	if major < 0 {
		return int64(major*100 - 0.5)
	}
	return int64(major*100 + 0.5)
}
