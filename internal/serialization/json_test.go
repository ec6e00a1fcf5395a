package serialization

import (
	"bytes"
	"testing"
)

type testPayload struct {
	OrderID string            `json:"orderId"`
	Total   float64           `json:"total"`
	Tags    map[string]string `json:"tags,omitempty"`
}

func TestJSON_RoundTrip(t *testing.T) {
	s := NewJSON()

	in := testPayload{OrderID: "O1", Total: 50, Tags: map[string]string{"region": "eu"}}

	data, err := s.Serialize(in)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	var out testPayload
	if err := s.Deserialize(data, &out); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}

	if out.OrderID != "O1" || out.Total != 50 || out.Tags["region"] != "eu" {
		t.Errorf("Round trip mismatch: %+v", out)
	}
}

func TestJSON_StreamRoundTrip(t *testing.T) {
	s := NewJSON()

	var buf bytes.Buffer
	in := testPayload{OrderID: "O2", Total: 12.5}

	if err := s.SerializeTo(&buf, in); err != nil {
		t.Fatalf("SerializeTo failed: %v", err)
	}

	var out testPayload
	if err := s.DeserializeFrom(&buf, &out); err != nil {
		t.Fatalf("DeserializeFrom failed: %v", err)
	}

	if out.OrderID != "O2" || out.Total != 12.5 {
		t.Errorf("Stream round trip mismatch: %+v", out)
	}
}

func TestJSON_DeserializeInvalid(t *testing.T) {
	s := NewJSON()

	var out testPayload
	if err := s.Deserialize([]byte("{not json"), &out); err == nil {
		t.Error("Expected error for invalid input")
	}
}

func TestJSON_ContentType(t *testing.T) {
	if NewJSON().ContentType() != ContentTypeJSON {
		t.Errorf("Unexpected content type: %s", NewJSON().ContentType())
	}
}
