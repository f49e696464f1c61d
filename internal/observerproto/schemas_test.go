package observerproto_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"mobsim.ai/internal/observerproto"
)

func TestSchemas_ValidateMessages(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}
	// Validate the wire form, not the Go value.
	asDoc := func(v any) any {
		t.Helper()
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var doc any
		if err := json.Unmarshal(b, &doc); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return doc
	}

	subSchema := compile("observer_subscribe.schema.json")
	tickSchema := compile("observer_tick.schema.json")

	sub := observerproto.SubscribeMsg{
		Type:            "SUBSCRIBE",
		ProtocolVersion: observerproto.Version,
		EveryTicks:      5,
		RecordKinds:     []string{"trip", "sale"},
		AgentKinds:      []string{"*"},
	}
	if err := subSchema.Validate(asDoc(sub)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	tick := observerproto.TickMsg{
		Type:            "TICK",
		ProtocolVersion: observerproto.Version,
		Frame:           12,
		Ms:              12000,
		Population:      40,
		Scheduled:       38,
		Created:         2,
		Delivered:       9,
		Digest:          "0a1b2c",
		Workers:         []observerproto.WorkerLoad{{ID: 0, Agents: 20, Load: 19.5}},
		Agents:          []observerproto.AgentState{{ID: 3, Kind: "driver", Link: 7, Offset: 41.5}},
		Records:         []observerproto.RecordedItem{{Agent: 4, Kind: "trip", Data: map[string]int{"links": 3}}},
	}
	if err := tickSchema.Validate(asDoc(tick)); err != nil {
		t.Fatalf("tick: %v", err)
	}

	bad := tick
	bad.Type = "TOCK"
	if err := tickSchema.Validate(asDoc(bad)); err == nil {
		t.Fatalf("expected TOCK to be rejected")
	}
	badSub := sub
	badSub.Type = "HELLO"
	if err := subSchema.Validate(asDoc(badSub)); err == nil {
		t.Fatalf("expected HELLO to be rejected")
	}
}
