package orchestrator

import (
	"strings"
	"testing"
)

func TestParseRegistry(t *testing.T) {
	input := []byte(`
schema: corral.flows.v1
default_flow: dataset-etl
flows:
  - name: dataset-etl
    flow_id: 7f3c2a
    entrypoint: flows/dataset_etl.py:dataset_etl
    description: Ingest raw uploads into the secure zone.
    labels:
      tier: production
  - name: dataset-backfill
`)
	registry, err := ParseRegistry(input)
	if err != nil {
		t.Fatalf("ParseRegistry() err=%v", err)
	}
	if len(registry.Flows) != 2 {
		t.Fatalf("len(Flows)=%d, want 2", len(registry.Flows))
	}
	if registry.Flows[0].Labels["tier"] != "production" {
		t.Fatalf("Labels=%v, want tier=production", registry.Flows[0].Labels)
	}
}

func TestRegistryValidate(t *testing.T) {
	valid := Registry{
		Schema: RegistrySchemaV1,
		Flows: []Flow{
			{Name: "dataset-etl", FlowID: "7f3c2a"},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Schema = "bad"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("expected schema error")
	}

	dup := Registry{
		Schema: RegistrySchemaV1,
		Flows: []Flow{
			{Name: "dataset-etl"},
			{Name: "dataset-etl"},
		},
	}
	err := dup.Validate()
	if err == nil || !strings.Contains(err.Error(), "unique") {
		t.Fatalf("Validate() err=%v, want duplicate name error", err)
	}

	badDefault := Registry{
		Schema:      RegistrySchemaV1,
		DefaultFlow: "nope",
		Flows: []Flow{
			{Name: "dataset-etl"},
		},
	}
	if err := badDefault.Validate(); err == nil {
		t.Fatalf("expected unknown default_flow error")
	}
}

func TestRegistryLookup(t *testing.T) {
	registry := Registry{
		Schema:      RegistrySchemaV1,
		DefaultFlow: "dataset-etl",
		Flows: []Flow{
			{Name: "dataset-etl", FlowID: "7f3c2a"},
			{Name: "dataset-backfill"},
		},
	}

	flow, ok := registry.Lookup("dataset-backfill")
	if !ok {
		t.Fatalf("Lookup(dataset-backfill) not found")
	}
	if flow.OrchestratorID() != "dataset-backfill" {
		t.Fatalf("OrchestratorID()=%q, want name fallback", flow.OrchestratorID())
	}

	flow, ok = registry.Lookup("")
	if !ok || flow.Name != "dataset-etl" {
		t.Fatalf("Lookup(\"\")=%+v ok=%v, want default flow", flow, ok)
	}
	if flow.OrchestratorID() != "7f3c2a" {
		t.Fatalf("OrchestratorID()=%q, want explicit flow_id", flow.OrchestratorID())
	}

	if _, ok := registry.Lookup("missing"); ok {
		t.Fatalf("Lookup(missing) should not resolve")
	}
}
