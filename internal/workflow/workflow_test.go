package workflow

import (
	"testing"
)

func sampleWorkflow() Workflow {
	return Workflow{
		ID:     "wf_1",
		Name:   "Order Intake",
		Active: true,
		Nodes: []any{
			map[string]any{"name": "Webhook", "type": "n8n-nodes-base.webhook"},
			map[string]any{"name": "Set", "type": "n8n-nodes-base.set"},
		},
		Connections: map[string]any{
			"Webhook": map[string]any{"main": []any{}},
		},
		Settings: map[string]any{
			"timezone": "Europe/Berlin",
		},
		Tags: []string{"prod", "intake"},
	}
}

func TestNormalizeForStorageStripsVolatileSettings(t *testing.T) {
	w := sampleWorkflow()
	w.Settings["executionUrl"] = "http://instance-a:5678/exec"
	w.Settings["callerPolicy"] = "any"
	w.Settings["saveManualExecutions"] = true

	doc := NormalizeForStorage(w)
	settings, ok := doc["settings"].(map[string]any)
	if !ok {
		t.Fatalf("expected settings map, got %T", doc["settings"])
	}
	for _, key := range volatileSettingKeys {
		if _, present := settings[key]; present {
			t.Fatalf("expected volatile setting %q to be stripped", key)
		}
	}
	if settings["timezone"] != "Europe/Berlin" {
		t.Fatalf("expected non-volatile setting to survive, got %v", settings["timezone"])
	}
}

func TestNormalizeForStorageSortsTags(t *testing.T) {
	doc := NormalizeForStorage(sampleWorkflow())
	tags, ok := doc["tags"].([]string)
	if !ok {
		t.Fatalf("expected tags slice, got %T", doc["tags"])
	}
	if len(tags) != 2 || tags[0] != "intake" || tags[1] != "prod" {
		t.Fatalf("expected sorted tags [intake prod], got %v", tags)
	}
}

func TestNormalizeForPushOmitsActiveAndTags(t *testing.T) {
	doc := NormalizeForPush(sampleWorkflow())
	if _, present := doc["active"]; present {
		t.Fatalf("push payload must not carry active")
	}
	if _, present := doc["tags"]; present {
		t.Fatalf("push payload must not carry tags")
	}
	if _, present := doc["id"]; present {
		t.Fatalf("push payload must not carry id")
	}
}

func TestHashIgnoresVolatileSettingsAndFieldOrder(t *testing.T) {
	a := sampleWorkflow()
	b := sampleWorkflow()
	b.Settings["executionUrl"] = "http://instance-b:5678/exec"
	b.Tags = []string{"intake", "prod"} // different order, same set

	hashA, err := Hash(a)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	hashB, err := Hash(b)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if hashA != hashB {
		t.Fatalf("expected identical hashes, got %s vs %s", hashA, hashB)
	}
}

func TestHashDependsOnNodeOrder(t *testing.T) {
	a := sampleWorkflow()
	b := sampleWorkflow()
	b.Nodes = []any{b.Nodes[1], b.Nodes[0]}

	hashA, _ := Hash(a)
	hashB, _ := Hash(b)
	if hashA == hashB {
		t.Fatalf("expected node order to change the hash")
	}
}

func TestHashIgnoresID(t *testing.T) {
	a := sampleWorkflow()
	b := sampleWorkflow()
	b.ID = "wf_other"

	hashA, _ := Hash(a)
	hashB, _ := Hash(b)
	if hashA != hashB {
		t.Fatalf("expected id to be excluded from the hash")
	}
}

func TestSafeFilename(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"Order Intake", "Order Intake.json"},
		{"a/b\\c:d", "a_b_c_d.json"},
		{"  spaced   out  ", "spaced out.json"},
		{"", "untitled.json"},
		{"   ", "untitled.json"},
	}
	for _, tc := range cases {
		if got := SafeFilename(tc.name); got != tc.want {
			t.Fatalf("SafeFilename(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}
