package flow

import (
	"errors"
	"strings"
	"testing"

	"github.com/convoflow-ai/convoflow/flow/node"
)

func TestParseDefinition(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		doc := `{
			"id": "wf-support",
			"name": "Support",
			"entryPoint": "mem",
			"nodes": [
				{"id": "mem", "type": "ConversationMemory"},
				{"id": "out", "type": "StreamToClient", "config": {}}
			],
			"edges": [{"id": "e1", "from": "mem", "to": "out"}]
		}`
		def, err := ParseDefinition([]byte(doc))
		if err != nil {
			t.Fatalf("ParseDefinition: %v", err)
		}
		if def.ID != "wf-support" || def.EntryPoint != "mem" {
			t.Errorf("def = %+v", def)
		}
		if len(def.Nodes) != 2 || def.Nodes[0].Kind != node.KindConversationMemory {
			t.Errorf("nodes = %+v", def.Nodes)
		}
		if len(def.Edges) != 1 || def.Edges[0].From != "mem" {
			t.Errorf("edges = %+v", def.Edges)
		}
	})

	cases := []struct {
		name string
		doc  string
	}{
		{"not json", `{"id": `},
		{"missing id", `{"entryPoint": "a", "nodes": [{"id": "a", "type": "StreamToClient"}]}`},
		{"missing entry point", `{"id": "w", "nodes": [{"id": "a", "type": "StreamToClient"}]}`},
		{"empty nodes", `{"id": "w", "entryPoint": "a", "nodes": []}`},
		{"node without type", `{"id": "w", "entryPoint": "a", "nodes": [{"id": "a"}]}`},
		{"node without id", `{"id": "w", "entryPoint": "a", "nodes": [{"type": "StreamToClient"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tc.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if CodeOf(err) != CodeWorkflowInvalid {
				t.Errorf("code = %q, want %q", CodeOf(err), CodeWorkflowInvalid)
			}
		})
	}
}

func compileDoc(t *testing.T, doc string) (*Workflow, error) {
	t.Helper()
	def, err := ParseDefinition([]byte(doc))
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	return Compile(def, node.NewRegistry())
}

func TestCompileValid(t *testing.T) {
	wf, err := compileDoc(t, `{
		"id": "wf-1",
		"entryPoint": "mem",
		"nodes": [
			{"id": "mem", "type": "ConversationMemory"},
			{"id": "mi", "type": "ModelInvoke"},
			{"id": "out", "type": "StreamToClient"}
		],
		"edges": [
			{"from": "mem", "to": "mi"},
			{"from": "mi", "to": "out"}
		]
	}`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if wf.ID() != "wf-1" || wf.EntryPoint() != "mem" {
		t.Errorf("wf = %q entry %q", wf.ID(), wf.EntryPoint())
	}
	if len(wf.Unreachable) != 0 {
		t.Errorf("unreachable = %v", wf.Unreachable)
	}
}

func TestCompileRejections(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			"duplicate node id",
			`{"id": "w", "entryPoint": "a",
			  "nodes": [{"id": "a", "type": "StreamToClient"}, {"id": "a", "type": "Format"}]}`,
			"duplicate node id",
		},
		{
			"unknown entry point",
			`{"id": "w", "entryPoint": "ghost",
			  "nodes": [{"id": "a", "type": "StreamToClient"}]}`,
			"entryPoint references unknown node",
		},
		{
			"bad node config fails at compile",
			`{"id": "w", "entryPoint": "a",
			  "nodes": [
			    {"id": "a", "type": "Format", "config": {"outputFormat": "yaml"}},
			    {"id": "b", "type": "StreamToClient"}],
			  "edges": [{"from": "a", "to": "b"}]}`,
			"",
		},
		{
			"unknown node kind",
			`{"id": "w", "entryPoint": "a",
			  "nodes": [{"id": "a", "type": "Teleport"}]}`,
			"",
		},
		{
			"edge from unknown node",
			`{"id": "w", "entryPoint": "a",
			  "nodes": [{"id": "a", "type": "StreamToClient"}],
			  "edges": [{"from": "ghost", "to": "a"}]}`,
			"edge from unknown node",
		},
		{
			"edge to unknown node",
			`{"id": "w", "entryPoint": "a",
			  "nodes": [{"id": "a", "type": "StreamToClient"}],
			  "edges": [{"from": "a", "to": "ghost"}]}`,
			"edge to unknown node",
		},
		{
			"ambiguous unconditional fan-out",
			`{"id": "w", "entryPoint": "a",
			  "nodes": [
			    {"id": "a", "type": "ConversationMemory"},
			    {"id": "b", "type": "StreamToClient"},
			    {"id": "c", "type": "StreamToClient"}],
			  "edges": [{"from": "a", "to": "b"}, {"from": "a", "to": "c"}]}`,
			"use a Router",
		},
		{
			"router targets unknown node",
			`{"id": "w", "entryPoint": "r",
			  "nodes": [
			    {"id": "r", "type": "Router", "config": {
			      "routes": [{"condition": "true", "target": "ghost"}],
			      "defaultRoute": "out"}},
			    {"id": "out", "type": "StreamToClient"}]}`,
			"routes to unknown node",
		},
		{
			"fallback route targets unknown node",
			`{"id": "w", "entryPoint": "s",
			  "nodes": [
			    {"id": "s", "type": "SlotTracker", "config": {
			      "slots": [{"key": "email", "prompt": "Email?"}],
			      "maxTotalAttempts": 2,
			      "fallbackRoute": "ghost"}},
			    {"id": "out", "type": "StreamToClient"}],
			  "edges": [{"from": "s", "to": "out"}]}`,
			"routes to unknown node",
		},
		{
			"no terminal node",
			`{"id": "w", "entryPoint": "a",
			  "nodes": [
			    {"id": "a", "type": "ConversationMemory"},
			    {"id": "b", "type": "ConversationMemory"}],
			  "edges": [{"from": "a", "to": "b"}, {"from": "b", "to": "a"}]}`,
			"no terminal node",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := compileDoc(t, tc.doc)
			if err == nil {
				t.Fatal("expected compile error")
			}
			if CodeOf(err) != CodeWorkflowInvalid {
				t.Errorf("code = %q, want %q", CodeOf(err), CodeWorkflowInvalid)
			}
			if tc.want != "" && !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestCompileRouterFanOutAllowed(t *testing.T) {
	_, err := compileDoc(t, `{
		"id": "w", "entryPoint": "r",
		"nodes": [
			{"id": "r", "type": "Router", "config": {
				"routes": [{"condition": "intent == \"refund\"", "target": "a"}],
				"defaultRoute": "b"}},
			{"id": "a", "type": "StreamToClient"},
			{"id": "b", "type": "StreamToClient"}
		]
	}`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
}

func TestCompileFlagsUnreachableNodes(t *testing.T) {
	wf, err := compileDoc(t, `{
		"id": "w", "entryPoint": "a",
		"nodes": [
			{"id": "a", "type": "ConversationMemory"},
			{"id": "out", "type": "StreamToClient"},
			{"id": "island", "type": "Format"}
		],
		"edges": [{"from": "a", "to": "out"}]
	}`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(wf.Unreachable) != 1 || wf.Unreachable[0] != "island" {
		t.Errorf("Unreachable = %v, want [island]", wf.Unreachable)
	}
}

func TestCompileCountsRouteTargetsAsReachable(t *testing.T) {
	wf, err := compileDoc(t, `{
		"id": "w", "entryPoint": "r",
		"nodes": [
			{"id": "r", "type": "Router", "config": {
				"routes": [{"condition": "true", "target": "a"}],
				"defaultRoute": "b"}},
			{"id": "a", "type": "StreamToClient"},
			{"id": "b", "type": "StreamToClient"}
		]
	}`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(wf.Unreachable) != 0 {
		t.Errorf("Unreachable = %v, want none", wf.Unreachable)
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(&EngineError{Code: CodeStepLimitExceeded}); got != CodeStepLimitExceeded {
		t.Errorf("CodeOf(EngineError) = %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("CodeOf(plain) = %q, want %q", got, CodeInternal)
	}
}
