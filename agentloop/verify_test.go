package agentloop

import (
	"strings"
	"testing"
)

func stateWith(task string, turns ...Turn) *ConversationState {
	st := NewConversationState(task)
	st.Append(turns...)
	return st
}

func TestVerificationGateCheck(t *testing.T) {
	gate := NewVerificationGate(nil, 3, nil)
	writeResult := NewToolResultTurn("c1", "write_code_to_file", Success(nil))
	readResult := NewToolResultTurn("c1", "read_file", Success(nil))
	skippedWrite := NewSkippedToolResultTurn("c1", "write_code_to_file", "iteration limit reached, not executed")
	failedWrite := NewToolResultTurn("c1", "write_code_to_file", ErrorResult("tool arguments failed schema validation"))

	tests := []struct {
		name    string
		state   *ConversationState
		reenter bool
		short   bool
		intent  bool
	}{
		{"no intent", stateWith("explain what this project does"), false, false, false},
		{"intent and write", stateWith("Create hello.txt", writeResult), false, false, true},
		{"intent no write", stateWith("Create hello.txt", readResult), true, false, true},
		{"skipped write", stateWith("Create hello.txt", skippedWrite), true, false, true},
		{"failed write counts", stateWith("Create hello.txt", failedWrite), false, false, true},
		{"korean intent", stateWith("파일을 수정해줘"), true, false, true},
		{"case insensitive", stateWith("MODIFY THE README"), true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := gate.Check(tt.state)
			if v.Intent != tt.intent || v.Reenter != tt.reenter || v.Shortfall != tt.short {
				t.Errorf("unexpected verdict %+v", v)
			}
		})
	}
}

func TestVerificationGateWriteBeforeLatestRequestDoesNotCount(t *testing.T) {
	gate := NewVerificationGate(nil, 3, nil)
	st := stateWith("create a.txt",
		NewToolResultTurn("c1", "write_code_to_file", Success(nil)),
		NewUserTurn("now edit b.txt"),
	)
	if v := gate.Check(st); !v.Reenter {
		t.Errorf("expected re-entry for the newer request, got %+v", v)
	}
}

func TestVerificationGateSkipsCorrectiveTurns(t *testing.T) {
	gate := NewVerificationGate(nil, 3, nil)
	st := stateWith("create a.txt",
		NewAssistantTurn("text only", nil, zeroUsage, ""),
		NewCorrectiveTurn("[verification 1/3] please write the file", 1),
		NewToolResultTurn("c1", "write_code_to_file", Success(nil)),
	)
	st.incrementVerification()

	idx, req, ok := st.LatestUserRequest()
	if !ok || idx != 0 || req != "create a.txt" {
		t.Fatalf("expected original request, got %d %q %v", idx, req, ok)
	}
	if v := gate.Check(st); !v.Passed() || !v.Wrote {
		t.Errorf("expected write after corrective turn to pass, got %+v", v)
	}
}

func TestVerificationGateCap(t *testing.T) {
	gate := NewVerificationGate(nil, 2, nil)
	st := stateWith("write main.go")

	for attempt := 1; attempt <= 2; attempt++ {
		v := gate.Check(st)
		if !v.Reenter || v.Attempt != attempt {
			t.Fatalf("attempt %d: unexpected verdict %+v", attempt, v)
		}
		st.incrementVerification()
	}
	v := gate.Check(st)
	if v.Reenter || !v.Shortfall {
		t.Errorf("expected shortfall at cap, got %+v", v)
	}
	if st.VerificationCount() != 2 {
		t.Errorf("Check must not mutate state, count %d", st.VerificationCount())
	}
}

func TestVerificationGateDefaultsAndMessage(t *testing.T) {
	gate := NewVerificationGate(nil, 0, nil)
	if gate.Cap() != DefaultVerificationCap {
		t.Errorf("expected default cap, got %d", gate.Cap())
	}
	msg := gate.CorrectiveMessage(2)
	if !strings.HasPrefix(msg, "[verification 2/3]") || !strings.Contains(msg, "write_code_to_file") {
		t.Errorf("unexpected corrective message %q", msg)
	}

	custom := NewVerificationGate([]string{"Translate"}, 1, nil)
	if v := custom.Check(stateWith("please translate this")); !v.Intent || v.Matched != "translate" {
		t.Errorf("expected custom keyword match, got %+v", v)
	}
	if v := custom.Check(stateWith("create a file")); v.Intent {
		t.Errorf("custom keywords replace the defaults, got %+v", v)
	}
}

func TestVerificationGateUsesRegistryMutatingFlag(t *testing.T) {
	tool := echoTool("mcp__fs__write")
	tool.Mutating = true
	reg, err := NewToolRegistry([]Tool{tool})
	if err != nil {
		t.Fatal(err)
	}
	gate := NewVerificationGate(nil, 3, reg)
	st := stateWith("create x", NewToolResultTurn("c1", "mcp__fs__write", Success(nil)))
	if v := gate.Check(st); !v.Passed() {
		t.Errorf("expected flagged tool to count as a write, got %+v", v)
	}
}
