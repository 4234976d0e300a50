package agentloop

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/martinemde/taskpilot/unifiedllm"
)

func propertyParameters(runs int) *gopter.TestParameters {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = runs
	parameters.MaxSize = 20
	return parameters
}

// genTurn builds user, assistant, tool-result or corrective turns.
func genTurn() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 3),
		gen.AlphaString(),
	).Map(func(values []interface{}) Turn {
		text := values[1].(string)
		switch values[0].(int) {
		case 0:
			return NewUserTurn(text)
		case 1:
			return NewAssistantTurn(text, []unifiedllm.ToolCall{call("c", "read_file", map[string]interface{}{"file_path": text})}, zeroUsage, "")
		case 2:
			return NewToolResultTurn("c", "read_file", Success(map[string]interface{}{"content": text}))
		default:
			return NewCorrectiveTurn(text, 1)
		}
	})
}

func TestPropertySnapshotsArePrefixes(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters(100))

	properties.Property("snapshot n is a prefix of snapshot n+1", prop.ForAll(
		func(turns []Turn) bool {
			st := NewConversationState("task")
			prev := st.Snapshot()
			for _, turn := range turns {
				st.Append(turn)
				next := st.Snapshot()
				if len(next.Turns) != len(prev.Turns)+1 {
					return false
				}
				if TurnDigest(next.Turns[:len(prev.Turns)]) != TurnDigest(prev.Turns) {
					return false
				}
				prev = next
			}
			return true
		},
		gen.SliceOf(genTurn()),
	))

	properties.TestingRun(t)
}

func TestPropertyParallelResultsKeepIssueOrder(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters(20))

	sleeper := Tool{
		Definition: ToolDefinition{Name: "sleep"},
		Handler: func(ctx context.Context, args map[string]interface{}) ToolResult {
			ms, _ := GetIntArg(args, "ms")
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return Success(nil)
		},
	}

	properties.Property("one result per request, in issue order", prop.ForAll(
		func(delays []int) bool {
			calls := make([]unifiedllm.ToolCall, len(delays))
			for i, ms := range delays {
				calls[i] = call(fmt.Sprintf("call_%d", i), "sleep", map[string]interface{}{"ms": ms})
			}
			client := &scriptedClient{
				analyze: []step{replyCalls(calls...), replyText("done")},
				report:  replyReport(ReportSuccess),
			}
			cfg := testConfig()
			cfg.ParallelTools = true
			registry, _ := NewToolRegistry([]Tool{sleeper})
			s, err := NewSession(client, registry, cfg)
			if err != nil {
				return false
			}
			defer s.Close()
			if _, err := s.Run(context.Background(), "explain"); err != nil {
				return false
			}
			results := turnsOfKind(s.Snapshot().Turns, TurnToolResult)
			if len(results) != len(calls) {
				return false
			}
			for i, r := range results {
				if r.ToolResult.CallID != calls[i].ID {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.IntRange(0, 3)).SuchThat(func(d []int) bool { return len(d) > 0 }),
	))

	properties.TestingRun(t)
}

func TestPropertyVerificationCapBoundsReentry(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters(20))

	properties.Property("text-only edits re-enter exactly cap times", prop.ForAll(
		func(limit int) bool {
			client := &scriptedClient{
				analyze: []step{replyText("here is the code")},
				report:  replyReport(ReportSuccess),
			}
			cfg := testConfig()
			cfg.VerificationCap = limit
			s, err := NewSession(client, nil, cfg)
			if err != nil {
				return false
			}
			defer s.Close()
			report, err := s.Run(context.Background(), "edit main.go")
			if err != nil {
				return false
			}
			snap := s.Snapshot()
			return snap.VerificationCount == limit &&
				snap.VerificationShortfall &&
				report.Status == ReportFailed &&
				len(client.analysisRequests()) == limit+1
		},
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestPropertyTerminationBound(t *testing.T) {
	properties := gopter.NewProperties(propertyParameters(20))

	properties.Property("analysis calls never exceed ceiling plus cap", prop.ForAll(
		func(limit, verifyCap int, intent bool) bool {
			noop := Tool{
				Definition: ToolDefinition{Name: "look"},
				Handler: func(context.Context, map[string]interface{}) ToolResult {
					return Success(nil)
				},
			}
			client := &scriptedClient{
				analyze: []step{replyCalls(call("", "look", nil))},
				report:  replyReport(ReportFailed),
			}
			cfg := testConfig()
			cfg.RecursionLimit = limit
			cfg.VerificationCap = verifyCap
			cfg.EnableLoopDetection = false
			registry, _ := NewToolRegistry([]Tool{noop})
			s, err := NewSession(client, registry, cfg)
			if err != nil {
				return false
			}
			defer s.Close()

			task := "explain"
			want := limit
			if intent {
				task = "create x"
				want = limit + verifyCap
			}
			if _, err := s.Run(context.Background(), task); err != nil {
				return false
			}
			return len(client.analysisRequests()) == want
		},
		gen.IntRange(1, 6),
		gen.IntRange(1, 3),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
