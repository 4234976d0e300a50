// Package agentloop runs a coding task through a bounded decision loop.
//
// A Session owns one run. It alternates model analysis with tool dispatch,
// checks that a request for file changes was actually acted on, and ends
// with a schema-validated Report:
//
//	ANALYZE -> DISPATCH_TOOLS -> ANALYZE ... -> VERIFY -> (ANALYZE | REPORT) -> DONE
//
// The pieces are usable on their own:
//
//   - ToolRegistry: immutable name-to-tool map with JSON Schema argument
//     validation, per-call timeout and panic recovery.
//   - Gateway: the only path to the model, with transient-only retry and
//     structured output validation.
//   - ConversationState: the append-only turn log and its counters.
//   - VerificationGate: keyword intent detection and the corrective re-entry
//     decision.
//   - Checkpointer: one state snapshot per phase, keyed by run id.
//   - EventEmitter: typed, non-blocking event stream for narration.
//
// # Quick Start
//
//	env := agentloop.NewLocalExecutionEnvironment("/path/to/project")
//	registry, err := agentloop.NewToolRegistry(agentloop.CoreTools(env))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	session, err := agentloop.NewSession(client, registry, agentloop.DefaultConfig(),
//	    agentloop.WithEnvironment(env))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	report, err := session.Run(ctx, "Create hello.txt containing hi")
package agentloop
