// Package relay is a multi-agent orchestration core for conversational
// commerce assistants.
//
// A client message enters the Orchestrator, which routes it to one or more
// capability-scoped specialists. Each specialist runs an LLM tool-call loop
// against long-lived worker processes managed by the toolproc package, which
// speaks a line-delimited JSON request/response protocol over the workers'
// standard streams. Conversation history is compressed into a bounded
// summary plus entity map between turns, progress streams to the client as
// an ordered event sequence, and completed turns are checkpointed for
// resumption.
//
// Basic usage:
//
//	mgr := toolproc.NewManager(descriptors)
//	store, _ := checkpoint.NewSQLiteStore(".relay.db")
//	orch := relay.NewOrchestrator(provider, mgr, store,
//		relay.WithSpecialists(specs...),
//		relay.WithMaxAgentCalls(3),
//	)
//	stream, _ := orch.Submit(ctx, threadID, "find me a blue kettle")
//	for ev := range stream.Events() {
//		// render ev
//	}
//
// Turns for one thread run strictly sequentially; independent threads run
// concurrently. Every turn terminates its stream with exactly one of
// turn-complete or error, even on failure or cancellation.
package relay
