// Package zubot is a single-process, local-first agent runtime.
//
// Three planes share one embedded SQLite store: an interactive chat session
// runtime, a worker pool for spawned sub-agents, and a central scheduler
// service that runs defined tasks on frequency or calendar schedules.
// A daily memory pipeline condenses everything the runtime saw into
// per-day summaries.
//
// # Quick Start
//
//	cfg, _ := config.Load("")
//	queue := sqlite.NewQueue(cfg.Central.DBPath)
//	store := sqlite.NewStore(queue)
//	_ = store.Init(ctx)
//
//	registry := zubot.NewRegistry()
//	central := zubot.NewCentralService(store, runner, zubot.CentralSettingsFromConfig(cfg))
//	central.Start()
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider]: LLM backend (chat, tool calling, streaming)
//   - [SchedulerStore]: schedules, runs, task state, seen items
//   - [MemoryStore]: daily memory events, snapshots, summary jobs
//   - [SQLRunner]: serialized read/write access to the shared database
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs).
// Storage: store/sqlite (serialized single-writer queue plus all stores).
// Tools: tools/clock, tools/file, tools/webfetch.
//
// See cmd/zubot for the daemon entrypoint.
package zubot
