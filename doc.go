// Package mnemo is a workspace-isolated context memory core for LLM
// applications.
//
// It ingests raw interaction materials (chat transcripts, unified diffs,
// execution logs), distills them into structured memory items, deduplicates
// and links them against prior memory, ranks them against a stated purpose,
// and assembles a deterministic, token-budgeted working set for downstream
// model calls. Feedback signals re-weight items over time.
//
// The root package holds the domain model and the pure components:
// redaction, extraction, consolidation, ranking, working-set assembly, and
// the embedding gateway. Persistence backends live in store/sqlite and
// store/postgres; embedding providers in provider/...; OTEL instrumentation
// in observer.
package mnemo
