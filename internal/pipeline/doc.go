// Package pipeline validates a set of declared stages against a field store
// and executes them, step after step, as a level-synchronous DAG.
//
// Build derives the dependency graph from data flow (every writer of a field
// precedes every stage that only reads it) plus explicit barriers, and rejects
// at build time anything whose parallel execution could race or give
// schedule-dependent results. Nothing runs until Build succeeds.
//
// A step is transactional: stage outputs go to shadow buffers that are
// published together on success and discarded on any failure.
package pipeline
