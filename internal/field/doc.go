// Package field owns the grid-shaped buffers that stages read and write.
//
// A Store holds committed data for every registered field. During a pipeline
// step, fields that will be written get shadow buffers (BeginStep); stages
// borrow scoped views that resolve to the shadow when one exists, so readers
// downstream in the same step see upstream output. Commit swaps the shadows in,
// Rollback discards them and leaves the committed state untouched.
package field
