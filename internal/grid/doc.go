// Package grid defines the simulation domain shared by every gridweaver package.
//
// It is intentionally small:
//   - Domain: immutable (nx, ny, nz) extents and the flat index layout
//   - Rank: the shape class of a field (scalar, vertical, horizontal, full)
//   - ConfigError: the build-time error type all packages report through
//
// Full-rank buffers are laid out column by column: the vertical index is the
// fastest varying, so every column is one contiguous slice.
package grid
