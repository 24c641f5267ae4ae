// Package stage declares units of parallel computation and the accessors
// physics bodies use to reach their fields.
//
// A Stage names its kind, the fields it reads and writes (with the rank it
// expects each to have), and the body that runs per cell or per column. The
// declarations are all the orchestrator needs to derive execution order; the
// bodies never see the schedule.
package stage
