// Package nowcast implements the precipitation nowcasting engine.
//
// The engine extrapolates future reflectivity fields from a short
// history of radar composites: a dense motion field is estimated
// between successive scans, then advected forward with a backward
// semi-Lagrangian scheme. Two strategies are provided: a basic
// frozen-motion extrapolation and an advanced variant with temporal
// motion smoothing, per-step motion decay and persistence blending.
//
// The engine is a pure computation: it performs no I/O, holds no
// state between calls, and independent forecasts may run concurrently.
// Acquisition, decoding, rendering and upload live in sibling packages.
package nowcast
