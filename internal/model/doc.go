// Package model is the numerical engine for one-dimensional Smoluchowski
// transport across a bulk/gel interface.
//
// It builds the variable-width discretization of the two-phase domain,
// synthesizes diffusivity and free-energy profiles from a handful of level
// parameters, assembles the tridiagonal rate matrix (generator) W of the
// master equation dc/dt = W·c, and propagates concentration profiles with
// the matrix exponential T = exp(W).
//
// Units follow the measurements: lengths in µm, time in s, diffusivity in
// µm²/s and free energy in k_BT, so one power of T advances one second.
//
// Nothing in this package touches the filesystem or exits the process:
// precondition and consistency violations are returned as
// *errors.Error and *errors.ConsistencyError values.
package model
