// Package fit extracts diffusivity and free energy profiles from measured
// concentration profiles.
//
// A Problem ties a Dataset to the numerical model: the parameter vector
// [D1, D2, F1, F2, interface, width, scale_1..scale_n] is turned into
// clamped per-bin profiles, a rate matrix and propagated concentrations,
// and compared with the scaled measurements. The Driver solves the bounded
// least-squares problem from many random starts and Aggregate condenses the
// completed runs into best and top-fraction averaged estimates.
package fit
