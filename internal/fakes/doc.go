// Package fakes provides manual fake implementations for testing.
//
// Fakes have working in-memory implementations and record what they were
// asked to do, so tests can drive the broker without plugin processes or
// real secret stores.
package fakes
