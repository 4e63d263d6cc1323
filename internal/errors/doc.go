// Package errors defines error types for the worker harness.
//
// This package provides structured error types that wrap the different
// failure scenarios when supervising a worker process. All error types
// support error unwrapping and can be checked using errors.Is and errors.As.
package errors
