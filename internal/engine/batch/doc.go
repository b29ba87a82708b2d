// Package batch runs a flow once per input line.
//
// An Engine resolves the line inputs, optionally copies completed lines
// from a previous run, executes the remaining lines through an executor
// Proxy with a bounded number in flight, writes the outputs of completed
// lines to output.jsonl, runs the aggregation pass, and returns a Result.
//
// A supervisor polls for cancellation and for the batch budget. When either
// fires, Run interrupts the execution, returns the lines stored so far and
// drops lines finishing later without storing them.
package batch
