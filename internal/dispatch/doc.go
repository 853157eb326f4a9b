// Package dispatch runs a batch of generation jobs against an external
// capability with a bounded number of in-flight calls and a minimum spacing
// between launches.
//
// Jobs are launched in input order. Launch i+1 starts no earlier than the
// configured stagger delay after launch i began, whether or not launch i has
// finished. A launched job then waits for one of MaxConcurrent slots before it
// calls the capability, so completion order is unspecified.
//
// Every job resolves to exactly one Result:
//   - capability reports Success=false -> Failure{Kind: KindStructured}
//   - capability returns an error or panics -> Failure{Kind: KindFault}
//   - otherwise -> Success with the measured latency
//
// Failures are contained per job. Nothing is retried here; callers re-run the
// failed subset if they want retries. The only error Run's constructor
// reports is an invalid Budget.
//
// Results come back in input order regardless of completion order, and a
// Report summarises counts, wall-clock time and throughput.
package dispatch
