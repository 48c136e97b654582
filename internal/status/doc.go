// Package status defines the records the pipeline persists for deposits, jobs
// and the pipeline itself, the closed field enumerations those records are
// keyed by, the state transition graphs, and the Store contract every backend
// implements.
//
// Records are flat field maps so backends can store them as hashes or
// key/value rows. Only the supervisor and executor change deposit state, and
// they do so through compare-and-set so concurrent writers never regress a
// record.
package status
