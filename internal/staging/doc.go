// Package staging resolves deposit files to configured storage locations and
// manages per-deposit working directories.
package staging
