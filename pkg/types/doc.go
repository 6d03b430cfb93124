/*
Package types defines the core data structures shared across the GP4U
provider agent: device descriptors, the job manifest contract handed down
by the control plane, and the terminal Result a Runner returns for one job.

All types here are plain data with no I/O; the only method is
JobManifest.ContainerName, a pure derivation from the job ID. Packages that
act on them (discovery, runner, supervisor) import this package, never the
reverse.
*/
package types
