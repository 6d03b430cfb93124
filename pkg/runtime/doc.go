/*
Package runtime implements the container engine invocation contract: pulling
a digest-pinned image, running a container under the fixed security
envelope, and killing a running container by name.

The invocation is a literal, ordered docker CLI flag sequence — not an
embedded engine client — because the control plane's contract with this
daemon is defined at that granularity (see the Engine interface below). A
fake implementation is injected in tests; production binds dockerEngine,
which shells out via os/exec.
*/
package runtime
