// Package platformx contains platform specific code
package platformx

// WarnIfNotFullySupported will emit a warning if the platform cannot
// provide everything the proxy uses, including switching to each of the
// given congestion control algorithms.
func WarnIfNotFullySupported(algorithms ...string) {
	maybeEmitWarning(algorithms)
}
