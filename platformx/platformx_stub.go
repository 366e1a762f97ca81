//go:build !linux

package platformx

import (
	"github.com/m-lab/adaptive-proxy/logging"
)

func maybeEmitWarning(algorithms []string) {
	logging.Logger.Warn("This platform is not officially supported. Congestion control will be emulated and never switched.")
}
