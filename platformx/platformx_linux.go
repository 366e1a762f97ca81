package platformx

import (
	"github.com/prometheus/procfs"

	"github.com/m-lab/adaptive-proxy/logging"
)

func maybeEmitWarning(algorithms []string) {
	missing, err := MissingAlgorithms(procfs.DefaultMountPoint, algorithms)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not list the available congestion control algorithms.")
		return
	}
	if len(missing) > 0 {
		logging.Logger.WithField("missing", missing).Warn("Some congestion control algorithms are not loaded. Switching to them will fail.")
	}
}

// MissingAlgorithms returns the algorithms not listed in
// net.ipv4.tcp_available_congestion_control under the procfs mounted at
// procPath.
func MissingAlgorithms(procPath string, algorithms []string) ([]string, error) {
	fs, err := procfs.NewFS(procPath)
	if err != nil {
		return nil, err
	}
	available, err := fs.SysctlStrings("net.ipv4.tcp_available_congestion_control")
	if err != nil {
		return nil, err
	}
	loaded := make(map[string]bool, len(available))
	for _, a := range available {
		loaded[a] = true
	}
	var missing []string
	for _, a := range algorithms {
		if !loaded[a] {
			missing = append(missing, a)
		}
	}
	return missing, nil
}
