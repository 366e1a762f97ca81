//go:build !linux

package netx

import (
	"os"

	"github.com/apex/log"
)

func setCongestionControl(*os.File, string) error {
	log.Warn("TCP_CONGESTION not available on this platform")
	return ErrNoSupport
}

func congestionControl(*os.File) (string, error) {
	return "", ErrNoSupport
}
