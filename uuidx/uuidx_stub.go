//go:build !linux

package uuidx

import (
	"errors"
	"os"
)

func realFromFile(*os.File) (string, error) {
	return "", errors.New("socket cookies not supported")
}
