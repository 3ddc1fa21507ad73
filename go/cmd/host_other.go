//go:build !linux

package cmd

import (
	"runtime"

	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/models"
)

func nativeHost() (models.Host, error) {
	return nil, errors.Errorf("native host is not supported on %s", runtime.GOOS)
}
