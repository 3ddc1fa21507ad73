package cmd

import (
	"github.com/lunixbochs/ldso/go/host"
	"github.com/lunixbochs/ldso/go/models"
)

func nativeHost() (models.Host, error) {
	return host.NewNative(), nil
}
