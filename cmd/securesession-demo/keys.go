package main

import (
	"github.com/securesession/securesession/shared/container"
	"github.com/securesession/securesession/shared/cryptofacade"
)

func identityKey() (*cryptofacade.SigningKey, error) {
	return cryptofacade.GenerateSigningKey()
}

func framedVerifyKeyOf(sk *cryptofacade.SigningKey) ([]byte, error) {
	raw, err := sk.Public().Marshal()
	if err != nil {
		return nil, err
	}
	return container.Make(container.TagECPub, raw), nil
}
