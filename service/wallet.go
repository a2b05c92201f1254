package service

import (
	"context"
	"errors"

	"github.com/layer-3/pidwallet/core"
	"github.com/layer-3/pidwallet/ports"
)

// OpenWallet confirms the acquired key against the wallet store. A key that
// does not open the store locks the machine again and returns core.ErrInvalidPin.
// Other open failures leave the key acquired so the caller can retry or reinitialize.
func OpenWallet(ctx context.Context, unlock *UnlockService, opener ports.WalletOpener, opts core.SetValidOptions) (core.UnlockedContext, error) {
	key, err := unlock.WalletKey()
	if err != nil {
		return nil, err
	}
	defer core.Zero(key)

	wallet, err := opener.Open(ctx, key)
	if err != nil {
		if errors.Is(err, core.ErrInvalidPin) {
			if invalidErr := unlock.SetWalletKeyInvalid(ctx); invalidErr != nil {
				return nil, invalidErr
			}
		}
		return nil, err
	}

	if err := unlock.SetWalletKeyValid(ctx, wallet, opts); err != nil {
		closeContext(wallet)
		return nil, err
	}
	return wallet, nil
}

// ResetWallet removes the unlock secrets and then the wallet store sealed
// with them, leaving the machine in not-configured.
func ResetWallet(ctx context.Context, unlock *UnlockService, opener ports.WalletOpener) error {
	if err := unlock.Reset(ctx); err != nil {
		return err
	}
	return opener.Destroy(ctx)
}
