package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/osazeejedi/escrow-interact/internal/types"
)

// CheckNetwork fails with WrongNetwork unless the gateway reports want
func CheckNetwork(ctx context.Context, gw NetworkGateway, want uint64) error {
	got, err := gw.NetworkID(ctx)
	if err != nil {
		if errors.Is(err, types.ErrTransportFailure) {
			return err
		}
		return types.Wrap(types.KindTransportFailure, "network", err)
	}
	if got != want {
		return types.Errorf(types.KindWrongNetwork, "network", "connected to network %d, expected %d", got, want)
	}
	return nil
}

// ArgError reports a call argument of the wrong shape
func ArgError(method string, index int, want string, got any) error {
	return fmt.Errorf("%s: argument %d must be %s, got %T", method, index, want, got)
}
