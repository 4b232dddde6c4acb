package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	mterrors "github.com/vango-dev/mtproto/internal/errors"
	"github.com/vango-dev/mtproto/pkg/handshake"
	"github.com/vango-dev/mtproto/pkg/network"
	"github.com/vango-dev/mtproto/pkg/storage"
	"github.com/vango-dev/mtproto/pkg/transport"
)

var handshakeErrors = []error{
	handshake.ErrNonceMismatch,
	handshake.ErrNoMatchingKey,
	handshake.ErrFactorization,
	handshake.ErrDHParamsFail,
	handshake.ErrDHGenFail,
	handshake.ErrAnswerHash,
	handshake.ErrBadDHParams,
	handshake.ErrTooManyRetries,
	handshake.ErrUnexpectedMessage,
}

// describe maps an error from the client onto a registered code.
// Errors that already carry a code are returned unchanged.
func describe(err error) error {
	if err == nil {
		return nil
	}
	return classify(err)
}

func classify(err error) *mterrors.Error {
	var e *mterrors.Error
	if errors.As(err, &e) {
		return e
	}

	if rpcErr, ok := network.AsRPCError(err); ok {
		return mterrors.New("E065").
			WithDetail(fmt.Sprintf("%s answered %d %s", rpcErr.Method, rpcErr.Code, rpcErr.Message)).
			Wrap(err)
	}
	for _, target := range handshakeErrors {
		if errors.Is(err, target) {
			return mterrors.New("E061").Wrap(err)
		}
	}

	var closed storage.ErrStoreClosed
	var te *transport.TransportError
	switch {
	case errors.Is(err, network.ErrRPCTimeout), errors.Is(err, context.DeadlineExceeded):
		return mterrors.New("E062").Wrap(err)
	case errors.Is(err, network.ErrManagerAlreadyExists):
		return mterrors.New("E063").Wrap(err)
	case errors.Is(err, network.ErrDestroyed):
		return mterrors.New("E064").Wrap(err)
	case errors.Is(err, network.ErrUnknownDC):
		return mterrors.New("E142").Wrap(err)
	case errors.As(err, &closed):
		return mterrors.New("E082").Wrap(err)
	case errors.As(err, &te), errors.Is(err, network.ErrNotConnected):
		return mterrors.New("E060").Wrap(err)
	}
	return mterrors.FromError(err, "E060")
}

// httpStatus picks the gateway status code for an error code.
func httpStatus(e *mterrors.Error) int {
	switch e.Code {
	case "E140", "E143":
		return http.StatusBadRequest
	case "E142":
		return http.StatusNotFound
	case "E062":
		return http.StatusGatewayTimeout
	case "E065":
		return http.StatusBadGateway
	case "E064":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
