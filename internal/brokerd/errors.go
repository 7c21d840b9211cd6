package brokerd

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/sideload/internal/pkgservice"
)

// toStatus maps package service errors onto gRPC codes so clients can
// tell a missing grant from a broken request.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch {
	case errors.Is(err, pkgservice.ErrNoSession), errors.Is(err, pkgservice.ErrNoHandle):
		code = codes.NotFound
	case errors.Is(err, pkgservice.ErrNotOwner):
		code = codes.PermissionDenied
	case errors.Is(err, pkgservice.ErrBadEntry), errors.Is(err, pkgservice.ErrTooLarge):
		code = codes.InvalidArgument
	case errors.Is(err, pkgservice.ErrSessionSealed), errors.Is(err, pkgservice.ErrOpenWriters):
		code = codes.FailedPrecondition
	case errors.Is(err, pkgservice.ErrTooManyOpen):
		code = codes.ResourceExhausted
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
