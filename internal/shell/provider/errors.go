package provider

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	smithy "github.com/aws/smithy-go"
	"github.com/digitalocean/godo"
	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// Provider error classes. Callers use errors.Is to decide whether to retry.
var (
	ErrUnauthorized  = errors.New("provider rejected credentials")
	ErrQuotaExceeded = errors.New("provider quota exceeded")
	ErrRateLimited   = errors.New("provider rate limit exceeded")
	ErrUnavailable   = errors.New("provider unavailable")
	ErrInvalidConfig = errors.New("invalid provider configuration")
)

// classify wraps err with the matching provider error class. Unknown errors
// are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	// Hetzner
	switch {
	case hcloud.IsError(err, hcloud.ErrorCodeRateLimitExceeded):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case hcloud.IsError(err, hcloud.ErrorCodeUnauthorized), hcloud.IsError(err, hcloud.ErrorCodeForbidden):
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case hcloud.IsError(err, hcloud.ErrorCodeResourceLimitExceeded):
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	case hcloud.IsError(err, hcloud.ErrorCodeServiceError):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	// DigitalOcean
	var doErr *godo.ErrorResponse
	if errors.As(err, &doErr) && doErr.Response != nil {
		if wrapped := classifyStatus(doErr.Response.StatusCode, err); wrapped != nil {
			return wrapped
		}
	}

	// AWS
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "RequestLimitExceeded", "Throttling", "ThrottlingException":
			return fmt.Errorf("%w: %w", ErrRateLimited, err)
		case "AuthFailure", "UnauthorizedOperation", "InvalidClientTokenId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		case "InstanceLimitExceeded", "VcpuLimitExceeded", "InsufficientInstanceCapacity":
			return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
		case "InternalError", "Unavailable", "ServiceUnavailable":
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	case status >= 500:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}
