/*
 * stalker-proxy relays the live channels of a Stalker portal to IPTV players.
 * Copyright (C) 2025  Lucas Duport
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Reasons are short machine-readable strings returned to clients.
const (
	ReasonAuthFailed       = "auth_failed"
	ReasonInvalidSignature = "invalid_signature"
	ReasonSessionExpired   = "session_expired"
	ReasonNotFound         = "not_found"
	ReasonSegmentEvicted   = "segment_evicted"
	ReasonUpstream         = "upstream_error"
	ReasonLinkRotted       = "link_rotted"
	ReasonRateLimited      = "rate_limited"
	ReasonTimeout          = "upstream_timeout"
	ReasonConfig           = "config_error"
	ReasonInternal         = "internal_error"
)

// AuthError covers bad or expired portal sessions and invalid segment
// signatures.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth error (%s)", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// UpstreamError is a non-2xx answer from the portal or the origin. Status is
// 0 when no response was received.
type UpstreamError struct {
	Status int
	Reason string
	Err    error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("upstream error (%s) status %d", e.reason(), e.Status)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) reason() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Status == http.StatusTooManyRequests {
		return ReasonRateLimited
	}
	return ReasonUpstream
}

// NotFoundError is an unknown channel or a segment outside the cached window.
type NotFoundError struct {
	Reason string
	What   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found (%s): %s", e.Reason, e.What)
}

// TimeoutError is an upstream that did not answer in time.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("timeout during %s: %v", e.Op, e.Err)
	}
	return "timeout during " + e.Op
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ConfigError is a malformed secret or device identity. Fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// NewAuthError builds an AuthError with a reason and optional cause.
func NewAuthError(reason string, err error) *AuthError {
	return &AuthError{Reason: reason, Err: err}
}

// NewUpstreamError builds an UpstreamError for the given status.
func NewUpstreamError(status int, err error) *UpstreamError {
	return &UpstreamError{Status: status, Err: err}
}

// NewNotFoundError builds a NotFoundError.
func NewNotFoundError(reason, what string) *NotFoundError {
	return &NotFoundError{Reason: reason, What: what}
}

func IsAuth(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// UpstreamStatus returns the upstream status carried by err, if any.
func UpstreamStatus(err error) (int, bool) {
	var e *UpstreamError
	if errors.As(err, &e) {
		return e.Status, true
	}
	return 0, false
}

// HTTPStatus maps an error to the status code and reason sent to clients.
func HTTPStatus(err error) (int, string) {
	var (
		authErr     *AuthError
		upErr       *UpstreamError
		notFoundErr *NotFoundError
		timeoutErr  *TimeoutError
		configErr   *ConfigError
	)

	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.As(err, &authErr):
		if authErr.Reason == ReasonInvalidSignature {
			return http.StatusForbidden, authErr.Reason
		}
		return http.StatusUnauthorized, authErr.Reason
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound, notFoundErr.Reason
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ReasonTimeout
	case errors.As(err, &upErr):
		return http.StatusBadGateway, upErr.reason()
	case errors.As(err, &configErr):
		return http.StatusInternalServerError, ReasonConfig
	default:
		return http.StatusInternalServerError, ReasonInternal
	}
}
