// Copyright 2025 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package zener

import (
	"errors"
)

var (
	// ErrServerClosed is returned by Shutdown when called on a server that
	// already finished shutting down.
	ErrServerClosed = errors.New("zener: server closed")

	// ErrTooManyConnections is the admission-cap disposition, recorded when
	// an accept is rejected with the busy diagnostic.
	ErrTooManyConnections = errors.New("zener: too many connections")
)
