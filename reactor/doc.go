// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the poll-mode readiness reactor that the stream
// transport's worker idles on. Linux uses epoll with an eventfd for wakeup.
package reactor
